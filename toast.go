package smana

import (
	"sync"
	"time"
)

type ToastLevel string

const (
	ToastInfo    ToastLevel = "info"
	ToastSuccess ToastLevel = "success"
	ToastWarning ToastLevel = "warning"
	ToastError   ToastLevel = "error"
)

// Toast is a transient in-app message.
type Toast struct {
	Level   ToastLevel
	Title   string
	Message string
	// Event is set when the toast announces a live event.
	Event EventName
	At    time.Time
}

// Toaster renders toasts. Implementations must not block.
type Toaster interface {
	Toast(Toast)
}

// ToastFunc adapts a function to Toaster.
type ToastFunc func(Toast)

func (f ToastFunc) Toast(t Toast) { f(t) }

type nopToaster struct{}

func (nopToaster) Toast(Toast) {}

// ToastRecorder keeps every toast it receives. Useful for headless callers
// and tests.
type ToastRecorder struct {
	mu     sync.Mutex
	toasts []Toast
}

func (r *ToastRecorder) Toast(t Toast) {
	r.mu.Lock()
	r.toasts = append(r.toasts, t)
	r.mu.Unlock()
}

// Toasts returns a copy of the recorded toasts, oldest first.
func (r *ToastRecorder) Toasts() []Toast {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Toast(nil), r.toasts...)
}

func toastLevel(t NotificationType) ToastLevel {
	switch t {
	case NotificationWarning:
		return ToastWarning
	case NotificationSuccess:
		return ToastSuccess
	case NotificationError:
		return ToastError
	}
	return ToastInfo
}
