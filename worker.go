package smana

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

// ============================================================================
// Events
// ============================================================================

type WorkerEventType string

const (
	WorkerInstall           WorkerEventType = "install"
	WorkerActivate          WorkerEventType = "activate"
	WorkerMessage           WorkerEventType = "message"
	WorkerPush              WorkerEventType = "push"
	WorkerNotificationClick WorkerEventType = "notificationclick"
)

// WorkerEvent is one lifecycle or delivery event. Data carries the push
// body or the message JSON; NotificationID and Notification identify the
// clicked notification.
type WorkerEvent struct {
	Type           WorkerEventType
	Data           []byte
	NotificationID string
	Notification   NotificationSpec
}

// WorkerState is the lifecycle position of a worker version.
type WorkerState string

const (
	WorkerParsed    WorkerState = "parsed"
	WorkerInstalled WorkerState = "installed"
	WorkerActivated WorkerState = "activated"
)

const messageSkipWaits = "SKIP_WAITING"

// ============================================================================
// Notifications
// ============================================================================

const (
	defaultNotificationTitle = "SMANA Admin"
	defaultNotificationBody  = "You have a new notification."
	defaultNotificationIcon  = "/icon-192.png"
	defaultNotificationBadge = "/icon-96.png"
	defaultNotificationURL   = "/dashboard"
)

// NotificationSpec is a system notification ready to show.
type NotificationSpec struct {
	Title    string
	Body     string
	Icon     string
	Badge    string
	Tag      string
	Renotify bool
	Data     map[string]any
}

// URL is the page a click on the notification opens.
func (s NotificationSpec) URL() string {
	if u, ok := s.Data["url"].(string); ok && u != "" {
		return u
	}
	return defaultNotificationURL
}

func defaultNotification() NotificationSpec {
	return NotificationSpec{
		Title: defaultNotificationTitle,
		Body:  defaultNotificationBody,
		Icon:  defaultNotificationIcon,
		Badge: defaultNotificationBadge,
		Data:  map[string]any{"url": defaultNotificationURL},
	}
}

// HandlePush turns a push body into a notification. It accepts FCM
// payloads ({notification, data}), flat custom objects and plain text, and
// never fails: anything unusable falls back to the defaults.
func HandlePush(raw []byte) NotificationSpec {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		pushDeliveries.WithLabelValues("empty").Inc()
		return defaultNotification()
	}
	if !gjson.ValidBytes(raw) {
		pushDeliveries.WithLabelValues("text").Inc()
		spec := defaultNotification()
		spec.Body = string(raw)
		return spec
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		pushDeliveries.WithLabelValues("other").Inc()
		return defaultNotification()
	}

	n := root.Get("notification")
	if !n.IsObject() {
		n = gjson.Result{}
	}
	d := root.Get("data")
	format := "fcm"
	if !d.IsObject() {
		d = root
		format = "custom"
	}
	if !n.Exists() && format == "fcm" {
		format = "data"
	}
	pushDeliveries.WithLabelValues(format).Inc()

	tag := d.Get("tag").String()
	spec := NotificationSpec{
		Title:    firstString(defaultNotificationTitle, n.Get("title"), d.Get("title")),
		Body:     firstString(defaultNotificationBody, n.Get("body"), d.Get("body")),
		Icon:     firstString(defaultNotificationIcon, n.Get("icon"), d.Get("icon")),
		Badge:    firstString(defaultNotificationBadge, d.Get("badge")),
		Tag:      tag,
		Renotify: tag != "",
		Data:     map[string]any{},
	}
	if m, ok := d.Value().(map[string]any); ok {
		for k, v := range m {
			spec.Data[k] = v
		}
	}
	if _, ok := spec.Data["url"]; !ok {
		spec.Data["url"] = firstString(defaultNotificationURL, d.Get("url"), n.Get("click_action"))
	}
	return spec
}

func firstString(fallback string, results ...gjson.Result) string {
	for _, r := range results {
		if s := r.String(); s != "" {
			return s
		}
	}
	return fallback
}

// NotificationCenter shows and closes system notifications.
type NotificationCenter interface {
	Show(ctx context.Context, spec NotificationSpec) (string, error)
	Close(ctx context.Context, id string) error
}

// ShownNotification is a notification currently in a NotificationTray.
type ShownNotification struct {
	ID   string
	Spec NotificationSpec
}

// NotificationTray is an in-memory NotificationCenter. A notification with
// the tag of a visible one replaces it.
type NotificationTray struct {
	mu    sync.Mutex
	items []ShownNotification
}

func (t *NotificationTray) Show(_ context.Context, spec NotificationSpec) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := uuid.NewString()
	if spec.Tag != "" {
		for i, it := range t.items {
			if it.Spec.Tag == spec.Tag {
				t.items = append(t.items[:i], t.items[i+1:]...)
				break
			}
		}
	}
	t.items = append(t.items, ShownNotification{ID: id, Spec: spec})
	return id, nil
}

func (t *NotificationTray) Close(_ context.Context, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, it := range t.items {
		if it.ID == id {
			t.items = append(t.items[:i], t.items[i+1:]...)
			return nil
		}
	}
	return nil
}

// Visible returns the shown notifications, oldest first.
func (t *NotificationTray) Visible() []ShownNotification {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]ShownNotification(nil), t.items...)
}

// ============================================================================
// Windows
// ============================================================================

// Window is an open app window.
type Window interface {
	Focus(ctx context.Context) error
	Navigate(ctx context.Context, url string) error
}

// WindowClients lists the app's windows and opens new ones.
type WindowClients interface {
	Windows(ctx context.Context) ([]Window, error)
	Open(ctx context.Context, url string) error
}

// ============================================================================
// Worker
// ============================================================================

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	Router        *Router
	Notifications NotificationCenter
	Windows       WindowClients
	// Precache lists the app shell paths fetched on install.
	Precache []string
	Logger   *zerolog.Logger
}

// DefaultPrecache is the app shell cached on install.
var DefaultPrecache = []string{
	"/",
	"/offline.html",
	"/manifest.webmanifest",
	"/icon-96.png",
	"/icon-192.png",
	"/icon-512.png",
	"/smana_logo.png",
	"/screenshot-desktop.png",
	"/screenshot-mobile.png",
}

func (c *WorkerConfig) defaults() {
	if c.Router == nil {
		c.Router = NewRouter(nil)
	}
	if c.Notifications == nil {
		c.Notifications = &NotificationTray{}
	}
	if c.Precache == nil {
		c.Precache = DefaultPrecache
	}
	if c.Logger == nil {
		l := log.Logger.With().Str("component", "worker").Logger()
		c.Logger = &l
	}
}

type workerHandler func(ctx context.Context, ev WorkerEvent) error

// Worker is the background half of the admin app: it owns the response
// caches and turns pushes into notifications.
type Worker struct {
	cfg      *WorkerConfig
	logger   zerolog.Logger
	handlers map[WorkerEventType]workerHandler

	mu    sync.Mutex
	state WorkerState
}

func NewWorker(cfg *WorkerConfig) *Worker {
	if cfg == nil {
		cfg = &WorkerConfig{}
	}
	cfg.defaults()
	w := &Worker{cfg: cfg, logger: *cfg.Logger, state: WorkerParsed}
	w.handlers = map[WorkerEventType]workerHandler{
		WorkerInstall:  func(ctx context.Context, _ WorkerEvent) error { return w.Install(ctx) },
		WorkerActivate: func(ctx context.Context, _ WorkerEvent) error { return w.Activate(ctx) },
		WorkerMessage:  w.handleMessage,
		WorkerPush: func(ctx context.Context, ev WorkerEvent) error {
			_, err := w.Push(ctx, ev.Data)
			return err
		},
		WorkerNotificationClick: func(ctx context.Context, ev WorkerEvent) error {
			return w.HandleClick(ctx, ev.NotificationID, ev.Notification)
		},
	}
	return w
}

// Router is the worker's fetch handler.
func (w *Worker) Router() *Router { return w.cfg.Router }

func (w *Worker) State() WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Dispatch routes ev to its handler.
func (w *Worker) Dispatch(ctx context.Context, ev WorkerEvent) error {
	h, ok := w.handlers[ev.Type]
	if !ok {
		return errors.Errorf("worker: unsupported event %q", ev.Type)
	}
	return h(ctx, ev)
}

// Install fetches the app shell and stores it in the static cache. Nothing
// is stored unless every path succeeds. The new version then waits; it
// does not take over until it receives SKIP_WAITING.
func (w *Worker) Install(ctx context.Context) error {
	rc := w.cfg.Router.Config()
	fetched := make(map[string]*CachedResponse, len(w.cfg.Precache))
	for _, path := range w.cfg.Precache {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rc.AppOrigin+path, nil)
		if err != nil {
			return errors.Wrapf(err, "worker install: %s", path)
		}
		resp, err := rc.Next.RoundTrip(req)
		if err != nil {
			return errors.Wrapf(err, "worker install: fetch %s", path)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return errors.Wrapf(err, "worker install: read %s", path)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return errors.Errorf("worker install: %s returned %s", path, strconv.Itoa(resp.StatusCode))
		}
		fetched[RequestKey(req)] = &CachedResponse{Status: resp.StatusCode, Header: resp.Header.Clone(), Body: body}
	}
	for key, entry := range fetched {
		if err := rc.Cache.Put(ctx, rc.StaticCache(), key, entry); err != nil {
			return errors.Wrap(err, "worker install: store")
		}
	}
	w.mu.Lock()
	w.state = WorkerInstalled
	w.mu.Unlock()
	w.logger.Info().Str("version", rc.Version).Int("assets", len(fetched)).Msg("worker installed")
	return nil
}

// Activate deletes every cache that does not belong to this version.
func (w *Worker) Activate(ctx context.Context) error {
	rc := w.cfg.Router.Config()
	names, err := rc.Cache.Names(ctx)
	if err != nil {
		return errors.Wrap(err, "worker activate: list caches")
	}
	keep := map[string]bool{rc.StaticCache(): true, rc.APICache(): true}
	for _, name := range names {
		if keep[name] {
			continue
		}
		if err := rc.Cache.Delete(ctx, name); err != nil {
			return errors.Wrapf(err, "worker activate: delete %s", name)
		}
		w.logger.Debug().Str("cache", name).Msg("deleted old cache")
	}
	w.mu.Lock()
	w.state = WorkerActivated
	w.mu.Unlock()
	w.logger.Info().Str("version", rc.Version).Msg("worker activated")
	return nil
}

func (w *Worker) handleMessage(ctx context.Context, ev WorkerEvent) error {
	if gjson.GetBytes(ev.Data, "type").String() != messageSkipWaits {
		return nil
	}
	if w.State() != WorkerInstalled {
		return nil
	}
	return w.Activate(ctx)
}

// Push shows the notification for a push body. If the system refuses the
// notification, the default one is shown instead.
func (w *Worker) Push(ctx context.Context, body []byte) (string, error) {
	spec := HandlePush(body)
	id, err := w.cfg.Notifications.Show(ctx, spec)
	if err == nil {
		return id, nil
	}
	w.logger.Warn().Err(err).Msg("show notification failed, using default")
	return w.cfg.Notifications.Show(ctx, defaultNotification())
}

// HandleClick closes the notification and brings the app to its URL: the
// first window that accepts focus and navigation wins, otherwise a new
// window is opened.
func (w *Worker) HandleClick(ctx context.Context, id string, spec NotificationSpec) error {
	if id != "" {
		if err := w.cfg.Notifications.Close(ctx, id); err != nil {
			w.logger.Debug().Err(err).Msg("close notification")
		}
	}
	target := spec.URL()
	if w.cfg.Windows == nil {
		return errors.New("worker: no window clients")
	}
	windows, err := w.cfg.Windows.Windows(ctx)
	if err != nil {
		w.logger.Debug().Err(err).Msg("list windows")
	}
	for _, win := range windows {
		if err := win.Focus(ctx); err != nil {
			continue
		}
		if err := win.Navigate(ctx, target); err != nil {
			continue
		}
		return nil
	}
	return errors.Wrap(w.cfg.Windows.Open(ctx, target), "worker: open window")
}

// ============================================================================
// UpdateAdopter
// ============================================================================

// UpdateAdopter is the page side of worker updates. It tells a waiting
// version to take over and never reloads the page; the new version serves
// the next navigation.
type UpdateAdopter struct {
	Waiting *Worker
	Logger  *zerolog.Logger
}

// Adopt posts SKIP_WAITING to the waiting worker. It reports whether a
// version was activated.
func (u *UpdateAdopter) Adopt(ctx context.Context) (bool, error) {
	if u.Waiting == nil || u.Waiting.State() != WorkerInstalled {
		return false, nil
	}
	msg := []byte(`{"type":"` + messageSkipWaits + `"}`)
	if err := u.Waiting.Dispatch(ctx, WorkerEvent{Type: WorkerMessage, Data: msg}); err != nil {
		return false, err
	}
	if u.Logger != nil {
		u.Logger.Info().Msg("new worker version active, takes effect on next navigation")
	}
	return u.Waiting.State() == WorkerActivated, nil
}
