package smana

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestHandlePush(t *testing.T) {
	t.Run("fcm payload", func(t *testing.T) {
		spec := HandlePush([]byte(`{
			"notification": {"title": "New order", "body": "Room 204 ordered breakfast", "click_action": "/dashboard/orders"},
			"data": {"tag": "order-o1", "orderId": "o1"}
		}`))
		require.Equal(t, "New order", spec.Title)
		require.Equal(t, "Room 204 ordered breakfast", spec.Body)
		require.Equal(t, "/icon-192.png", spec.Icon)
		require.Equal(t, "/icon-96.png", spec.Badge)
		require.Equal(t, "order-o1", spec.Tag)
		require.True(t, spec.Renotify)
		require.Equal(t, "/dashboard/orders", spec.URL())
		require.Equal(t, "o1", spec.Data["orderId"])
	})

	t.Run("custom payload", func(t *testing.T) {
		spec := HandlePush([]byte(`{"title":"Housekeeping","body":"Towels for 310","url":"/dashboard/requests","icon":"/icons/broom.png","badge":"/b.png"}`))
		require.Equal(t, "Housekeeping", spec.Title)
		require.Equal(t, "Towels for 310", spec.Body)
		require.Equal(t, "/icons/broom.png", spec.Icon)
		require.Equal(t, "/b.png", spec.Badge)
		require.Empty(t, spec.Tag)
		require.False(t, spec.Renotify)
		require.Equal(t, "/dashboard/requests", spec.URL())
	})

	t.Run("data url wins over click action", func(t *testing.T) {
		spec := HandlePush([]byte(`{"notification":{"click_action":"/a"},"data":{"url":"/b"}}`))
		require.Equal(t, "/b", spec.URL())
	})

	t.Run("plain text", func(t *testing.T) {
		spec := HandlePush([]byte("Checkout in room 101"))
		require.Equal(t, "SMANA Admin", spec.Title)
		require.Equal(t, "Checkout in room 101", spec.Body)
		require.Equal(t, "/dashboard", spec.URL())
	})

	t.Run("empty", func(t *testing.T) {
		spec := HandlePush(nil)
		require.Equal(t, defaultNotification(), spec)
	})
}

type fakeWindow struct {
	focusErr, navErr error
	focused          bool
	navigated        string
}

func (w *fakeWindow) Focus(context.Context) error {
	if w.focusErr != nil {
		return w.focusErr
	}
	w.focused = true
	return nil
}

func (w *fakeWindow) Navigate(_ context.Context, url string) error {
	if w.navErr != nil {
		return w.navErr
	}
	w.navigated = url
	return nil
}

type fakeWindows struct {
	mu      sync.Mutex
	windows []*fakeWindow
	opened  []string
}

func (f *fakeWindows) Windows(context.Context) ([]Window, error) {
	out := make([]Window, 0, len(f.windows))
	for _, w := range f.windows {
		out = append(out, w)
	}
	return out, nil
}

func (f *fakeWindows) Open(_ context.Context, url string) error {
	f.mu.Lock()
	f.opened = append(f.opened, url)
	f.mu.Unlock()
	return nil
}

func TestWorkerPushCollapsesTags(t *testing.T) {
	tray := &NotificationTray{}
	w := NewWorker(&WorkerConfig{Notifications: tray})
	ctx := context.Background()

	for _, body := range []string{
		`{"title":"Order o1","tag":"order-o1","body":"Pending"}`,
		`{"title":"Order o2","tag":"order-o2"}`,
		`{"title":"Order o1","tag":"order-o1","body":"Ready"}`,
		`{"title":"untagged"}`,
		`{"title":"untagged"}`,
	} {
		require.NoError(t, w.Dispatch(ctx, WorkerEvent{Type: WorkerPush, Data: []byte(body)}))
	}

	visible := tray.Visible()
	require.Len(t, visible, 4)
	var bodies []string
	for _, n := range visible {
		if n.Spec.Tag == "order-o1" {
			bodies = append(bodies, n.Spec.Body)
		}
	}
	require.Equal(t, []string{"Ready"}, bodies)
}

type flakyCenter struct {
	NotificationTray
	fail int
}

func (c *flakyCenter) Show(ctx context.Context, spec NotificationSpec) (string, error) {
	if c.fail > 0 {
		c.fail--
		return "", errors.New("icon failed to load")
	}
	return c.NotificationTray.Show(ctx, spec)
}

func TestWorkerPushFallsBackToDefault(t *testing.T) {
	center := &flakyCenter{fail: 1}
	w := NewWorker(&WorkerConfig{Notifications: center})

	_, err := w.Push(context.Background(), []byte(`{"title":"Custom","icon":"/broken.png"}`))
	require.NoError(t, err)
	visible := center.Visible()
	require.Len(t, visible, 1)
	require.Equal(t, "SMANA Admin", visible[0].Spec.Title)
	require.Equal(t, "You have a new notification.", visible[0].Spec.Body)
}

func TestWorkerClick(t *testing.T) {
	ctx := context.Background()
	spec := HandlePush([]byte(`{"title":"x","url":"/dashboard/orders"}`))

	t.Run("focuses the first usable window", func(t *testing.T) {
		tray := &NotificationTray{}
		broken := &fakeWindow{navErr: errors.New("cross-origin")}
		good := &fakeWindow{}
		windows := &fakeWindows{windows: []*fakeWindow{broken, good}}
		w := NewWorker(&WorkerConfig{Notifications: tray, Windows: windows})

		id, err := tray.Show(ctx, spec)
		require.NoError(t, err)
		require.NoError(t, w.Dispatch(ctx, WorkerEvent{Type: WorkerNotificationClick, NotificationID: id, Notification: spec}))

		require.Empty(t, tray.Visible())
		require.True(t, good.focused)
		require.Equal(t, "/dashboard/orders", good.navigated)
		require.Empty(t, windows.opened)
	})

	t.Run("opens a window when none is usable", func(t *testing.T) {
		windows := &fakeWindows{windows: []*fakeWindow{{focusErr: errors.New("minimized")}}}
		w := NewWorker(&WorkerConfig{Windows: windows})

		require.NoError(t, w.HandleClick(ctx, "", NotificationSpec{}))
		require.Equal(t, []string{"/dashboard"}, windows.opened)
	})
}

func TestWorkerLifecycle(t *testing.T) {
	ctx := context.Background()
	bodies := map[string]string{}
	for _, p := range DefaultPrecache {
		bodies["https://admin.smanahotels.com"+p] = "asset " + p
	}
	next := &stubTransport{bodies: bodies}
	cache := NewMemoryResponseCache()
	require.NoError(t, cache.Put(ctx, "smana-admin-static-v1.3.0", "GET /", &CachedResponse{Status: 200}))
	require.NoError(t, cache.Put(ctx, "smana-admin-api-v1.4.0", "GET /api/rooms", &CachedResponse{Status: 200}))

	router := NewRouter(&RouterConfig{Next: next, Cache: cache})
	w := NewWorker(&WorkerConfig{Router: router})
	require.Equal(t, WorkerParsed, w.State())

	require.NoError(t, w.Dispatch(ctx, WorkerEvent{Type: WorkerInstall}))
	require.Equal(t, WorkerInstalled, w.State())
	keys, err := cache.Keys(ctx, "smana-admin-static-v1.4.0")
	require.NoError(t, err)
	require.Len(t, keys, len(DefaultPrecache))

	// installed versions wait for an explicit go-ahead
	require.NoError(t, w.Dispatch(ctx, WorkerEvent{Type: WorkerMessage, Data: []byte(`{"type":"PING"}`)}))
	require.Equal(t, WorkerInstalled, w.State())

	adopter := &UpdateAdopter{Waiting: w}
	activated, err := adopter.Adopt(ctx)
	require.NoError(t, err)
	require.True(t, activated)
	require.Equal(t, WorkerActivated, w.State())

	names, err := cache.Names(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"smana-admin-api-v1.4.0", "smana-admin-static-v1.4.0"}, names)

	activated, err = adopter.Adopt(ctx)
	require.NoError(t, err)
	require.False(t, activated)
}

func TestWorkerInstallIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	next := &stubTransport{bodies: map[string]string{"https://admin.smanahotels.com/": "<html>"}}
	cache := NewMemoryResponseCache()
	w := NewWorker(&WorkerConfig{Router: NewRouter(&RouterConfig{Next: next, Cache: cache})})

	require.Error(t, w.Install(ctx))
	require.Equal(t, WorkerParsed, w.State())
	names, err := cache.Names(ctx)
	require.NoError(t, err)
	require.Empty(t, names)
}

func TestWorkerUnsupportedEvent(t *testing.T) {
	w := NewWorker(nil)
	require.Error(t, w.Dispatch(context.Background(), WorkerEvent{Type: "sync"}))
}

func TestManifestHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	ManifestHandler(AdminManifest()).ServeHTTP(rec, mustRequest(t, "GET", "https://admin.smanahotels.com/manifest.webmanifest"))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/manifest+json", rec.Header().Get("Content-Type"))

	var m Manifest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	require.Equal(t, "/dashboard", m.ID)
	require.Equal(t, "standalone", m.Display)
	require.Equal(t, "#6366f1", m.ThemeColor)
	require.Len(t, m.Icons, 4)
	require.Len(t, m.Shortcuts, 2)
	require.Equal(t, "/dashboard/requests", m.Shortcuts[1].URL)
	require.Equal(t, []string{"productivity", "utilities"}, m.Categories)

	var formFactors []string
	for _, s := range m.Screenshots {
		formFactors = append(formFactors, s.FormFactor)
	}
	require.ElementsMatch(t, []string{"wide", "narrow"}, formFactors)
}
