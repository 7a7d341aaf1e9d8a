package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	smana "github.com/smanahotels/smana-admin/sdk/golang"
)

func TestSetConfigValue(t *testing.T) {
	cfg := &Config{}
	require.NoError(t, setConfigValue(cfg, "default.environment", "development"))
	require.NoError(t, setConfigValue(cfg, "gateway.listen", ":9000"))
	require.NoError(t, setConfigValue(cfg, "log.level", "debug"))
	require.Equal(t, "development", cfg.Default.Environment)
	require.Equal(t, ":9000", cfg.Gateway.Listen)
	require.Equal(t, "debug", cfg.Log.Level)

	require.NoError(t, setConfigValue(cfg, "push.token", "fcm-device-1"))
	require.Equal(t, "fcm-device-1", cfg.Push.Token)
	require.Error(t, setConfigValue(cfg, "push.p256dh", "x"))

	require.Error(t, setConfigValue(cfg, "environment", "x"))
	require.Error(t, setConfigValue(cfg, "default.api_key", "x"))
	require.Error(t, setConfigValue(cfg, "auth.token", "x"))
}

func TestLoadConfigLayers(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := loadConfig()
	require.NoError(t, err)
	require.Equal(t, "production", cfg.Default.Environment)
	require.Equal(t, "127.0.0.1:8088", cfg.Gateway.Listen)

	file, err := readConfigFile()
	require.NoError(t, err)
	require.NoError(t, setConfigValue(file, "default.base_url", "http://localhost:5000"))
	require.NoError(t, setConfigValue(file, "gateway.listen", ":9000"))
	require.NoError(t, saveConfig(file))

	t.Setenv("SMANA_GATEWAY_LISTEN", ":9100")
	t.Setenv("SMANA_GATEWAY_PUSH_SECRET", "from-env")
	cfg, err = loadConfig()
	require.NoError(t, err)
	require.Equal(t, "http://localhost:5000", cfg.Default.BaseURL)
	require.Equal(t, ":9100", cfg.Gateway.Listen)
	require.Equal(t, "from-env", cfg.Gateway.PushSecret)

	// environment overrides are never written back
	file, err = readConfigFile()
	require.NoError(t, err)
	require.Equal(t, ":9000", file.Gateway.Listen)
	require.Empty(t, file.Gateway.PushSecret)
}

type recordingTransport struct {
	mu    sync.Mutex
	hosts []string
}

func (r *recordingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r.mu.Lock()
	r.hosts = append(r.hosts, req.URL.Host+req.URL.Path)
	r.mu.Unlock()
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": {"text/plain"}},
		Body:       io.NopCloser(strings.NewReader("ok")),
		Request:    req,
	}, nil
}

func TestGatewayProxySplitsOrigins(t *testing.T) {
	next := &recordingTransport{}
	router := smana.NewRouter(&smana.RouterConfig{Next: next})
	proxy, err := newGatewayProxy(router)
	require.NoError(t, err)

	for _, path := range []string{"/api/orders", "/dashboard/rooms", "/socket.io/?EIO=4"} {
		rec := httptest.NewRecorder()
		proxy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		require.Equal(t, http.StatusOK, rec.Code, path)
	}
	require.Equal(t, []string{
		"api.smanahotels.com/api/orders",
		"admin.smanahotels.com/dashboard/rooms",
		"api.smanahotels.com/socket.io/",
	}, next.hosts)
}

func TestMaskSecret(t *testing.T) {
	require.Equal(t, "****", maskSecret("short"))
	require.Equal(t, "abcd...wxyz", maskSecret("abcdefghijklmnopqrstuvwxyz"))
}

type pushCall struct {
	Route string
	Cred  smana.PushCredential
}

func TestPushPipelineFollowsSession(t *testing.T) {
	var (
		mu    sync.Mutex
		calls []pushCall
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var cred smana.PushCredential
		_ = json.NewDecoder(r.Body).Decode(&cred)
		mu.Lock()
		calls = append(calls, pushCall{Route: r.Method + " " + r.URL.Path, Cred: cred})
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"message":"ok"}`))
	}))
	t.Cleanup(srv.Close)

	client := smana.NewClient(smana.WithBaseURL(srv.URL))
	require.Nil(t, newPushPipeline(&Config{}, client, false), "no credential configured")

	cfg := &Config{Push: ConfigPush{Token: "fcm-device-1"}}
	id := smana.Identity{ID: "u1", Role: smana.RoleChef, Token: "tok-1"}
	want := smana.PushCredential{Token: "fcm-device-1"}

	// login and logout run in separate processes
	login := newPushPipeline(cfg, client, false)
	require.NoError(t, login.Activate(context.Background(), id))
	require.Equal(t, smana.PushSubscribed, login.State())

	newPushPipeline(cfg, client, true).Deactivate(context.Background())

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []pushCall{
		{Route: "POST /api/push/subscribe", Cred: want},
		{Route: "DELETE /api/push/unsubscribe", Cred: want},
	}, calls)
}
