package smana

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

// fakeSocketServer speaks just enough Engine.IO v4 / Socket.IO v5 to drive
// a LiveClient.
type fakeSocketServer struct {
	t   *testing.T
	srv *httptest.Server

	// refuse answers CONNECT with a CONNECT_ERROR.
	refuse bool

	mu       sync.Mutex
	conns    []*websocket.Conn
	frames   []string
	auth     []string
	cookies  []string
	accepted chan *websocket.Conn
}

func newFakeSocketServer(t *testing.T) *fakeSocketServer {
	t.Helper()
	f := &fakeSocketServer{t: t, accepted: make(chan *websocket.Conn, 8)}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(func() {
		f.mu.Lock()
		for _, c := range f.conns {
			c.Close(websocket.StatusGoingAway, "test over")
		}
		f.mu.Unlock()
		f.srv.Close()
	})
	return f
}

func (f *fakeSocketServer) URL() string { return f.srv.URL }

func (f *fakeSocketServer) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/socket.io/" || r.URL.Query().Get("EIO") != "4" {
		http.NotFound(w, r)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.conns = append(f.conns, conn)
	f.auth = append(f.auth, r.Header.Get("Authorization"))
	if c, err := r.Cookie("jwt"); err == nil {
		f.cookies = append(f.cookies, c.Value)
	}
	f.mu.Unlock()

	ctx := context.Background()
	open := `0{"sid":"engine-sid","upgrades":[],"pingInterval":25000,"pingTimeout":20000,"maxPayload":1000000}`
	if conn.Write(ctx, websocket.MessageText, []byte(open)) != nil {
		return
	}
	_, data, err := conn.Read(ctx)
	if err != nil || !strings.HasPrefix(string(data), "40") {
		return
	}
	f.record(string(data))
	if f.refuse {
		_ = conn.Write(ctx, websocket.MessageText, []byte(`44{"message":"Authentication error"}`))
		return
	}
	if conn.Write(ctx, websocket.MessageText, []byte(`40{"sid":"socket-sid"}`)) != nil {
		return
	}
	f.accepted <- conn

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		f.record(string(data))
	}
}

func (f *fakeSocketServer) record(frame string) {
	f.mu.Lock()
	f.frames = append(f.frames, frame)
	f.mu.Unlock()
}

// Frames returns every text frame received from clients.
func (f *fakeSocketServer) Frames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.frames...)
}

func (f *fakeSocketServer) count(frame string) int {
	n := 0
	for _, fr := range f.Frames() {
		if fr == frame {
			n++
		}
	}
	return n
}

// waitConn returns the next connection that completed the handshake.
func (f *fakeSocketServer) waitConn() *websocket.Conn {
	f.t.Helper()
	select {
	case c := <-f.accepted:
		return c
	case <-time.After(5 * time.Second):
		f.t.Fatal("no client connected")
		return nil
	}
}

func (f *fakeSocketServer) emit(conn *websocket.Conn, frame string) {
	f.t.Helper()
	require.NoError(f.t, conn.Write(context.Background(), websocket.MessageText, []byte(frame)))
}

func newTestLiveClient(url string) *LiveClient {
	return NewLiveClient(url, &LiveConfig{
		ReconnectDelay:       10 * time.Millisecond,
		MaxReconnectAttempts: 3,
		HandshakeTimeout:     2 * time.Second,
	})
}
