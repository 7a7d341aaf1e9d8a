package smana

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

var chef = Identity{ID: "u1", Name: "Chef Ana", Role: RoleChef, Token: "tok-1"}

func TestLiveConnectAssertsMembership(t *testing.T) {
	srv := newFakeSocketServer(t)
	live := newTestLiveClient(srv.URL())
	t.Cleanup(func() { _ = live.Disconnect() })

	require.NoError(t, live.Connect(context.Background(), chef))
	srv.waitConn()

	require.Equal(t, StateConnected, live.State())
	require.Eventually(t, func() bool {
		return srv.count(`42["join-role","Chef"]`) == 1 && srv.count(`42["join-room","user:u1"]`) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"Chef", "user:u1"}, live.Membership())

	frames := srv.Frames()
	require.Equal(t, `40{"token":"tok-1"}`, frames[0])
	srv.mu.Lock()
	require.Equal(t, []string{"Bearer tok-1"}, srv.auth)
	require.Equal(t, []string{"tok-1"}, srv.cookies)
	srv.mu.Unlock()
}

func TestLiveConnectIsIdempotent(t *testing.T) {
	srv := newFakeSocketServer(t)
	live := newTestLiveClient(srv.URL())
	t.Cleanup(func() { _ = live.Disconnect() })

	require.NoError(t, live.Connect(context.Background(), chef))
	require.NoError(t, live.Connect(context.Background(), chef))
	srv.waitConn()

	srv.mu.Lock()
	defer srv.mu.Unlock()
	require.Len(t, srv.conns, 1)
}

func TestLiveConnectRequiresIdentity(t *testing.T) {
	live := newTestLiveClient("http://127.0.0.1:1")
	err := live.Connect(context.Background(), Identity{})
	require.ErrorIs(t, err, ErrUnauthenticated)
	require.Equal(t, StateDisconnected, live.State())
}

func TestLiveDispatchesTypedEvents(t *testing.T) {
	srv := newFakeSocketServer(t)
	live := newTestLiveClient(srv.URL())
	t.Cleanup(func() { _ = live.Disconnect() })

	var (
		mu  sync.Mutex
		got []LiveEvent
	)
	record := func(ev LiveEvent) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	}
	live.On(EventOrderCreated, record)
	live.On(EventRoomStatusChanged, record)

	require.NoError(t, live.Connect(context.Background(), chef))
	conn := srv.waitConn()

	srv.emit(conn, `42["mystery-event",{"_id":"x"}]`)
	srv.emit(conn, `42["new-food-order",{"roomNumber":"101"}]`)
	srv.emit(conn, `42["new-food-order",{"_id":"o1","roomNumber":"101","status":"Pending"}]`)
	srv.emit(conn, `42["room-status-changed",{"_id":"r1","roomNumber":"101","status":"Cleaning"}]`)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, OrderCreated{Order: Order{ID: "o1", RoomNumber: "101", Status: OrderPending}}, got[0])
	require.Equal(t, RoomStatusChanged{Room: Room{ID: "r1", RoomNumber: "101", Status: RoomCleaning}}, got[1])
	require.Equal(t, StateConnected, live.State())
}

func TestLiveHandlerOff(t *testing.T) {
	srv := newFakeSocketServer(t)
	live := newTestLiveClient(srv.URL())
	t.Cleanup(func() { _ = live.Disconnect() })

	calls := make(chan string, 4)
	id := live.On(EventNotification, func(LiveEvent) { calls <- "first" })
	live.On(EventNotification, func(LiveEvent) { calls <- "second" })
	live.Off(EventNotification, id)

	require.NoError(t, live.Connect(context.Background(), chef))
	conn := srv.waitConn()
	srv.emit(conn, `42["notification",{"_id":"n1","title":"Hi"}]`)

	select {
	case who := <-calls:
		require.Equal(t, "second", who)
	case <-time.After(2 * time.Second):
		t.Fatal("handler not called")
	}
}

func TestLiveAnswersPing(t *testing.T) {
	srv := newFakeSocketServer(t)
	live := newTestLiveClient(srv.URL())
	t.Cleanup(func() { _ = live.Disconnect() })

	require.NoError(t, live.Connect(context.Background(), chef))
	conn := srv.waitConn()
	srv.emit(conn, "2")

	require.Eventually(t, func() bool { return srv.count("3") == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestLiveReconnectReassertsMembership(t *testing.T) {
	srv := newFakeSocketServer(t)
	live := newTestLiveClient(srv.URL())
	t.Cleanup(func() { _ = live.Disconnect() })

	var (
		mu     sync.Mutex
		states []LiveState
	)
	live.OnState(func(s LiveState) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	require.NoError(t, live.Connect(context.Background(), chef))
	first := srv.waitConn()
	// joins still in flight would be discarded by the close handshake
	require.Eventually(t, func() bool {
		return srv.count(`42["join-role","Chef"]`) == 1 && srv.count(`42["join-room","user:u1"]`) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, first.Close(websocket.StatusGoingAway, "restart"))

	srv.waitConn()
	require.Eventually(t, func() bool {
		return srv.count(`42["join-role","Chef"]`) == 2 && srv.count(`42["join-room","user:u1"]`) == 2
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return live.State() == StateConnected }, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []LiveState{StateConnecting, StateConnected, StateReconnecting, StateConnected}, states)
}

func TestLiveServerDisconnectDoesNotReconnect(t *testing.T) {
	srv := newFakeSocketServer(t)
	live := newTestLiveClient(srv.URL())

	require.NoError(t, live.Connect(context.Background(), chef))
	conn := srv.waitConn()
	srv.emit(conn, "41")

	require.Eventually(t, func() bool { return live.State() == StateDisconnected }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	srv.mu.Lock()
	defer srv.mu.Unlock()
	require.Len(t, srv.conns, 1)
	require.Empty(t, live.Membership())
}

func TestLiveDisconnect(t *testing.T) {
	srv := newFakeSocketServer(t)
	live := newTestLiveClient(srv.URL())

	require.NoError(t, live.Connect(context.Background(), chef))
	srv.waitConn()
	require.NoError(t, live.Disconnect())

	require.Equal(t, StateDisconnected, live.State())
	require.Empty(t, live.Membership())
	require.Eventually(t, func() bool { return srv.count("41") == 1 }, 2*time.Second, 5*time.Millisecond)
	require.ErrorIs(t, live.Emit(context.Background(), "join-room", "x"), ErrNotConnected)

	time.Sleep(50 * time.Millisecond)
	srv.mu.Lock()
	defer srv.mu.Unlock()
	require.Len(t, srv.conns, 1, "an intentional disconnect must not reconnect")
}

func TestLiveDisconnectRepeatedly(t *testing.T) {
	srv := newFakeSocketServer(t)
	live := newTestLiveClient(srv.URL())

	const cycles = 20
	for i := 0; i < cycles; i++ {
		require.NoError(t, live.Connect(context.Background(), chef))
		srv.waitConn()
		require.NoError(t, live.Disconnect(), "cycle %d", i)
		require.NoError(t, live.Disconnect(), "a second disconnect is a no-op")
	}
	require.Eventually(t, func() bool { return srv.count("41") == cycles }, 2*time.Second, 5*time.Millisecond)
}

func TestLiveHandlerPanicKeepsChannel(t *testing.T) {
	srv := newFakeSocketServer(t)
	live := newTestLiveClient(srv.URL())
	t.Cleanup(func() { _ = live.Disconnect() })

	calls := make(chan string, 4)
	live.On(EventNotification, func(LiveEvent) { panic("view crashed") })
	live.On(EventNotification, func(ev LiveEvent) { calls <- ev.(NotificationReceived).Notification.ID })

	require.NoError(t, live.Connect(context.Background(), chef))
	conn := srv.waitConn()
	srv.emit(conn, `42["notification",{"_id":"n1","title":"Hi"}]`)
	srv.emit(conn, `42["notification",{"_id":"n2","title":"Again"}]`)

	for _, want := range []string{"n1", "n2"} {
		select {
		case got := <-calls:
			require.Equal(t, want, got)
		case <-time.After(2 * time.Second):
			t.Fatal("handler not called")
		}
	}
	require.Equal(t, StateConnected, live.State())
}

func TestLiveConnectOutlivesCallerContext(t *testing.T) {
	srv := newFakeSocketServer(t)
	live := newTestLiveClient(srv.URL())
	t.Cleanup(func() { _ = live.Disconnect() })

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, live.Connect(ctx, chef))
	conn := srv.waitConn()
	cancel()

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, StateConnected, live.State())
	srv.emit(conn, "2")
	require.Eventually(t, func() bool { return srv.count("3") == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestLiveConnectRefused(t *testing.T) {
	srv := newFakeSocketServer(t)
	srv.refuse = true
	live := newTestLiveClient(srv.URL())

	err := live.Connect(context.Background(), chef)
	require.Error(t, err)
	require.Contains(t, err.Error(), "Authentication error")
	require.Equal(t, StateDisconnected, live.State())
}

func TestDecodeSocketFrame(t *testing.T) {
	f, err := decodeSocketFrame([]byte(`42/admin,7["notification",{"_id":"n1"}]`))
	require.NoError(t, err)
	require.Equal(t, eioMessage, f.Engine)
	require.Equal(t, sioEvent, f.Socket)
	require.Equal(t, "/admin", f.Namespace)
	require.Equal(t, "7", f.AckID)

	name, payload, err := eventArgs(f.Data)
	require.NoError(t, err)
	require.Equal(t, "notification", name)
	require.JSONEq(t, `{"_id":"n1"}`, string(payload))

	_, err = decodeSocketFrame(nil)
	require.Error(t, err)
}
