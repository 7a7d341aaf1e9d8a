package smana

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// LiveConfig configures the live channel.
type LiveConfig struct {
	// Path of the Socket.IO endpoint on the backend.
	Path                 string
	MaxReconnectAttempts int
	// ReconnectDelay is the fixed pause before each reconnect attempt.
	ReconnectDelay   time.Duration
	HandshakeTimeout time.Duration
	// HTTPClient must not set a Timeout; the handshake is bounded by
	// HandshakeTimeout instead.
	HTTPClient *http.Client
	Header     http.Header
	Logger     *zerolog.Logger
}

func (c *LiveConfig) defaults() {
	if c.Path == "" {
		c.Path = "/socket.io/"
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		l := log.Logger.With().Str("component", "live").Logger()
		c.Logger = &l
	}
}

// LiveState represents the connection state.
type LiveState string

const (
	StateDisconnected LiveState = "disconnected"
	StateConnecting   LiveState = "connecting"
	StateConnected    LiveState = "connected"
	StateReconnecting LiveState = "reconnecting"
)

// LiveHandler receives decoded events. Handlers run on the channel's read
// goroutine, one at a time, in registration order.
type LiveHandler func(LiveEvent)

type HandlerID uint64

type handlerEntry struct {
	id HandlerID
	fn LiveHandler
}

var errServerDisconnect = errors.New("server closed the namespace")

// ============================================================================
// LiveClient
// ============================================================================

// LiveClient owns one Socket.IO channel to the backend. It re-joins the
// role and user topics after every connect and reconnects with a fixed delay
// after involuntary drops.
type LiveClient struct {
	baseURL string
	config  *LiveConfig
	logger  zerolog.Logger

	mu          sync.Mutex
	state       LiveState
	conn        *websocket.Conn
	identity    Identity
	membership  []string
	sid         string
	run         uint64
	cancelFn    context.CancelFunc
	intentional bool

	handlersMu    sync.RWMutex
	handlers      map[EventName][]handlerEntry
	stateHandlers []func(LiveState)
	nextID        HandlerID
}

// NewLiveClient creates a client for the backend at baseURL. A nil config
// uses the defaults.
func NewLiveClient(baseURL string, config *LiveConfig) *LiveClient {
	if config == nil {
		config = &LiveConfig{}
	}
	config.defaults()
	return &LiveClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		config:   config,
		logger:   *config.Logger,
		state:    StateDisconnected,
		handlers: make(map[EventName][]handlerEntry),
	}
}

// On registers a handler for one event name.
func (c *LiveClient) On(name EventName, h LiveHandler) HandlerID {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.nextID++
	c.handlers[name] = append(c.handlers[name], handlerEntry{id: c.nextID, fn: h})
	return c.nextID
}

// Off removes a handler previously returned by On. Unknown ids are ignored.
func (c *LiveClient) Off(name EventName, id HandlerID) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	list := c.handlers[name]
	for i, e := range list {
		if e.id == id {
			c.handlers[name] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// OnState registers a connection state listener.
func (c *LiveClient) OnState(fn func(LiveState)) {
	c.handlersMu.Lock()
	c.stateHandlers = append(c.stateHandlers, fn)
	c.handlersMu.Unlock()
}

// State returns the current connection state.
func (c *LiveClient) State() LiveState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Membership returns the topics asserted on the current connection.
func (c *LiveClient) Membership() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.membership...)
}

// Connect opens the channel for id. Calling it while a channel is open or
// being opened is a no-op. ctx bounds the handshake only; the channel lives
// until Disconnect, so a short request context does not end live updates.
func (c *LiveClient) Connect(ctx context.Context, id Identity) error {
	if !id.Valid() {
		return errors.Wrap(ErrUnauthenticated, "live connect")
	}
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.identity = id
	c.intentional = false
	c.run++
	run := c.run
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancelFn = cancel
	c.mu.Unlock()
	c.emitState(StateConnecting)

	dialCtx, stopDial := context.WithCancel(runCtx)
	unlink := context.AfterFunc(ctx, stopDial)
	conn, open, err := c.dial(dialCtx, id)
	unlink()
	stopDial()
	if err != nil {
		cancel()
		c.finish(run)
		return err
	}
	if !c.adopt(runCtx, run, conn, open, id) {
		cancel()
		conn.Close(websocket.StatusNormalClosure, "superseded")
		return nil
	}
	go c.loop(runCtx, run, conn, open)
	return nil
}

// Disconnect closes the channel, clears membership and stops reconnecting.
// The DISCONNECT packet and the close handshake go out before the read loop
// is cancelled, since cancelling a read tears the socket down.
func (c *LiveClient) Disconnect() error {
	c.mu.Lock()
	c.intentional = true
	cancel := c.cancelFn
	c.cancelFn = nil
	conn := c.conn
	c.conn = nil
	c.membership = nil
	c.sid = ""
	wasDisconnected := c.state == StateDisconnected
	c.state = StateDisconnected
	c.mu.Unlock()

	var err error
	if conn != nil {
		ctx, done := context.WithTimeout(context.Background(), time.Second)
		if werr := conn.Write(ctx, websocket.MessageText, []byte{eioMessage, sioDisconnect}); werr != nil {
			c.logger.Debug().Err(werr).Msg("send disconnect packet")
		}
		done()
		err = closeConn(conn, "client disconnect")
	}
	if cancel != nil {
		cancel()
	}
	if !wasDisconnected {
		c.emitState(StateDisconnected)
	}
	return err
}

// closeConn runs the close handshake. A socket that is already closed
// counts as closed.
func closeConn(conn *websocket.Conn, reason string) error {
	err := conn.Close(websocket.StatusNormalClosure, reason)
	if err == nil || errors.Is(err, net.ErrClosed) || websocket.CloseStatus(err) != -1 {
		return nil
	}
	return errors.Wrap(err, "close live channel")
}

// Emit sends an event to the backend on the open channel.
func (c *LiveClient) Emit(ctx context.Context, event string, args ...interface{}) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	frame, err := encodeEvent(event, args...)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, frame)
}

// ============================================================================
// Connection lifecycle
// ============================================================================

func (c *LiveClient) socketURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", errors.Wrap(err, "parse backend url")
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + c.config.Path
	u.RawQuery = url.Values{"EIO": {"4"}, "transport": {"websocket"}}.Encode()
	return u.String(), nil
}

// dial performs the websocket upgrade plus the Engine.IO and Socket.IO
// handshakes.
func (c *LiveClient) dial(ctx context.Context, id Identity) (*websocket.Conn, engineOpen, error) {
	var open engineOpen
	target, err := c.socketURL()
	if err != nil {
		return nil, open, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.config.HandshakeTimeout)
	defer cancel()

	header := c.config.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	if id.Token != "" {
		header.Set("Authorization", "Bearer "+id.Token)
		header.Add("Cookie", (&http.Cookie{Name: "jwt", Value: id.Token}).String())
	}

	conn, _, err := websocket.Dial(dialCtx, target, &websocket.DialOptions{
		HTTPClient: c.config.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, open, errors.Wrap(err, "websocket dial")
	}
	conn.SetReadLimit(1 << 20)

	fail := func(err error) (*websocket.Conn, engineOpen, error) {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, open, err
	}

	_, data, err := conn.Read(dialCtx)
	if err != nil {
		return fail(errors.Wrap(err, "read open packet"))
	}
	f, err := decodeSocketFrame(data)
	if err != nil || f.Engine != eioOpen {
		return fail(errors.Errorf("expected open packet, got %.20q", data))
	}
	if err := json.Unmarshal([]byte(f.Data), &open); err != nil {
		return fail(errors.Wrap(err, "decode open packet"))
	}

	var auth interface{}
	if id.Token != "" {
		auth = map[string]string{"token": id.Token}
	}
	frame, err := encodeConnect(auth)
	if err != nil {
		return fail(err)
	}
	if err := conn.Write(dialCtx, websocket.MessageText, frame); err != nil {
		return fail(errors.Wrap(err, "send connect"))
	}

	for {
		_, data, err := conn.Read(dialCtx)
		if err != nil {
			return fail(errors.Wrap(err, "await connect ack"))
		}
		f, err := decodeSocketFrame(data)
		if err != nil {
			continue
		}
		switch {
		case f.Engine == eioPing:
			if err := conn.Write(dialCtx, websocket.MessageText, []byte{eioPong}); err != nil {
				return fail(errors.Wrap(err, "answer ping"))
			}
		case f.Engine == eioMessage && f.Socket == sioConnect:
			return conn, open, nil
		case f.Engine == eioMessage && f.Socket == sioConnectError:
			return fail(connectError(f.Data))
		case f.Engine == eioClose:
			return fail(errors.New("server closed during handshake"))
		}
	}
}

// adopt installs conn as the current connection and re-asserts membership.
// It reports false when a Disconnect or newer Connect won the race.
func (c *LiveClient) adopt(ctx context.Context, run uint64, conn *websocket.Conn, open engineOpen, id Identity) bool {
	c.mu.Lock()
	if c.run != run || c.intentional {
		c.mu.Unlock()
		return false
	}
	c.conn = conn
	c.sid = open.SID
	c.state = StateConnected
	c.membership = nil
	c.mu.Unlock()

	topics := c.assertMembership(ctx, conn, id)

	c.mu.Lock()
	if c.run == run {
		c.membership = topics
	}
	c.mu.Unlock()

	c.logger.Info().Str("sid", open.SID).Strs("topics", topics).Msg("live channel connected")
	c.emitState(StateConnected)
	return true
}

func (c *LiveClient) assertMembership(ctx context.Context, conn *websocket.Conn, id Identity) []string {
	var topics []string
	send := func(event, topic string) {
		frame, err := encodeEvent(event, topic)
		if err == nil {
			err = conn.Write(ctx, websocket.MessageText, frame)
		}
		if err != nil {
			c.logger.Warn().Err(err).Str("event", event).Msg("membership assertion failed")
			return
		}
		topics = append(topics, topic)
	}
	if id.Role != "" {
		send("join-role", string(id.Role))
	}
	send("join-room", id.UserRoom())
	return topics
}

func (c *LiveClient) loop(ctx context.Context, run uint64, conn *websocket.Conn, open engineOpen) {
	for {
		err := c.readLoop(ctx, conn, open)
		conn.Close(websocket.StatusNormalClosure, "")

		c.mu.Lock()
		stale := c.run != run || c.intentional
		if !stale {
			c.conn = nil
			c.membership = nil
		}
		c.mu.Unlock()
		if stale || ctx.Err() != nil {
			c.finish(run)
			return
		}
		if errors.Is(err, errServerDisconnect) {
			c.logger.Warn().Msg("server ended the session, not reconnecting")
			c.finish(run)
			return
		}

		c.logger.Warn().Err(err).Msg("live channel dropped")
		var id Identity
		conn, open, id, err = c.reconnect(ctx, run)
		if err != nil {
			c.logger.Error().Err(err).Int("attempts", c.config.MaxReconnectAttempts).Msg("giving up on live channel")
			c.finish(run)
			return
		}
		if !c.adopt(ctx, run, conn, open, id) {
			conn.Close(websocket.StatusNormalClosure, "superseded")
			return
		}
	}
}

func (c *LiveClient) reconnect(ctx context.Context, run uint64) (*websocket.Conn, engineOpen, Identity, error) {
	c.mu.Lock()
	if c.run != run {
		c.mu.Unlock()
		return nil, engineOpen{}, Identity{}, context.Canceled
	}
	c.state = StateReconnecting
	id := c.identity
	c.mu.Unlock()
	c.emitState(StateReconnecting)

	var (
		conn *websocket.Conn
		open engineOpen
	)
	attempt := 0
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.config.ReconnectDelay), uint64(c.config.MaxReconnectAttempts-1)),
		ctx,
	)
	select {
	case <-ctx.Done():
		return nil, open, id, ctx.Err()
	case <-time.After(c.config.ReconnectDelay):
	}
	err := backoff.RetryNotify(func() error {
		attempt++
		liveReconnects.Inc()
		var err error
		conn, open, err = c.dial(ctx, id)
		return err
	}, policy, func(err error, next time.Duration) {
		c.logger.Debug().Err(err).Int("attempt", attempt).Dur("next", next).Msg("reconnect attempt failed")
	})
	return conn, open, id, err
}

// finish marks the channel disconnected unless a newer run owns it.
func (c *LiveClient) finish(run uint64) {
	c.mu.Lock()
	if c.run != run || c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	c.state = StateDisconnected
	c.conn = nil
	c.membership = nil
	c.mu.Unlock()
	c.emitState(StateDisconnected)
}

func (c *LiveClient) readLoop(ctx context.Context, conn *websocket.Conn, open engineOpen) error {
	for {
		readCtx, cancel := context.WithTimeout(ctx, open.deadline())
		_, data, err := conn.Read(readCtx)
		cancel()
		if err != nil {
			return errors.Wrap(err, "read")
		}
		f, err := decodeSocketFrame(data)
		if err != nil {
			c.logger.Debug().Err(err).Msg("bad frame")
			continue
		}
		switch f.Engine {
		case eioPing:
			if err := conn.Write(ctx, websocket.MessageText, []byte{eioPong}); err != nil {
				return errors.Wrap(err, "answer ping")
			}
		case eioClose:
			return errors.New("server closed transport")
		case eioMessage:
			switch f.Socket {
			case sioEvent:
				name, payload, err := eventArgs(f.Data)
				if err != nil {
					c.logger.Debug().Err(err).Msg("bad event packet")
					continue
				}
				c.dispatch(name, payload)
			case sioDisconnect:
				return errServerDisconnect
			}
		}
	}
}

func (c *LiveClient) dispatch(name string, payload json.RawMessage) {
	ev, err := DecodeLiveEvent(EventName(name), payload)
	if err != nil {
		label := name
		if !EventName(name).Known() {
			label = "unknown"
		}
		liveEvents.WithLabelValues(label, "rejected").Inc()
		c.logger.Warn().Err(err).Str("event", name).Msg("dropping live event")
		return
	}
	liveEvents.WithLabelValues(name, "delivered").Inc()

	c.handlersMu.RLock()
	handlers := append([]handlerEntry(nil), c.handlers[ev.Name()]...)
	c.handlersMu.RUnlock()
	for _, h := range handlers {
		c.invoke(h.fn, ev)
	}
}

// invoke runs one handler. A panicking handler is logged and skipped so the
// read loop and the remaining handlers keep running.
func (c *LiveClient) invoke(fn LiveHandler, ev LiveEvent) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Str("event", string(ev.Name())).Msg("live handler panicked")
		}
	}()
	fn(ev)
}

func (c *LiveClient) emitState(s LiveState) {
	c.handlersMu.RLock()
	handlers := append([]func(LiveState){}, c.stateHandlers...)
	c.handlersMu.RUnlock()
	for _, h := range handlers {
		h(s)
	}
}
