package smana

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ============================================================================
// Activity feed
// ============================================================================

type ActivityKind string

const (
	ActivityCheckIn  ActivityKind = "check-in"
	ActivityCheckOut ActivityKind = "check-out"
	ActivityOrder    ActivityKind = "order"
	ActivityRequest  ActivityKind = "request"
)

type Activity struct {
	Kind    ActivityKind
	Message string
	At      time.Time
}

// ActivityFeed keeps the most recent activity lines, newest first.
type ActivityFeed struct {
	mu    sync.Mutex
	size  int
	items []Activity
}

func NewActivityFeed(size int) *ActivityFeed {
	if size <= 0 {
		size = 5
	}
	return &ActivityFeed{size: size}
}

func (f *ActivityFeed) Add(a Activity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append([]Activity{a}, f.items...)
	if len(f.items) > f.size {
		f.items = f.items[:f.size]
	}
}

func (f *ActivityFeed) Items() []Activity {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Activity(nil), f.items...)
}

func (f *ActivityFeed) Clear() {
	f.mu.Lock()
	f.items = nil
	f.mu.Unlock()
}

// ============================================================================
// Dashboard
// ============================================================================

// DashboardOptions configures a Dashboard.
type DashboardOptions struct {
	Toaster Toaster
	// Push, if set, is activated after login and deactivated on logout.
	Push            *PushPipeline
	FeedSize        int
	MutationTimeout time.Duration
	Logger          *zerolog.Logger
}

func (o *DashboardOptions) defaults() {
	if o.Toaster == nil {
		o.Toaster = nopToaster{}
	}
	if o.FeedSize == 0 {
		o.FeedSize = 5
	}
	if o.Logger == nil {
		l := log.Logger.With().Str("component", "dashboard").Logger()
		o.Logger = &l
	}
}

// Stats are the dashboard counters, derived from the caches.
type Stats struct {
	OccupiedRooms int
	TotalRooms    int
	CheckedIn     int
	ActiveOrders  int
	OpenRequests  int
	Unread        int
}

// Dashboard keeps the admin panel's collections in sync with the backend:
// it loads them, applies live events and runs optimistic edits.
type Dashboard struct {
	client  *Client
	live    *LiveClient
	session *Session
	toaster Toaster
	push    *PushPipeline
	logger  zerolog.Logger

	Guests        *Cache[Guest]
	Rooms         *Cache[Room]
	Orders        *Cache[Order]
	Requests      *Cache[ServiceRequest]
	Notifications *Cache[Notification]
	Feed          *ActivityFeed

	rooms         *Coordinator[Room]
	orders        *Coordinator[Order]
	requests      *Coordinator[ServiceRequest]
	notifications *Coordinator[Notification]

	epoch atomic.Uint64
}

// NewDashboard wires client and live into a set of caches. live may be nil
// for REST-only use.
func NewDashboard(client *Client, live *LiveClient, opts *DashboardOptions) *Dashboard {
	if opts == nil {
		opts = &DashboardOptions{}
	}
	opts.defaults()
	session := client.Session()
	cacheOpts := func() *CacheOptions { return &CacheOptions{Session: session} }

	d := &Dashboard{
		client:  client,
		live:    live,
		session: session,
		toaster: opts.Toaster,
		push:    opts.Push,
		logger:  *opts.Logger,
		Feed:    NewActivityFeed(opts.FeedSize),
	}
	d.Guests = NewCache[Guest]("guests", NewestFirst, client.Guests.List, cacheOpts())
	d.Rooms = NewCache[Room]("rooms", Stable, client.Rooms.List, cacheOpts())
	d.Orders = NewCache[Order]("orders", NewestFirst, client.Orders.List, cacheOpts())
	d.Requests = NewCache[ServiceRequest]("requests", NewestFirst, client.Requests.List, cacheOpts())
	d.Notifications = NewCache[Notification]("notifications", NewestFirst, client.Notifications.List, cacheOpts())

	coordOpts := func() *CoordinatorOptions {
		return &CoordinatorOptions{Session: session, Toaster: opts.Toaster, Timeout: opts.MutationTimeout}
	}
	d.rooms = NewCoordinator(d.Rooms, coordOpts())
	d.orders = NewCoordinator(d.Orders, coordOpts())
	d.requests = NewCoordinator(d.Requests, coordOpts())
	d.notifications = NewCoordinator(d.Notifications, coordOpts())

	if live != nil {
		for _, name := range Events {
			live.On(name, d.handle)
		}
	}
	// a 401 anywhere clears the session; drop everything that belonged to it
	d.epoch.Store(session.Epoch())
	session.OnChange(func(id *Identity) {
		if epoch := session.Epoch(); d.epoch.Swap(epoch) != epoch || id == nil {
			d.teardown()
		}
	})
	return d
}

func (d *Dashboard) Client() *Client { return d.client }

// Start loads every collection concurrently and opens the live channel for
// the active identity. A failed load is logged and leaves that collection
// empty. The channel stays open until Logout, whatever ctx's lifetime.
func (d *Dashboard) Start(ctx context.Context) error {
	id, ok := d.session.Identity()
	if !ok {
		return ErrUnauthenticated
	}

	loaders := []interface {
		Name() string
		Load(context.Context) error
	}{d.Guests, d.Rooms, d.Orders, d.Requests, d.Notifications}

	var g errgroup.Group
	for _, l := range loaders {
		l := l
		g.Go(func() error {
			if err := l.Load(ctx); err != nil {
				d.logger.Warn().Err(err).Str("cache", l.Name()).Msg("initial load failed")
			}
			return nil
		})
	}
	_ = g.Wait()

	if d.live == nil {
		return nil
	}
	if err := d.live.Connect(ctx, id); err != nil {
		d.logger.Warn().Err(err).Msg("live channel unavailable")
		return errors.Wrap(err, "connect live channel")
	}
	return nil
}

// Login authenticates, starts the dashboard and activates push delivery.
func (d *Dashboard) Login(ctx context.Context, email, password string) (*Identity, error) {
	id, err := d.client.Auth.Login(ctx, email, password)
	if err != nil {
		return nil, err
	}
	if err := d.Start(ctx); err != nil {
		d.logger.Warn().Err(err).Msg("dashboard started without live updates")
	}
	if d.push != nil {
		_ = d.push.Activate(ctx, *id)
	}
	return id, nil
}

// Logout deregisters push, closes the live channel, ends the session and
// empties every collection.
func (d *Dashboard) Logout(ctx context.Context) error {
	if d.push != nil {
		d.push.Deactivate(ctx)
	}
	if d.live != nil {
		_ = d.live.Disconnect()
	}
	err := d.client.Auth.Logout(ctx)
	d.teardown()
	return err
}

func (d *Dashboard) teardown() {
	if d.live != nil {
		_ = d.live.Disconnect()
	}
	d.Guests.Reset()
	d.Rooms.Reset()
	d.Orders.Reset()
	d.Requests.Reset()
	d.Notifications.Reset()
	d.Feed.Clear()
}

// ConnectionState reports the live channel state.
func (d *Dashboard) ConnectionState() LiveState {
	if d.live == nil {
		return StateDisconnected
	}
	return d.live.State()
}

func (d *Dashboard) UnreadCount() int {
	return len(d.Notifications.Filter(func(n Notification) bool { return !n.IsRead }))
}

func (d *Dashboard) Stats() Stats {
	rooms := d.Rooms.Snapshot()
	s := Stats{TotalRooms: len(rooms), Unread: d.UnreadCount()}
	for _, r := range rooms {
		if r.Status == RoomOccupied {
			s.OccupiedRooms++
		}
	}
	s.CheckedIn = len(d.Guests.Filter(func(g Guest) bool { return g.IsCheckedIn }))
	s.ActiveOrders = len(d.Orders.Filter(func(o Order) bool {
		return o.Status != OrderDelivered && o.Status != OrderCancelled
	}))
	s.OpenRequests = len(d.Requests.Filter(func(r ServiceRequest) bool { return r.Status == RequestOpen }))
	return s
}

// ============================================================================
// Edits
// ============================================================================

// MoveOrder moves an order to another board column.
func (d *Dashboard) MoveOrder(ctx context.Context, orderID string, status OrderStatus) error {
	if !status.Valid() {
		return errors.Errorf("unknown order status %q", status)
	}
	return d.orders.Mutate(ctx, orderID,
		func(o Order) Order { o.Status = status; return o },
		func(ctx context.Context) (*Order, error) { return d.client.Orders.UpdateStatus(ctx, orderID, status) },
		Retry(2), Describe("move order"),
	)
}

func (d *Dashboard) SetRoomStatus(ctx context.Context, roomID string, status RoomStatus) error {
	err := d.rooms.Mutate(ctx, roomID,
		func(r Room) Room { r.Status = status; return r },
		func(ctx context.Context) (*Room, error) { return d.client.Rooms.UpdateStatus(ctx, roomID, status) },
		Retry(2), Describe("update room status"),
	)
	if err == nil {
		d.toaster.Toast(Toast{Level: ToastSuccess, Title: "Room status updated", At: time.Now()})
	}
	return err
}

// SetRequestStatus changes a service request's status. A failure reloads
// the request list.
func (d *Dashboard) SetRequestStatus(ctx context.Context, requestID string, status RequestStatus) error {
	return d.requests.Mutate(ctx, requestID,
		func(r ServiceRequest) ServiceRequest { r.Status = status; return r },
		func(ctx context.Context) (*ServiceRequest, error) {
			return d.client.Requests.UpdateStatus(ctx, requestID, status)
		},
		WithRefetch(), Describe("update request"),
	)
}

func (d *Dashboard) MarkNotificationRead(ctx context.Context, id string) error {
	return d.notifications.Mutate(ctx, id,
		func(n Notification) Notification { n.IsRead = true; return n },
		d.markRead(id),
		Retry(2), Describe("mark notification as read"),
	)
}

func (d *Dashboard) markRead(id string) RequestFunc[Notification] {
	return func(ctx context.Context) (*Notification, error) {
		return d.client.Notifications.MarkRead(ctx, id)
	}
}

// ============================================================================
// Live events
// ============================================================================

func (d *Dashboard) role() Role {
	id, _ := d.session.Identity()
	return id.Role
}

func (d *Dashboard) handle(ev LiveEvent) {
	role := d.role()
	switch e := ev.(type) {
	case GuestRegistered:
		d.Guests.ApplyCreated(e.Guest)
	case GuestCheckedIn:
		d.Guests.ApplyUpdated(e.Guest)
		d.refreshRooms()
		if role.CanSeeOccupancy() {
			d.announce(ev, ActivityCheckIn, ToastInfo, "Guest checked in",
				fmt.Sprintf("%s checked into Room %s.", e.Guest.Name, e.Guest.RoomNumber))
		}
	case GuestCheckedOut:
		d.Guests.ApplyUpdated(e.Guest)
		d.refreshRooms()
		if role.CanSeeOccupancy() {
			d.announce(ev, ActivityCheckOut, ToastInfo, "Guest checked out",
				fmt.Sprintf("%s checked out.", e.Guest.Name))
		}
	case RoomStatusChanged:
		d.Rooms.ApplyUpdated(e.Room)
	case OrderCreated:
		d.Orders.ApplyCreated(e.Order)
		if role.CanSeeOrders() {
			d.announce(ev, ActivityOrder, ToastInfo, "New food order",
				fmt.Sprintf("New food order from Room %s.", e.Order.RoomNumber))
		}
	case OrderStatusChanged:
		d.Orders.ApplyUpdated(e.Order)
	case ServiceRequestCreated:
		d.Requests.ApplyCreated(e.Request)
		if role.CanSeeRequests() {
			d.announce(ev, ActivityRequest, ToastInfo, "New service request",
				fmt.Sprintf("New %s request from Room %s.", e.Request.Type, e.Request.RoomNumber))
		}
	case ServiceRequestUpdated:
		d.Requests.ApplyUpdated(e.Request)
	case NotificationReceived:
		d.Notifications.ApplyCreated(e.Notification)
		d.toaster.Toast(Toast{
			Level:   toastLevel(e.Notification.Type),
			Title:   e.Notification.Title,
			Message: e.Notification.Message,
			Event:   ev.Name(),
			At:      time.Now(),
		})
	}
}

func (d *Dashboard) announce(ev LiveEvent, kind ActivityKind, level ToastLevel, title, line string) {
	now := time.Now()
	d.Feed.Add(Activity{Kind: kind, Message: line, At: now})
	d.toaster.Toast(Toast{Level: level, Title: title, Message: line, Event: ev.Name(), At: now})
}

// refreshRooms reloads rooms in the background; check-ins change occupancy
// without a room event.
func (d *Dashboard) refreshRooms() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := d.Rooms.Load(ctx); err != nil {
			d.logger.Warn().Err(err).Msg("refresh rooms after guest event")
		}
	}()
}
