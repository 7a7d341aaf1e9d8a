package smana

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// ============================================================================
// Live event names
// ============================================================================

// EventName is one of the names the backend broadcasts on the live channel.
type EventName string

const (
	EventGuestRegistered       EventName = "guest-registered"
	EventGuestCheckedIn        EventName = "guest-checked-in"
	EventGuestCheckedOut       EventName = "guest-checked-out"
	EventRoomStatusChanged     EventName = "room-status-changed"
	EventOrderCreated          EventName = "new-food-order"
	EventOrderStatusChanged    EventName = "order-status-changed"
	EventServiceRequestCreated EventName = "new-service-request"
	EventServiceRequestUpdated EventName = "request-status-updated"
	EventNotification          EventName = "notification"
)

// Events lists every name the client accepts.
var Events = []EventName{
	EventGuestRegistered,
	EventGuestCheckedIn,
	EventGuestCheckedOut,
	EventRoomStatusChanged,
	EventOrderCreated,
	EventOrderStatusChanged,
	EventServiceRequestCreated,
	EventServiceRequestUpdated,
	EventNotification,
}

func (n EventName) Known() bool {
	for _, e := range Events {
		if e == n {
			return true
		}
	}
	return false
}

// ============================================================================
// Event payloads
// ============================================================================

// LiveEvent is the closed set of decoded live events.
type LiveEvent interface {
	Name() EventName
	liveEvent()
}

type GuestRegistered struct{ Guest Guest }
type GuestCheckedIn struct{ Guest Guest }
type GuestCheckedOut struct{ Guest Guest }
type RoomStatusChanged struct{ Room Room }
type OrderCreated struct{ Order Order }
type OrderStatusChanged struct{ Order Order }
type ServiceRequestCreated struct{ Request ServiceRequest }
type ServiceRequestUpdated struct{ Request ServiceRequest }
type NotificationReceived struct{ Notification Notification }

func (GuestRegistered) Name() EventName       { return EventGuestRegistered }
func (GuestCheckedIn) Name() EventName        { return EventGuestCheckedIn }
func (GuestCheckedOut) Name() EventName       { return EventGuestCheckedOut }
func (RoomStatusChanged) Name() EventName     { return EventRoomStatusChanged }
func (OrderCreated) Name() EventName          { return EventOrderCreated }
func (OrderStatusChanged) Name() EventName    { return EventOrderStatusChanged }
func (ServiceRequestCreated) Name() EventName { return EventServiceRequestCreated }
func (ServiceRequestUpdated) Name() EventName { return EventServiceRequestUpdated }
func (NotificationReceived) Name() EventName  { return EventNotification }

func (GuestRegistered) liveEvent()       {}
func (GuestCheckedIn) liveEvent()        {}
func (GuestCheckedOut) liveEvent()       {}
func (RoomStatusChanged) liveEvent()     {}
func (OrderCreated) liveEvent()          {}
func (OrderStatusChanged) liveEvent()    {}
func (ServiceRequestCreated) liveEvent() {}
func (ServiceRequestUpdated) liveEvent() {}
func (NotificationReceived) liveEvent()  {}

// DecodeLiveEvent turns a raw broadcast into its typed event. Unknown names
// return ErrUnknownEvent; payloads without an id are rejected since they
// cannot be merged into a cache.
func DecodeLiveEvent(name EventName, payload json.RawMessage) (LiveEvent, error) {
	var (
		ev  LiveEvent
		id  string
		err error
	)
	switch name {
	case EventGuestRegistered, EventGuestCheckedIn, EventGuestCheckedOut:
		var g Guest
		err = json.Unmarshal(payload, &g)
		id = g.ID
		switch name {
		case EventGuestRegistered:
			ev = GuestRegistered{Guest: g}
		case EventGuestCheckedIn:
			ev = GuestCheckedIn{Guest: g}
		default:
			ev = GuestCheckedOut{Guest: g}
		}
	case EventRoomStatusChanged:
		var r Room
		err = json.Unmarshal(payload, &r)
		id, ev = r.ID, RoomStatusChanged{Room: r}
	case EventOrderCreated:
		var o Order
		err = json.Unmarshal(payload, &o)
		id, ev = o.ID, OrderCreated{Order: o}
	case EventOrderStatusChanged:
		var o Order
		err = json.Unmarshal(payload, &o)
		id, ev = o.ID, OrderStatusChanged{Order: o}
	case EventServiceRequestCreated:
		var r ServiceRequest
		err = json.Unmarshal(payload, &r)
		id, ev = r.ID, ServiceRequestCreated{Request: r}
	case EventServiceRequestUpdated:
		var r ServiceRequest
		err = json.Unmarshal(payload, &r)
		id, ev = r.ID, ServiceRequestUpdated{Request: r}
	case EventNotification:
		var n Notification
		err = json.Unmarshal(payload, &n)
		id, ev = n.ID, NotificationReceived{Notification: n}
	default:
		return nil, errors.Wrapf(ErrUnknownEvent, "%q", string(name))
	}
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", name)
	}
	if id == "" {
		return nil, errors.Errorf("decode %s: payload has no _id", name)
	}
	return ev, nil
}
