package smana

import (
	"encoding/json"
	"strconv"
	"strings"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError is a non-2xx response from the backend.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	if e.Message == "" {
		return "backend returned HTTP " + strconv.Itoa(e.Status)
	}
	return e.Message
}

// Unwrap lets errors.Is(err, ErrUnauthenticated) match a 401.
func (e *APIError) Unwrap() error {
	if e.Status == 401 {
		return ErrUnauthenticated
	}
	return nil
}

// Temporary reports whether retrying the same request may succeed.
func (e *APIError) Temporary() bool {
	return e.Status >= 500 || e.Status == 408 || e.Status == 429
}

// Record is any entity the client keeps a replica of.
type Record interface {
	RecordID() string
}

// ============================================================================
// Roles
// ============================================================================

type Role string

const (
	RoleAdmin        Role = "Admin"
	RoleManager      Role = "Manager"
	RoleReceptionist Role = "Receptionist"
	RoleChef         Role = "Chef"
	RoleHousekeeping Role = "Housekeeping"
)

// CanSeeOccupancy mirrors the dashboard's front-office visibility rule.
func (r Role) CanSeeOccupancy() bool {
	switch r {
	case RoleAdmin, RoleManager, RoleReceptionist:
		return true
	}
	return false
}

func (r Role) CanSeeRequests() bool {
	switch r {
	case RoleAdmin, RoleManager, RoleHousekeeping:
		return true
	}
	return false
}

func (r Role) CanSeeOrders() bool {
	switch r {
	case RoleAdmin, RoleManager, RoleChef:
		return true
	}
	return false
}

// ============================================================================
// Guests
// ============================================================================

type Guest struct {
	ID           string `json:"_id"`
	Name         string `json:"name"`
	Email        string `json:"email"`
	Phone        string `json:"phone"`
	IsCheckedIn  bool   `json:"isCheckedIn"`
	RoomNumber   string `json:"roomNumber,omitempty"`
	CheckInDate  string `json:"checkInDate,omitempty"`
	CheckOutDate string `json:"checkOutDate,omitempty"`
}

func (g Guest) RecordID() string { return g.ID }

// CheckInOptions is the body of a guest check-in.
type CheckInOptions struct {
	Name         string `json:"name"`
	Email        string `json:"email"`
	Phone        string `json:"phone"`
	RoomNumber   string `json:"roomNumber"`
	CheckOutDate string `json:"checkOutDate,omitempty"`
}

// ============================================================================
// Rooms
// ============================================================================

type RoomStatus string

const (
	RoomAvailable   RoomStatus = "Available"
	RoomOccupied    RoomStatus = "Occupied"
	RoomCleaning    RoomStatus = "Cleaning"
	RoomMaintenance RoomStatus = "Maintenance"
)

type Room struct {
	ID         string     `json:"_id"`
	RoomNumber string     `json:"roomNumber"`
	Type       string     `json:"type"`
	Status     RoomStatus `json:"status"`
	Floor      int        `json:"floor"`
}

func (r Room) RecordID() string { return r.ID }

// ============================================================================
// Orders
// ============================================================================

type OrderStatus string

const (
	OrderPending   OrderStatus = "Pending"
	OrderPreparing OrderStatus = "Preparing"
	OrderReady     OrderStatus = "Ready"
	OrderDelivered OrderStatus = "Delivered"
	OrderCancelled OrderStatus = "Cancelled"
)

// OrderColumns is the kitchen board column order.
var OrderColumns = []OrderStatus{OrderPending, OrderPreparing, OrderReady, OrderDelivered, OrderCancelled}

// Valid reports whether s is one of the board columns.
func (s OrderStatus) Valid() bool {
	for _, c := range OrderColumns {
		if c == s {
			return true
		}
	}
	return false
}

type OrderItem struct {
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
}

type Order struct {
	ID            string      `json:"_id"`
	RoomNumber    string      `json:"roomNumber"`
	Items         []OrderItem `json:"items"`
	TotalAmount   float64     `json:"totalAmount"`
	Status        OrderStatus `json:"status"`
	PaymentStatus string      `json:"paymentStatus,omitempty"`
	PaymentMethod string      `json:"paymentMethod,omitempty"`
	TransactionID string      `json:"transactionId,omitempty"`
	Currency      string      `json:"currency,omitempty"`
	CreatedAt     string      `json:"createdAt"`
}

func (o Order) RecordID() string { return o.ID }

// ============================================================================
// Service Requests
// ============================================================================

type RequestStatus string

const (
	RequestOpen       RequestStatus = "Open"
	RequestInProgress RequestStatus = "In Progress"
	RequestResolved   RequestStatus = "Resolved"
	RequestCancelled  RequestStatus = "Cancelled"
)

// RequestPriority uses Normal/Medium/High. Some backend builds still emit
// "Low"; it decodes as Normal.
type RequestPriority string

const (
	PriorityNormal RequestPriority = "Normal"
	PriorityMedium RequestPriority = "Medium"
	PriorityHigh   RequestPriority = "High"
)

func (p *RequestPriority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high", "urgent":
		*p = PriorityHigh
	case "medium":
		*p = PriorityMedium
	default:
		*p = PriorityNormal
	}
	return nil
}

// RequestGuest is the populated guest reference on a service request.
type RequestGuest struct {
	ID   string `json:"_id"`
	Name string `json:"name"`
}

// UnmarshalJSON accepts both the populated object and a bare id.
func (g *RequestGuest) UnmarshalJSON(data []byte) error {
	var id string
	if json.Unmarshal(data, &id) == nil {
		g.ID = id
		return nil
	}
	type plain RequestGuest
	return json.Unmarshal(data, (*plain)(g))
}

type ServiceRequest struct {
	ID         string          `json:"_id"`
	RoomNumber string          `json:"roomNumber"`
	Guest      *RequestGuest   `json:"guestId,omitempty"`
	Type       string          `json:"type"`
	Status     RequestStatus   `json:"status"`
	Priority   RequestPriority `json:"priority"`
	Message    string          `json:"message,omitempty"`
	CreatedAt  string          `json:"createdAt"`
}

func (r ServiceRequest) RecordID() string { return r.ID }

// ============================================================================
// Notifications
// ============================================================================

type NotificationType string

const (
	NotificationInfo    NotificationType = "info"
	NotificationWarning NotificationType = "warning"
	NotificationSuccess NotificationType = "success"
	NotificationError   NotificationType = "error"
)

type Notification struct {
	ID          string           `json:"_id"`
	Title       string           `json:"title"`
	Message     string           `json:"message"`
	Type        NotificationType `json:"type"`
	IsRead      bool             `json:"isRead"`
	ReferenceID string           `json:"referenceId,omitempty"`
	Link        string           `json:"link,omitempty"`
	CreatedAt   string           `json:"createdAt"`
}

func (n Notification) RecordID() string { return n.ID }

// ============================================================================
// Staff & Feedback (REST only)
// ============================================================================

type StaffMember struct {
	ID    string `json:"_id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  Role   `json:"role"`
}

func (s StaffMember) RecordID() string { return s.ID }

type CreateStaffOptions struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     Role   `json:"role"`
}

type Feedback struct {
	ID         string `json:"_id"`
	GuestName  string `json:"guestName,omitempty"`
	RoomNumber string `json:"roomNumber,omitempty"`
	Rating     int    `json:"rating"`
	Comment    string `json:"comment,omitempty"`
	CreatedAt  string `json:"createdAt"`
}

func (f Feedback) RecordID() string { return f.ID }

// ============================================================================
// Push
// ============================================================================

// PermissionState is the OS notification permission.
type PermissionState string

const (
	PermissionDefault PermissionState = "default"
	PermissionGranted PermissionState = "granted"
	PermissionDenied  PermissionState = "denied"
)

// PushCredential addresses one device. Either Token (FCM) or the Web Push
// endpoint triple is set.
type PushCredential struct {
	Token    string `json:"token,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
	P256dh   string `json:"p256dh,omitempty"`
	Auth     string `json:"auth,omitempty"`
}

// Empty reports whether the credential cannot address anything.
func (c PushCredential) Empty() bool {
	return c.Token == "" && c.Endpoint == ""
}
