// Package smana is the Go client for the SMANA hotel admin backend.
//
// It covers the REST API, the live event channel, the replicated entity
// caches with optimistic edits, and the notification delivery pipeline.
//
// Example:
//
//	client := smana.NewClient(smana.WithEnvironment(smana.Production))
//	id, _ := client.Auth.Login(ctx, "frontdesk@smanahotels.com", "secret")
//
//	live := smana.NewLiveClient(client.BaseURL(), nil)
//	dash := smana.NewDashboard(client, live, nil)
//	_ = dash.Start(ctx)
//
//	_ = dash.MoveOrder(ctx, "order-1", smana.OrderPreparing)
package smana

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

// ============================================================================
// Environment
// ============================================================================

type Environment string

const (
	Production  Environment = "production"
	Development Environment = "development"
)

var environments = map[Environment]string{
	Production:  "https://api.smanahotels.com",
	Development: "http://localhost:5000",
}

const (
	DefaultBaseURL = "https://api.smanahotels.com"
	DefaultTimeout = 30 * time.Second
)

var (
	ErrUnauthenticated = errors.New("smana: not authenticated")
	ErrNotConnected    = errors.New("smana: live channel not connected")
	ErrUnknownEvent    = errors.New("smana: unknown live event")
	ErrOffline         = errors.New("smana: offline and no cached copy")
)

// paths where a 401 is logged instead of ending the session
var backgroundPaths = []string{"/api/push/", "/api/auth/"}

// ============================================================================
// Client
// ============================================================================

type Client struct {
	baseURL           string
	httpClient        *http.Client
	session           *Session
	logger            zerolog.Logger
	onUnauthenticated func()

	Auth          *AuthClient
	Guests        *GuestsClient
	Rooms         *RoomsClient
	Orders        *OrdersClient
	Requests      *RequestsClient
	Notifications *NotificationsClient
	Staff         *StaffClient
	Feedback      *FeedbackClient
	Push          *PushClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithEnvironment(env Environment) ClientOption {
	return func(c *Client) {
		if u, ok := environments[env]; ok {
			c.baseURL = u
		}
	}
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithSession shares a session between the client and other components.
func WithSession(s *Session) ClientOption {
	return func(c *Client) { c.session = s }
}

func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithUnauthenticatedHandler is called after a foreground request is
// rejected with 401 and the session has been cleared.
func WithUnauthenticatedHandler(fn func()) ClientOption {
	return func(c *Client) { c.onUnauthenticated = fn }
}

// NewClient creates a client. Without WithSession the identity is kept in
// memory only.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: log.Logger.With().Str("component", "rest").Logger(),
	}

	for _, opt := range opts {
		opt(c)
	}
	if c.session == nil {
		c.session = NewSession(nil)
	}

	c.Auth = &AuthClient{c: c}
	c.Guests = &GuestsClient{c: c}
	c.Rooms = &RoomsClient{c: c}
	c.Orders = &OrdersClient{c: c}
	c.Requests = &RequestsClient{c: c}
	c.Notifications = &NotificationsClient{c: c}
	c.Staff = &StaffClient{c: c}
	c.Feedback = &FeedbackClient{c: c}
	c.Push = &PushClient{c: c}
	return c
}

func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) Session() *Session { return c.session }

// ============================================================================
// Internal request helper
// ============================================================================

func isBackgroundPath(path string) bool {
	for _, p := range backgroundPaths {
		if strings.Contains(path, p) {
			return true
		}
	}
	return false
}

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "marshal request")
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.session.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
		req.AddCookie(&http.Cookie{Name: "jwt", Value: token})
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read response")
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}

	apiErr := decodeAPIError(resp.StatusCode, data)
	if resp.StatusCode == http.StatusUnauthorized {
		c.handleUnauthorized(method, path)
	}
	return nil, apiErr
}

func (c *Client) handleUnauthorized(method, path string) {
	if isBackgroundPath(path) {
		c.logger.Warn().Str("method", method).Str("path", path).Msg("background request unauthorized")
		return
	}
	c.logger.Info().Str("path", path).Msg("session rejected, signing out")
	if err := c.session.Clear(); err != nil {
		c.logger.Warn().Err(err).Msg("clear session")
	}
	if c.onUnauthenticated != nil {
		c.onUnauthenticated()
	}
}

func decodeAPIError(status int, data []byte) *APIError {
	e := &APIError{Status: status}
	if !gjson.ValidBytes(data) {
		e.Message = strings.TrimSpace(string(data))
		return e
	}
	e.Code = gjson.GetBytes(data, "code").String()
	e.Message = gjson.GetBytes(data, "message").String()
	if e.Message == "" {
		e.Message = gjson.GetBytes(data, "error").String()
	}
	return e
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, errors.Wrap(err, "unmarshal response")
	}
	return &result, nil
}

// decodeList accepts a bare array or an object wrapping the array under key.
func decodeList[T any](data []byte, key string) ([]T, error) {
	raw := gjson.ParseBytes(data)
	if !raw.IsArray() {
		raw = raw.Get(key)
	}
	if !raw.IsArray() {
		return []T{}, nil
	}
	var out []T
	if err := json.Unmarshal([]byte(raw.Raw), &out); err != nil {
		return nil, errors.Wrapf(err, "unmarshal %s", key)
	}
	return out, nil
}

// decodeRecord returns the record in data, looking under key when the body
// is a wrapper. An empty or id-less body yields nil.
func decodeRecord[T any](data []byte, key string) (*T, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	raw := gjson.ParseBytes(data)
	if !raw.Get("_id").Exists() {
		raw = raw.Get(key)
	}
	if !raw.Get("_id").Exists() {
		return nil, nil
	}
	return decodeJSON[T]([]byte(raw.Raw))
}

func statusBody(status string) map[string]string {
	return map[string]string{"status": status}
}

// ============================================================================
// Sub-Clients
// ============================================================================

// AuthClient handles sign-in and sign-out.
type AuthClient struct{ c *Client }

// Login exchanges credentials for an identity and activates it.
func (a *AuthClient) Login(ctx context.Context, email, password string) (*Identity, error) {
	data, err := a.c.doRequest(ctx, "POST", "/api/auth/login", map[string]string{"email": email, "password": password}, nil)
	if err != nil {
		return nil, err
	}
	id, err := decodeJSON[Identity](data)
	if err != nil {
		return nil, err
	}
	if err := a.c.session.Set(*id); err != nil {
		return nil, errors.Wrap(err, "persist session")
	}
	return id, nil
}

// Logout tells the backend and always clears the local session.
func (a *AuthClient) Logout(ctx context.Context) error {
	_, err := a.c.doRequest(ctx, "POST", "/api/auth/logout", nil, nil)
	if err != nil {
		a.c.logger.Debug().Err(err).Msg("backend logout failed")
	}
	return a.c.session.Clear()
}

type GuestsClient struct{ c *Client }

func (g *GuestsClient) List(ctx context.Context) ([]Guest, error) {
	data, err := g.c.doRequest(ctx, "GET", "/api/guests", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeList[Guest](data, "guests")
}

// CheckIn registers a guest into a room. The live channel announces the
// change to every dashboard.
func (g *GuestsClient) CheckIn(ctx context.Context, opts *CheckInOptions) (*Guest, error) {
	if opts == nil || opts.RoomNumber == "" {
		return nil, &APIError{Code: "INVALID_INPUT", Message: "room number is required"}
	}
	data, err := g.c.doRequest(ctx, "POST", "/api/guests", opts, nil)
	if err != nil {
		return nil, err
	}
	return decodeRecord[Guest](data, "guest")
}

func (g *GuestsClient) CheckOut(ctx context.Context, guestID string) (*Guest, error) {
	data, err := g.c.doRequest(ctx, "POST", "/api/guests/check-out/"+url.PathEscape(guestID), struct{}{}, nil)
	if err != nil {
		return nil, err
	}
	return decodeRecord[Guest](data, "guest")
}

type RoomsClient struct{ c *Client }

func (r *RoomsClient) List(ctx context.Context) ([]Room, error) {
	data, err := r.c.doRequest(ctx, "GET", "/api/rooms", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeList[Room](data, "rooms")
}

func (r *RoomsClient) UpdateStatus(ctx context.Context, roomID string, status RoomStatus) (*Room, error) {
	data, err := r.c.doRequest(ctx, "PUT", "/api/rooms/"+url.PathEscape(roomID)+"/status", statusBody(string(status)), nil)
	if err != nil {
		return nil, err
	}
	return decodeRecord[Room](data, "room")
}

type OrdersClient struct{ c *Client }

func (o *OrdersClient) List(ctx context.Context) ([]Order, error) {
	data, err := o.c.doRequest(ctx, "GET", "/api/orders", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeList[Order](data, "orders")
}

func (o *OrdersClient) UpdateStatus(ctx context.Context, orderID string, status OrderStatus) (*Order, error) {
	data, err := o.c.doRequest(ctx, "PUT", "/api/orders/"+url.PathEscape(orderID)+"/status", statusBody(string(status)), nil)
	if err != nil {
		return nil, err
	}
	return decodeRecord[Order](data, "order")
}

type RequestsClient struct{ c *Client }

func (r *RequestsClient) List(ctx context.Context) ([]ServiceRequest, error) {
	data, err := r.c.doRequest(ctx, "GET", "/api/service-requests", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeList[ServiceRequest](data, "requests")
}

func (r *RequestsClient) UpdateStatus(ctx context.Context, requestID string, status RequestStatus) (*ServiceRequest, error) {
	data, err := r.c.doRequest(ctx, "PUT", "/api/service-requests/"+url.PathEscape(requestID)+"/status", statusBody(string(status)), nil)
	if err != nil {
		return nil, err
	}
	return decodeRecord[ServiceRequest](data, "request")
}

type NotificationsClient struct{ c *Client }

func (n *NotificationsClient) List(ctx context.Context) ([]Notification, error) {
	data, err := n.c.doRequest(ctx, "GET", "/api/notifications", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeList[Notification](data, "notifications")
}

func (n *NotificationsClient) MarkRead(ctx context.Context, notificationID string) (*Notification, error) {
	data, err := n.c.doRequest(ctx, "PUT", "/api/notifications/"+url.PathEscape(notificationID)+"/read", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeRecord[Notification](data, "notification")
}

type StaffClient struct{ c *Client }

func (s *StaffClient) List(ctx context.Context) ([]StaffMember, error) {
	data, err := s.c.doRequest(ctx, "GET", "/api/staff", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeList[StaffMember](data, "staff")
}

func (s *StaffClient) Create(ctx context.Context, opts *CreateStaffOptions) (*StaffMember, error) {
	if opts == nil || opts.Email == "" || opts.Password == "" {
		return nil, &APIError{Code: "INVALID_INPUT", Message: "email and password are required"}
	}
	data, err := s.c.doRequest(ctx, "POST", "/api/staff", opts, nil)
	if err != nil {
		return nil, err
	}
	return decodeRecord[StaffMember](data, "staff")
}

type FeedbackClient struct{ c *Client }

func (f *FeedbackClient) List(ctx context.Context) ([]Feedback, error) {
	data, err := f.c.doRequest(ctx, "GET", "/api/feedbacks", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeList[Feedback](data, "feedbacks")
}

// PushClient registers device credentials. All of its calls are background
// calls: a 401 never ends the session.
type PushClient struct{ c *Client }

// PublicKey returns the application server key used to create Web Push
// credentials.
func (p *PushClient) PublicKey(ctx context.Context) (string, error) {
	data, err := p.c.doRequest(ctx, "GET", "/api/push/vapid-public-key", nil, nil)
	if err != nil {
		return "", err
	}
	for _, key := range []string{"publicKey", "key", "vapidPublicKey"} {
		if v := gjson.GetBytes(data, key).String(); v != "" {
			return v, nil
		}
	}
	return strings.Trim(strings.TrimSpace(string(data)), `"`), nil
}

func (p *PushClient) Subscribe(ctx context.Context, cred PushCredential) error {
	_, err := p.c.doRequest(ctx, "POST", "/api/push/subscribe", cred, nil)
	return err
}

func (p *PushClient) Unsubscribe(ctx context.Context, cred PushCredential) error {
	_, err := p.c.doRequest(ctx, "DELETE", "/api/push/unsubscribe", cred, nil)
	return err
}
