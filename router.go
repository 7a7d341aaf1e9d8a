package smana

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ============================================================================
// Strategies
// ============================================================================

// Strategy is the routing decision for one request.
type Strategy string

const (
	StrategyTransport    Strategy = "transport"
	StrategyMutation     Strategy = "mutation"
	StrategyAuth         Strategy = "auth"
	StrategyForeign      Strategy = "foreign"
	StrategyCacheFirst   Strategy = "cache-first"
	StrategyNetworkFirst Strategy = "network-first"
	StrategyNavigation   Strategy = "navigation"
	StrategyPassthrough  Strategy = "passthrough"
)

// Bypass reports whether the strategy hands the request to the network
// without touching any cache.
func (s Strategy) Bypass() bool {
	switch s {
	case StrategyCacheFirst, StrategyNetworkFirst, StrategyNavigation:
		return false
	}
	return true
}

var (
	authPatterns = []string{"/login", "/logout", "/auth", "/refresh", "/api/auth"}
	staticExt    = regexp.MustCompile(`(?i)\.(js|css|woff2?|ttf|otf|eot|svg|png|jpg|jpeg|gif|ico|webp)$`)
)

const (
	offlineAssetBody = "Asset unavailable offline."
	offlineAPIBody   = `{"error":"Offline — no cached data available."}`
	offlinePageBody  = "<h1>You are offline.</h1>"
	offlinePagePath  = "/offline.html"
)

// ============================================================================
// Configuration
// ============================================================================

// RouterConfig configures a Router.
type RouterConfig struct {
	// Version suffixes the cache names; bumping it retires old caches.
	Version       string
	APIOrigin     string
	AppOrigin     string
	TransportPath string
	// Next performs network requests.
	Next   http.RoundTripper
	Cache  ResponseCache
	Logger *zerolog.Logger
}

func (c *RouterConfig) defaults() {
	if c.Version == "" {
		c.Version = "v1.4.0"
	}
	if c.APIOrigin == "" {
		c.APIOrigin = "https://api.smanahotels.com"
	}
	if c.AppOrigin == "" {
		c.AppOrigin = "https://admin.smanahotels.com"
	}
	if c.TransportPath == "" {
		c.TransportPath = "/socket.io/"
	}
	if c.Next == nil {
		c.Next = http.DefaultTransport
	}
	if c.Cache == nil {
		c.Cache = NewMemoryResponseCache()
	}
	if c.Logger == nil {
		l := log.Logger.With().Str("component", "router").Logger()
		c.Logger = &l
	}
	c.APIOrigin = strings.TrimRight(c.APIOrigin, "/")
	c.AppOrigin = strings.TrimRight(c.AppOrigin, "/")
}

func (c *RouterConfig) StaticCache() string { return "smana-admin-static-" + c.Version }
func (c *RouterConfig) APICache() string    { return "smana-admin-api-" + c.Version }

// ============================================================================
// Router
// ============================================================================

// Router is an http.RoundTripper applying the worker's cache policy. It
// never fails a cacheable request outright: offline misses get synthetic
// responses.
type Router struct {
	cfg    *RouterConfig
	logger zerolog.Logger
}

var _ http.RoundTripper = (*Router)(nil)

func NewRouter(cfg *RouterConfig) *Router {
	if cfg == nil {
		cfg = &RouterConfig{}
	}
	cfg.defaults()
	return &Router{cfg: cfg, logger: *cfg.Logger}
}

func (r *Router) Config() *RouterConfig { return r.cfg }

func origin(u *url.URL) string {
	return strings.ToLower(u.Scheme + "://" + u.Host)
}

// Route picks the strategy for req. It has no side effects. Rules are
// checked in order and the first match wins.
func (r *Router) Route(req *http.Request) Strategy {
	u := req.URL
	path := strings.ToLower(u.Path)

	if strings.Contains(path, strings.ToLower(r.cfg.TransportPath)) {
		return StrategyTransport
	}
	switch req.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return StrategyMutation
	}
	target := path
	if u.RawQuery != "" {
		target += "?" + strings.ToLower(u.RawQuery)
	}
	for _, p := range authPatterns {
		if strings.Contains(target, p) {
			return StrategyAuth
		}
	}
	o := origin(u)
	if o != strings.ToLower(r.cfg.AppOrigin) && o != strings.ToLower(r.cfg.APIOrigin) {
		return StrategyForeign
	}
	if strings.HasPrefix(u.Path, "/_next/static/") || strings.HasPrefix(u.Path, "/icons/") || staticExt.MatchString(u.Path) {
		return StrategyCacheFirst
	}
	if o == strings.ToLower(r.cfg.APIOrigin) && req.Method == http.MethodGet {
		return StrategyNetworkFirst
	}
	if isNavigation(req) {
		return StrategyNavigation
	}
	return StrategyPassthrough
}

// isNavigation recognizes full-page loads: browsers mark them with
// Sec-Fetch-Mode, other clients ask for HTML.
func isNavigation(req *http.Request) bool {
	if req.Method != http.MethodGet {
		return false
	}
	if mode := req.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return strings.Contains(req.Header.Get("Accept"), "text/html")
}

// RoundTrip implements http.RoundTripper.
func (r *Router) RoundTrip(req *http.Request) (*http.Response, error) {
	strategy := r.Route(req)
	switch strategy {
	case StrategyCacheFirst:
		return r.cacheFirst(req)
	case StrategyNetworkFirst:
		return r.networkFirst(req)
	case StrategyNavigation:
		return r.navigation(req)
	}
	routerResponses.WithLabelValues(string(strategy), "network").Inc()
	return r.cfg.Next.RoundTrip(req)
}

func (r *Router) cacheFirst(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	key := RequestKey(req)
	if cached, ok := r.match(ctx, r.cfg.StaticCache(), key); ok {
		routerResponses.WithLabelValues(string(StrategyCacheFirst), "cache").Inc()
		return cached.response(req), nil
	}
	resp, err := r.cfg.Next.RoundTrip(req)
	if err != nil {
		r.logger.Debug().Err(err).Str("url", req.URL.String()).Msg("asset fetch failed")
		routerResponses.WithLabelValues(string(StrategyCacheFirst), "offline").Inc()
		return syntheticResponse(req, http.StatusServiceUnavailable, "text/plain; charset=utf-8", offlineAssetBody), nil
	}
	routerResponses.WithLabelValues(string(StrategyCacheFirst), "network").Inc()
	return r.store(ctx, r.cfg.StaticCache(), key, resp)
}

func (r *Router) networkFirst(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	key := RequestKey(req)
	resp, err := r.cfg.Next.RoundTrip(req)
	if err == nil {
		routerResponses.WithLabelValues(string(StrategyNetworkFirst), "network").Inc()
		return r.store(ctx, r.cfg.APICache(), key, resp)
	}
	r.logger.Debug().Err(err).Str("url", req.URL.String()).Msg("api fetch failed, trying cache")
	if cached, ok := r.match(ctx, r.cfg.APICache(), key); ok {
		routerResponses.WithLabelValues(string(StrategyNetworkFirst), "stale").Inc()
		out := cached.response(req)
		out.Header.Set("X-Cached", "stale")
		return out, nil
	}
	r.logger.Info().Err(ErrOffline).Str("url", req.URL.String()).Msg("serving offline error")
	routerResponses.WithLabelValues(string(StrategyNetworkFirst), "offline").Inc()
	return syntheticResponse(req, http.StatusServiceUnavailable, "application/json", offlineAPIBody), nil
}

func (r *Router) navigation(req *http.Request) (*http.Response, error) {
	resp, err := r.cfg.Next.RoundTrip(req)
	if err == nil {
		routerResponses.WithLabelValues(string(StrategyNavigation), "network").Inc()
		return resp, nil
	}
	routerResponses.WithLabelValues(string(StrategyNavigation), "offline").Inc()
	if cached, ok := r.match(req.Context(), r.cfg.StaticCache(), "GET "+r.cfg.AppOrigin+offlinePagePath); ok {
		return cached.response(req), nil
	}
	return syntheticResponse(req, http.StatusOK, "text/html; charset=utf-8", offlinePageBody), nil
}

func (r *Router) match(ctx context.Context, cache, key string) (*CachedResponse, bool) {
	cached, ok, err := r.cfg.Cache.Match(ctx, cache, key)
	if err != nil {
		r.logger.Warn().Err(err).Str("cache", cache).Msg("cache lookup failed")
		return nil, false
	}
	return cached, ok
}

// store buffers resp, caches it when it is a success, and returns an
// equivalent response with a fresh body.
func (r *Router) store(ctx context.Context, cache, key string, resp *http.Response) (*http.Response, error) {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp, nil
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, errors.Wrap(err, "read response body")
	}
	entry := &CachedResponse{Status: resp.StatusCode, Header: resp.Header.Clone(), Body: body}
	if err := r.cfg.Cache.Put(ctx, cache, key, entry); err != nil {
		r.logger.Warn().Err(err).Str("cache", cache).Msg("cache write failed")
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	return resp, nil
}

func (c *CachedResponse) response(req *http.Request) *http.Response {
	header := c.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		Status:        strconv.Itoa(c.Status) + " " + http.StatusText(c.Status),
		StatusCode:    c.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(c.Body)),
		ContentLength: int64(len(c.Body)),
		Request:       req,
	}
}

func syntheticResponse(req *http.Request, status int, contentType, body string) *http.Response {
	c := &CachedResponse{Status: status, Header: http.Header{"Content-Type": {contentType}}, Body: []byte(body)}
	return c.response(req)
}
