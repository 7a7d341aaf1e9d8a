package smana

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ============================================================================
// Options
// ============================================================================

// RequestFunc performs the backend write for a mutation. It may return a nil
// record when the backend answers without a body.
type RequestFunc[T Record] func(ctx context.Context) (*T, error)

type mutateConfig struct {
	refetch bool
	retries int
	timeout time.Duration
	label   string
}

type MutateOption func(*mutateConfig)

// WithRefetch reloads the whole cache on failure instead of restoring the
// previous value.
func WithRefetch() MutateOption {
	return func(c *mutateConfig) { c.refetch = true }
}

// Retry re-sends the request up to n more times after transport errors and
// 5xx responses. Only use it for idempotent writes.
func Retry(n int) MutateOption {
	return func(c *mutateConfig) { c.retries = n }
}

// MutationTimeout bounds the backend request.
func MutationTimeout(d time.Duration) MutateOption {
	return func(c *mutateConfig) { c.timeout = d }
}

// Describe names the action in the error toast, e.g. "move order".
func Describe(label string) MutateOption {
	return func(c *mutateConfig) { c.label = label }
}

// CoordinatorOptions configures a Coordinator.
type CoordinatorOptions struct {
	Session    *Session
	Toaster    Toaster
	Timeout    time.Duration
	RetryDelay time.Duration
	Logger     *zerolog.Logger
}

func (o *CoordinatorOptions) defaults() {
	if o.Toaster == nil {
		o.Toaster = nopToaster{}
	}
	if o.Timeout == 0 {
		o.Timeout = 15 * time.Second
	}
	if o.RetryDelay == 0 {
		o.RetryDelay = 500 * time.Millisecond
	}
	if o.Logger == nil {
		l := log.Logger.With().Str("component", "mutations").Logger()
		o.Logger = &l
	}
}

// ============================================================================
// Coordinator
// ============================================================================

// pendingMutation is one in-flight request for a record id.
type pendingMutation[T Record] struct {
	token string
	seq   uint64
	// baseline is the value shown before this mutation patched the record.
	baseline T
	// rev is the cache revision the patch was applied at.
	rev uint64
}

// pendingSlot tracks the in-flight mutations of one record id, oldest
// first. confirmed is the newest sequence the backend acknowledged.
type pendingSlot[T Record] struct {
	live      []*pendingMutation[T]
	seq       uint64
	confirmed uint64
}

func (s *pendingSlot[T]) remove(m *pendingMutation[T]) (newer *pendingMutation[T]) {
	for i, p := range s.live {
		if p != m {
			continue
		}
		if i+1 < len(s.live) {
			newer = s.live[i+1]
		}
		s.live = append(s.live[:i], s.live[i+1:]...)
		break
	}
	return newer
}

// Coordinator applies local edits to a Cache immediately and reconciles them
// with the backend's answer. A newer mutation on the same id takes over the
// rollback: an older request's outcome only moves the newer one's baseline.
// A broadcast that arrives while a request is in flight always wins over
// both the optimistic value and the request's outcome.
type Coordinator[T Record] struct {
	cache   *Cache[T]
	session *Session
	toaster Toaster
	timeout time.Duration
	delay   time.Duration
	logger  zerolog.Logger

	mu      sync.Mutex
	pending map[string]*pendingSlot[T]
}

func NewCoordinator[T Record](cache *Cache[T], opts *CoordinatorOptions) *Coordinator[T] {
	if opts == nil {
		opts = &CoordinatorOptions{}
	}
	opts.defaults()
	return &Coordinator[T]{
		cache:   cache,
		session: opts.Session,
		toaster: opts.Toaster,
		timeout: opts.Timeout,
		delay:   opts.RetryDelay,
		logger:  opts.Logger.With().Str("cache", cache.Name()).Logger(),
		pending: make(map[string]*pendingSlot[T]),
	}
}

// Pending reports whether a mutation for id is in flight.
func (c *Coordinator[T]) Pending(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[id]
	return ok
}

// Mutate shows patch(current) at once, then runs request. The returned error
// is the request's error; reconciliation has already happened when Mutate
// returns.
func (c *Coordinator[T]) Mutate(ctx context.Context, id string, patch func(T) T, request RequestFunc[T], opts ...MutateOption) error {
	cfg := mutateConfig{timeout: c.timeout, label: "update " + c.cache.Name()}
	for _, o := range opts {
		o(&cfg)
	}

	var epoch uint64
	if c.session != nil {
		epoch = c.session.Epoch()
	}

	c.mu.Lock()
	prev, rev, ok := c.cache.update(id, patch)
	if !ok {
		c.mu.Unlock()
		return errors.Errorf("%s %s is not in the cache", c.cache.Name(), id)
	}
	slot := c.pending[id]
	if slot == nil {
		slot = &pendingSlot[T]{}
		c.pending[id] = slot
	}
	slot.seq++
	m := &pendingMutation[T]{token: uuid.NewString(), seq: slot.seq, baseline: prev, rev: rev}
	slot.live = append(slot.live, m)
	c.mu.Unlock()

	reqCtx, cancel := context.WithTimeout(ctx, cfg.timeout)
	resp, err := c.send(reqCtx, request, cfg.retries)
	cancel()

	c.mu.Lock()
	defer c.mu.Unlock()

	newer := slot.remove(m)
	if len(slot.live) == 0 && c.pending[id] == slot {
		delete(c.pending, id)
	}

	if c.session != nil && c.session.Epoch() != epoch {
		c.record("discarded")
		return err
	}

	corroborated := c.cache.revision(id) != m.rev
	// newer was patched on top of this mutation with no broadcast between
	chained := newer != nil && newer.rev == m.rev
	if resp != nil && (*resp).RecordID() != id {
		resp = nil
	}

	if err == nil {
		switch {
		case m.seq < slot.confirmed:
			c.record("superseded")
			return nil
		case corroborated:
			c.record("corroborated")
		case newer != nil:
			if resp != nil && chained {
				newer.baseline = *resp
			}
			c.record("confirmed")
		default:
			if resp != nil {
				c.cache.writeIf(*resp, m.rev, true)
			}
			c.record("confirmed")
		}
		slot.confirmed = m.seq
		return nil
	}

	c.logger.Warn().Err(err).Str("id", id).Str("mutation", m.token).Bool("latest", newer == nil).Msg("mutation failed")
	switch {
	case m.seq < slot.confirmed:
		c.record("superseded")
		return err
	case newer != nil:
		if chained {
			newer.baseline = m.baseline
		}
		c.record("superseded")
		return err
	case corroborated:
		c.record("corroborated")
	case cfg.refetch:
		c.record("refetched")
		go func() {
			if lerr := c.cache.Load(context.Background()); lerr != nil {
				c.logger.Warn().Err(lerr).Msg("refetch after failed mutation")
			}
		}()
	default:
		c.cache.writeIf(m.baseline, m.rev, false)
		c.record("reverted")
	}
	c.toaster.Toast(Toast{
		Level:   ToastError,
		Title:   "Could not " + cfg.label,
		Message: errorMessage(err),
		At:      time.Now(),
	})
	return err
}

func (c *Coordinator[T]) send(ctx context.Context, request RequestFunc[T], retries int) (*T, error) {
	if retries <= 0 {
		return request(ctx)
	}
	var out *T
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(c.delay), uint64(retries)), ctx)
	err := backoff.Retry(func() error {
		r, err := request(ctx)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && !apiErr.Temporary() {
				return backoff.Permanent(err)
			}
			return err
		}
		out = r
		return nil
	}, policy)
	return out, err
}

func (c *Coordinator[T]) record(result string) {
	mutationResults.WithLabelValues(c.cache.Name(), result).Inc()
}

func errorMessage(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Error()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "the server did not answer in time"
	}
	return "network error, please try again"
}
