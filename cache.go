package smana

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ============================================================================
// Types
// ============================================================================

// Ordering decides where records the cache has not seen before are placed.
type Ordering int

const (
	// NewestFirst puts new records at the head, for creation-like streams
	// such as orders and notifications.
	NewestFirst Ordering = iota
	// Stable appends new records and never re-sorts, for grids such as rooms.
	Stable
)

// FetchFunc loads the full collection from the backend.
type FetchFunc[T Record] func(ctx context.Context) ([]T, error)

type ChangeKind string

const (
	ChangeLoaded  ChangeKind = "loaded"
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeRemoved ChangeKind = "removed"
	ChangeLocal   ChangeKind = "local"
	ChangeReset   ChangeKind = "reset"
)

// Change describes one write to a cache. Record is the zero value for
// loads, resets and removals.
type Change[T Record] struct {
	Kind   ChangeKind
	ID     string
	Record T
}

// CacheOptions configures a Cache.
type CacheOptions struct {
	// Session guards Load: a fetch that completes after the active identity
	// changed is discarded.
	Session *Session
	Logger  *zerolog.Logger
}

func (o *CacheOptions) defaults(name string) {
	if o.Logger == nil {
		l := log.Logger.With().Str("component", "cache").Str("cache", name).Logger()
		o.Logger = &l
	}
}

// ============================================================================
// Cache
// ============================================================================

// Cache is a goroutine-safe replica of one backend collection. It never
// holds two records with the same id. Live events and local edits both go
// through the same merge-by-id path.
type Cache[T Record] struct {
	name     string
	ordering Ordering
	fetch    FetchFunc[T]
	session  *Session
	logger   zerolog.Logger

	mu        sync.RWMutex
	order     []string
	records   map[string]T
	revisions map[string]uint64
	loaded    bool

	subsMu  sync.RWMutex
	subs    map[int]func(Change[T])
	nextSub int
}

// NewCache creates an empty cache. fetch may be nil for caches fed only by
// events.
func NewCache[T Record](name string, ordering Ordering, fetch FetchFunc[T], opts *CacheOptions) *Cache[T] {
	if opts == nil {
		opts = &CacheOptions{}
	}
	opts.defaults(name)
	return &Cache[T]{
		name:      name,
		ordering:  ordering,
		fetch:     fetch,
		session:   opts.Session,
		logger:    *opts.Logger,
		records:   make(map[string]T),
		revisions: make(map[string]uint64),
		subs:      make(map[int]func(Change[T])),
	}
}

func (c *Cache[T]) Name() string { return c.name }

// Load replaces the collection with a fresh fetch. On error the current
// contents are kept.
func (c *Cache[T]) Load(ctx context.Context) error {
	if c.fetch == nil {
		return errors.Errorf("cache %s has no fetch function", c.name)
	}
	var epoch uint64
	if c.session != nil {
		epoch = c.session.Epoch()
	}
	list, err := c.fetch(ctx)
	if err != nil {
		return errors.Wrapf(err, "load %s", c.name)
	}
	if c.session != nil && c.session.Epoch() != epoch {
		c.logger.Debug().Msg("identity changed during load, discarding result")
		return nil
	}

	c.mu.Lock()
	c.order = c.order[:0]
	c.records = make(map[string]T, len(list))
	for _, r := range list {
		id := r.RecordID()
		if id == "" {
			continue
		}
		if _, ok := c.records[id]; !ok {
			c.order = append(c.order, id)
		}
		c.records[id] = r
		c.revisions[id]++
	}
	c.loaded = true
	c.mu.Unlock()

	c.logger.Debug().Int("records", len(list)).Msg("loaded")
	c.notify(Change[T]{Kind: ChangeLoaded})
	return nil
}

// Loaded reports whether a Load has completed since the last Reset.
func (c *Cache[T]) Loaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loaded
}

// ApplyCreated inserts r, or merges it into the record with the same id.
func (c *Cache[T]) ApplyCreated(r T) {
	c.apply(ChangeCreated, r)
}

// ApplyUpdated replaces the record with r's id, inserting it if the create
// was missed.
func (c *Cache[T]) ApplyUpdated(r T) {
	c.apply(ChangeUpdated, r)
}

func (c *Cache[T]) apply(kind ChangeKind, r T) {
	id := r.RecordID()
	if id == "" {
		c.logger.Warn().Str("change", string(kind)).Msg("ignoring record without id")
		return
	}
	c.mu.Lock()
	c.put(id, r)
	c.revisions[id]++
	c.mu.Unlock()
	c.notify(Change[T]{Kind: kind, ID: id, Record: r})
}

// ApplyRemoved deletes the record with id. Unknown ids are ignored.
func (c *Cache[T]) ApplyRemoved(id string) {
	c.mu.Lock()
	if _, ok := c.records[id]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.records, id)
	for i, o := range c.order {
		if o == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.revisions[id]++
	c.mu.Unlock()
	c.notify(Change[T]{Kind: ChangeRemoved, ID: id})
}

// put writes r under c.mu.
func (c *Cache[T]) put(id string, r T) {
	if _, ok := c.records[id]; !ok {
		if c.ordering == NewestFirst {
			c.order = append([]string{id}, c.order...)
		} else {
			c.order = append(c.order, id)
		}
	}
	c.records[id] = r
}

// update replaces the record with id by fn(record) under the lock, so no
// broadcast can land between the read and the write. It returns the previous
// value and the event revision it was patched at. Local writes do not
// advance the revision.
func (c *Cache[T]) update(id string, fn func(T) T) (prev T, rev uint64, ok bool) {
	c.mu.Lock()
	prev, ok = c.records[id]
	if !ok {
		c.mu.Unlock()
		return prev, 0, false
	}
	next := fn(prev)
	c.put(id, next)
	rev = c.revisions[id]
	c.mu.Unlock()
	c.notify(Change[T]{Kind: ChangeLocal, ID: id, Record: next})
	return prev, rev, true
}

// writeIf stores r unless a broadcast touched its id after rev or the record
// is gone. An authoritative write advances the revision like an event does.
func (c *Cache[T]) writeIf(r T, rev uint64, authoritative bool) bool {
	id := r.RecordID()
	kind := ChangeLocal
	c.mu.Lock()
	if _, ok := c.records[id]; !ok || c.revisions[id] != rev {
		c.mu.Unlock()
		return false
	}
	c.put(id, r)
	if authoritative {
		c.revisions[id]++
		kind = ChangeUpdated
	}
	c.mu.Unlock()
	c.notify(Change[T]{Kind: kind, ID: id, Record: r})
	return true
}

// revision counts authoritative writes to id.
func (c *Cache[T]) revision(id string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.revisions[id]
}

// Snapshot returns the records in display order.
func (c *Cache[T]) Snapshot() []T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]T, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.records[id])
	}
	return out
}

// Filter returns the records matching keep, in display order.
func (c *Cache[T]) Filter(keep func(T) bool) []T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []T
	for _, id := range c.order {
		if r := c.records[id]; keep(r) {
			out = append(out, r)
		}
	}
	return out
}

func (c *Cache[T]) Get(id string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.records[id]
	return r, ok
}

func (c *Cache[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.order)
}

// Reset empties the cache, e.g. on logout.
func (c *Cache[T]) Reset() {
	c.mu.Lock()
	c.order = nil
	c.records = make(map[string]T)
	c.revisions = make(map[string]uint64)
	c.loaded = false
	c.mu.Unlock()
	c.notify(Change[T]{Kind: ChangeReset})
}

// Subscribe registers fn for every change and returns a function that
// removes it.
func (c *Cache[T]) Subscribe(fn func(Change[T])) func() {
	c.subsMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.subsMu.Unlock()
	return func() {
		c.subsMu.Lock()
		delete(c.subs, id)
		c.subsMu.Unlock()
	}
}

func (c *Cache[T]) notify(ch Change[T]) {
	c.subsMu.RLock()
	subs := make([]func(Change[T]), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.subsMu.RUnlock()
	for _, fn := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error().Interface("panic", r).Msg("cache subscriber panicked")
				}
			}()
			fn(ch)
		}()
	}
}
