package smana

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// ============================================================================
// ResponseCache
// ============================================================================

// CachedResponse is a stored HTTP response.
type CachedResponse struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// ResponseCache is a set of named caches of HTTP responses, the worker's
// equivalent of Cache Storage.
type ResponseCache interface {
	Match(ctx context.Context, cache, key string) (*CachedResponse, bool, error)
	Put(ctx context.Context, cache, key string, resp *CachedResponse) error
	Keys(ctx context.Context, cache string) ([]string, error)
	Names(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, cache string) error
}

// RequestKey is the cache key of a request: method and absolute URL.
func RequestKey(req *http.Request) string {
	return req.Method + " " + req.URL.String()
}

// ============================================================================
// MemoryResponseCache
// ============================================================================

type MemoryResponseCache struct {
	mu     sync.RWMutex
	caches map[string]map[string]*CachedResponse
}

func NewMemoryResponseCache() *MemoryResponseCache {
	return &MemoryResponseCache{caches: make(map[string]map[string]*CachedResponse)}
}

func (m *MemoryResponseCache) Match(_ context.Context, cache, key string) (*CachedResponse, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.caches[cache][key]
	if !ok {
		return nil, false, nil
	}
	cp := *r
	cp.Header = r.Header.Clone()
	cp.Body = append([]byte(nil), r.Body...)
	return &cp, true, nil
}

func (m *MemoryResponseCache) Put(_ context.Context, cache, key string, resp *CachedResponse) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.caches[cache]
	if !ok {
		c = make(map[string]*CachedResponse)
		m.caches[cache] = c
	}
	cp := *resp
	cp.Header = resp.Header.Clone()
	cp.Body = append([]byte(nil), resp.Body...)
	if cp.StoredAt.IsZero() {
		cp.StoredAt = time.Now()
	}
	c[key] = &cp
	return nil
}

func (m *MemoryResponseCache) Keys(_ context.Context, cache string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.caches[cache]))
	for k := range m.caches[cache] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryResponseCache) Names(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.caches))
	for n := range m.caches {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemoryResponseCache) Delete(_ context.Context, cache string) error {
	m.mu.Lock()
	delete(m.caches, cache)
	m.mu.Unlock()
	return nil
}

// ============================================================================
// SQLiteResponseCache
// ============================================================================

// SQLiteResponseCache keeps responses in a SQLite file so the gateway can
// serve stale data across restarts.
type SQLiteResponseCache struct {
	db *sql.DB
}

var _ ResponseCache = &SQLiteResponseCache{}

// SQLiteDSNForFile returns a DSN with WAL and a busy timeout.
func SQLiteDSNForFile(path string) string {
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
}

func NewSQLiteResponseCache(dsn string) (*SQLiteResponseCache, error) {
	if dsn == "" {
		return nil, errors.New("sqlite response cache: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite response cache: open")
	}
	s := &SQLiteResponseCache{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteResponseCache) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS responses (
		  cache TEXT NOT NULL,
		  key TEXT NOT NULL,
		  status INTEGER NOT NULL,
		  header_json TEXT NOT NULL,
		  body BLOB NOT NULL,
		  stored_at_ms INTEGER NOT NULL,
		  PRIMARY KEY (cache, key)
		);`)
	return errors.Wrap(err, "sqlite response cache: migrate")
}

func (s *SQLiteResponseCache) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteResponseCache) Match(ctx context.Context, cache, key string) (*CachedResponse, bool, error) {
	var (
		r        CachedResponse
		header   string
		storedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT status, header_json, body, stored_at_ms
		FROM responses
		WHERE cache = ? AND key = ?
	`, cache, key).Scan(&r.Status, &header, &r.Body, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "sqlite response cache: match")
	}
	if err := json.Unmarshal([]byte(header), &r.Header); err != nil {
		return nil, false, errors.Wrap(err, "sqlite response cache: decode header")
	}
	r.StoredAt = time.UnixMilli(storedAt)
	return &r, true, nil
}

func (s *SQLiteResponseCache) Put(ctx context.Context, cache, key string, resp *CachedResponse) error {
	header, err := json.Marshal(resp.Header)
	if err != nil {
		return errors.Wrap(err, "sqlite response cache: encode header")
	}
	storedAt := resp.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now()
	}
	body := resp.Body
	if body == nil {
		body = []byte{}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO responses (cache, key, status, header_json, body, stored_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(cache, key) DO UPDATE SET
		  status = excluded.status,
		  header_json = excluded.header_json,
		  body = excluded.body,
		  stored_at_ms = excluded.stored_at_ms
	`, cache, key, resp.Status, string(header), body, storedAt.UnixMilli())
	return errors.Wrap(err, "sqlite response cache: put")
}

func (s *SQLiteResponseCache) Keys(ctx context.Context, cache string) ([]string, error) {
	return s.strings(ctx, `SELECT key FROM responses WHERE cache = ? ORDER BY key`, cache)
}

func (s *SQLiteResponseCache) Names(ctx context.Context) ([]string, error) {
	return s.strings(ctx, `SELECT DISTINCT cache FROM responses ORDER BY cache`)
}

func (s *SQLiteResponseCache) strings(ctx context.Context, query string, args ...interface{}) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite response cache: query")
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, errors.Wrap(err, "sqlite response cache: scan")
		}
		out = append(out, v)
	}
	return out, errors.Wrap(rows.Err(), "sqlite response cache: rows")
}

func (s *SQLiteResponseCache) Delete(ctx context.Context, cache string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM responses WHERE cache = ?`, cache)
	return errors.Wrap(err, "sqlite response cache: delete")
}
