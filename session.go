package smana

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ============================================================================
// Identity
// ============================================================================

// Identity is the signed-in staff member, as returned by POST /api/auth/login.
type Identity struct {
	ID    string `json:"_id" toml:"id"`
	Name  string `json:"name" toml:"name"`
	Email string `json:"email" toml:"email"`
	Role  Role   `json:"role" toml:"role"`
	Token string `json:"token,omitempty" toml:"token,omitempty"`
}

// Valid reports whether the identity can scope live-channel membership.
func (i Identity) Valid() bool {
	return i.ID != ""
}

// UserRoom is the identity-scoped topic name.
func (i Identity) UserRoom() string {
	return "user:" + i.ID
}

// ExpiresAt reads the exp claim of the bearer token. The token is not
// verified; the backend remains the authority.
func (i Identity) ExpiresAt() (time.Time, bool) {
	if i.Token == "" {
		return time.Time{}, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(i.Token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// Expired reports whether the token carries an exp claim in the past.
func (i Identity) Expired(now time.Time) bool {
	exp, ok := i.ExpiresAt()
	return ok && !now.Before(exp)
}

// ============================================================================
// Session stores
// ============================================================================

// SessionStore persists the identity between runs.
type SessionStore interface {
	Load() (*Identity, error)
	Save(Identity) error
	Clear() error
}

// MemorySessionStore keeps the identity for the lifetime of the process.
type MemorySessionStore struct {
	mu       sync.Mutex
	identity *Identity
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{}
}

func (s *MemorySessionStore) Load() (*Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity == nil {
		return nil, nil
	}
	id := *s.identity
	return &id, nil
}

func (s *MemorySessionStore) Save(id Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = &id
	return nil
}

func (s *MemorySessionStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = nil
	return nil
}

type sessionFile struct {
	Session Identity `toml:"session"`
}

// FileSessionStore keeps the identity in a TOML file readable only by the
// current user.
type FileSessionStore struct {
	path string
}

func NewFileSessionStore(path string) *FileSessionStore {
	return &FileSessionStore{path: path}
}

// Path returns the backing file location.
func (s *FileSessionStore) Path() string {
	return s.path
}

func (s *FileSessionStore) Load() (*Identity, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "read session file")
	}
	var f sessionFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "parse session file")
	}
	if !f.Session.Valid() {
		return nil, nil
	}
	return &f.Session, nil
}

func (s *FileSessionStore) Save(id Identity) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return errors.Wrap(err, "create session directory")
	}
	data, err := toml.Marshal(sessionFile{Session: id})
	if err != nil {
		return errors.Wrap(err, "marshal session")
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return errors.Wrap(err, "write session file")
	}
	return nil
}

func (s *FileSessionStore) Clear() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "remove session file")
	}
	return nil
}

// ============================================================================
// Session
// ============================================================================

// Session holds at most one active identity. Epoch changes whenever the
// active identity changes, so work issued under one identity can detect that
// it completed under another.
type Session struct {
	mu        sync.RWMutex
	store     SessionStore
	current   *Identity
	epoch     uint64
	listeners []func(*Identity)
	logger    zerolog.Logger
}

// NewSession restores the persisted identity, dropping it if its token has
// expired. A nil store keeps the session in memory.
func NewSession(store SessionStore) *Session {
	if store == nil {
		store = NewMemorySessionStore()
	}
	s := &Session{
		store:  store,
		logger: log.Logger.With().Str("component", "session").Logger(),
	}
	id, err := store.Load()
	if err != nil {
		s.logger.Warn().Err(err).Msg("could not restore session")
		return s
	}
	if id == nil {
		return s
	}
	if id.Expired(time.Now()) {
		s.logger.Info().Str("user_id", id.ID).Msg("persisted session expired, discarding")
		_ = store.Clear()
		return s
	}
	s.current = id
	s.epoch = 1
	return s
}

// Identity returns the active identity.
func (s *Session) Identity() (Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return Identity{}, false
	}
	return *s.current, true
}

// Token returns the bearer token of the active identity, if any.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return ""
	}
	return s.current.Token
}

// Epoch identifies the active identity for completion guards.
func (s *Session) Epoch() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epoch
}

// Set activates and persists id, replacing any previous identity.
func (s *Session) Set(id Identity) error {
	if !id.Valid() {
		return errors.New("session: identity has no id")
	}
	s.mu.Lock()
	if s.current == nil || s.current.ID != id.ID {
		s.epoch++
	}
	s.current = &id
	listeners := append([]func(*Identity){}, s.listeners...)
	s.mu.Unlock()

	err := s.store.Save(id)
	for _, l := range listeners {
		l(&id)
	}
	return err
}

// Clear erases the identity locally and from the store.
func (s *Session) Clear() error {
	s.mu.Lock()
	if s.current == nil {
		s.mu.Unlock()
		return s.store.Clear()
	}
	s.current = nil
	s.epoch++
	listeners := append([]func(*Identity){}, s.listeners...)
	s.mu.Unlock()

	err := s.store.Clear()
	for _, l := range listeners {
		l(nil)
	}
	return err
}

// OnChange registers a listener called after every Set or Clear. A nil
// argument means signed out.
func (s *Session) OnChange(fn func(*Identity)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}
