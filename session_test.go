package smana

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "u1",
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("backend-secret"))
	require.NoError(t, err)
	return tok
}

func TestIdentityExpiry(t *testing.T) {
	now := time.Now()
	exp := now.Add(time.Hour).Truncate(time.Second)

	id := Identity{ID: "u1", Token: signedToken(t, exp)}
	got, ok := id.ExpiresAt()
	require.True(t, ok)
	require.True(t, got.Equal(exp))
	require.False(t, id.Expired(now))
	require.True(t, id.Expired(exp.Add(time.Second)))

	// opaque tokens never expire locally
	opaque := Identity{ID: "u1", Token: "not-a-jwt"}
	_, ok = opaque.ExpiresAt()
	require.False(t, ok)
	require.False(t, opaque.Expired(now))
}

func TestFileSessionStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "session.toml")
	store := NewFileSessionStore(path)

	id, err := store.Load()
	require.NoError(t, err)
	require.Nil(t, id)

	require.NoError(t, store.Save(frontDesk))
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	id, err = store.Load()
	require.NoError(t, err)
	require.Equal(t, frontDesk, *id)

	require.NoError(t, store.Clear())
	require.NoError(t, store.Clear())
	id, err = store.Load()
	require.NoError(t, err)
	require.Nil(t, id)
}

func TestSessionRestore(t *testing.T) {
	t.Run("valid token", func(t *testing.T) {
		store := NewMemorySessionStore()
		require.NoError(t, store.Save(Identity{ID: "u1", Token: signedToken(t, time.Now().Add(time.Hour))}))

		s := NewSession(store)
		id, ok := s.Identity()
		require.True(t, ok)
		require.Equal(t, "u1", id.ID)
		require.Equal(t, uint64(1), s.Epoch())
	})

	t.Run("expired token is discarded", func(t *testing.T) {
		store := NewFileSessionStore(filepath.Join(t.TempDir(), "session.toml"))
		require.NoError(t, store.Save(Identity{ID: "u1", Token: signedToken(t, time.Now().Add(-time.Minute))}))

		s := NewSession(store)
		_, ok := s.Identity()
		require.False(t, ok)
		require.Empty(t, s.Token())

		persisted, err := store.Load()
		require.NoError(t, err)
		require.Nil(t, persisted)
	})
}

func TestSessionEpoch(t *testing.T) {
	s := NewSession(nil)
	var seen []string
	s.OnChange(func(id *Identity) {
		if id == nil {
			seen = append(seen, "-")
			return
		}
		seen = append(seen, id.ID)
	})

	require.Zero(t, s.Epoch())
	require.Error(t, s.Set(Identity{}))

	require.NoError(t, s.Set(chef))
	first := s.Epoch()
	require.NotZero(t, first)

	// refreshing the same user keeps in-flight work valid
	refreshed := chef
	refreshed.Token = "tok-1b"
	require.NoError(t, s.Set(refreshed))
	require.Equal(t, first, s.Epoch())
	require.Equal(t, "tok-1b", s.Token())

	require.NoError(t, s.Set(frontDesk))
	require.Greater(t, s.Epoch(), first)

	require.NoError(t, s.Clear())
	require.NoError(t, s.Clear())
	require.Equal(t, []string{"u1", "u1", "u7", "-"}, seen)
}
