package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	lite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"), time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { _ = lite.Close(context.Background()) })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": lite,
	}
}

func TestSessionProfileAndTable(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := New(store, "sid-1")

			p, err := s.Profile(ctx)
			require.NoError(t, err)
			assert.Nil(t, p)

			require.NoError(t, s.SetProfile(ctx, Profile{PlayerID: "p1", Name: "Alice"}))
			require.NoError(t, s.SetTable(ctx, TableRef{ID: "t1", Name: "Friday", JoinCode: "1234"}))

			p, err = s.Profile(ctx)
			require.NoError(t, err)
			require.NotNil(t, p)
			assert.Equal(t, "Alice", p.Name)

			tbl, err := s.Table(ctx)
			require.NoError(t, err)
			require.NotNil(t, tbl)
			assert.Equal(t, "1234", tbl.JoinCode)

			require.NoError(t, s.ClearTable(ctx))
			tbl, err = s.Table(ctx)
			require.NoError(t, err)
			assert.Nil(t, tbl)

			// another session id sees nothing
			other, err := New(store, "sid-2").Profile(ctx)
			require.NoError(t, err)
			assert.Nil(t, other)
		})
	}
}

func TestSessionResetForcesOnboarding(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := New(store, "sid-reset")
			require.NoError(t, s.SetProfile(ctx, Profile{PlayerID: "p1", Name: "Alice"}))
			require.NoError(t, s.RequestReset(ctx))

			require.NoError(t, s.Init(ctx))

			p, err := s.Profile(ctx)
			require.NoError(t, err)
			assert.Nil(t, p)
			force, err := s.ForceOnboarding(ctx)
			require.NoError(t, err)
			assert.True(t, force)

			// a second Init is a no-op
			require.NoError(t, s.SetForceOnboarding(ctx, false))
			require.NoError(t, s.Init(ctx))
			force, err = s.ForceOnboarding(ctx)
			require.NoError(t, err)
			assert.False(t, force)
		})
	}
}

func TestSessionCorruptRecordIsDropped(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Set(ctx, "sid", keyProfile, []byte("{not json")))

	p, err := New(store, "sid").Profile(ctx)
	require.NoError(t, err)
	assert.Nil(t, p)

	_, ok, err := store.Get(ctx, "sid", keyProfile)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLiteStoreExpiry(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "ttl.db"), -time.Second)
	require.NoError(t, err)
	defer s.Close(ctx)

	require.NoError(t, s.Set(ctx, "sid", "k", []byte(`true`)))
	_, ok, err := s.Get(ctx, "sid", "k")
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := s.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
