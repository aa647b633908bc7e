package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storeContract(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	h := &Handle{
		ConversationID:   "c1",
		AgentID:          "a",
		UserID:           "u",
		BackendSessionID: "c1",
		Generation:       2,
		ParentID:         "c0",
		CreatedAt:        now,
		LastUsedAt:       now,
	}
	require.NoError(t, s.Put(ctx, h))

	got, err := s.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "a", got.AgentID)
	assert.Equal(t, 2, got.Generation)
	assert.Equal(t, "c0", got.ParentID)
	assert.True(t, got.LastUsedAt.Equal(now))

	h.LastUsedAt = now.Add(time.Minute)
	require.NoError(t, s.Put(ctx, h))
	got, err = s.Get(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, got.LastUsedAt.Equal(now.Add(time.Minute)))

	require.NoError(t, s.Put(ctx, &Handle{ConversationID: "old", AgentID: "a", UserID: "u", CreatedAt: now, LastUsedAt: now.Add(-time.Hour)}))
	n, err := s.DeleteIdle(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = s.Get(ctx, "old")
	assert.ErrorIs(t, err, ErrNotFound)

	_, retired, err := s.Retired(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, retired)

	require.NoError(t, s.Tombstone(ctx, "c1", "c2"))
	replacedBy, retired, err := s.Retired(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, retired)
	assert.Equal(t, "c2", replacedBy)
	_, err = s.Get(ctx, "c1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Tombstone(ctx, "gone", ""))
	replacedBy, retired, err = s.Retired(ctx, "gone")
	require.NoError(t, err)
	assert.True(t, retired)
	assert.Empty(t, replacedBy)

	pruned, err := s.PruneTombstones(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, pruned)
	pruned, err = s.PruneTombstones(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, pruned)
	_, retired, err = s.Retired(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, retired)

	require.NoError(t, s.Put(ctx, &Handle{ConversationID: "c3", CreatedAt: now, LastUsedAt: now}))
	require.NoError(t, s.Delete(ctx, "c3"))
	_, err = s.Get(ctx, "c3")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Close())
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, NewMemoryStore())
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	h := &Handle{ConversationID: "c", AgentID: "a"}
	require.NoError(t, s.Put(ctx, h))

	h.AgentID = "mutated"
	got, err := s.Get(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, "a", got.AgentID)
	assert.Equal(t, 1, s.Len())
}

func TestSQLiteStore(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "db", "sessions.db"))
	require.NoError(t, err)
	storeContract(t, s)
}

func TestSQLiteStore_SharedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.db")
	first, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer first.Close()
	second, err := NewSQLiteStore(path)
	require.NoError(t, err)
	defer second.Close()

	ctx := context.Background()
	require.NoError(t, first.Put(ctx, &Handle{ConversationID: "c", AgentID: "a", UserID: "u", CreatedAt: time.Now(), LastUsedAt: time.Now()}))
	got, err := second.Get(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, "a", got.AgentID)

	require.NoError(t, second.Tombstone(ctx, "c", "d"))
	replacedBy, retired, err := first.Retired(ctx, "c")
	require.NoError(t, err)
	assert.True(t, retired)
	assert.Equal(t, "d", replacedBy)
}

func TestNewSQLiteStore_RequiresPath(t *testing.T) {
	_, err := NewSQLiteStore("")
	assert.Error(t, err)
}
