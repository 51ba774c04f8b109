package storage

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ziadkadry99/nabokov/internal/db"
)

type recordingNotifier struct {
	mu   sync.Mutex
	keys [][]string
}

func (r *recordingNotifier) StorageChanged(area Area, keys []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, keys)
}

func setupTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	database, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return NewStore(database, AreaLocal, opts...)
}

func TestGetMissingKey(t *testing.T) {
	s := setupTestStore(t)
	dest := []string{"default"}
	found, err := s.Get(context.Background(), "nothing", &dest)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, []string{"default"}, dest)
}

func TestSetGetOverwrite(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, KeyCards, []string{"a"}))
	require.NoError(t, s.Set(ctx, KeyCards, []string{"b", "c"}))

	var got []string
	found, err := s.Get(ctx, KeyCards, &got)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []string{"b", "c"}, got)

	var rows int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM kv WHERE key = ?`, KeyCards).Scan(&rows))
	assert.Equal(t, 1, rows, "at most one record per key")
}

func TestAreasAreIsolated(t *testing.T) {
	database, err := db.OpenMemory()
	require.NoError(t, err)
	defer database.Close()
	ctx := context.Background()

	local := NewStore(database, AreaLocal)
	session := NewStore(database, AreaSession)

	require.NoError(t, local.Set(ctx, "k", 1))
	require.NoError(t, session.Set(ctx, "k", 2))
	require.NoError(t, session.Clear(ctx))

	var v int
	found, err := local.Get(ctx, "k", &v)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 1, v)

	found, err = session.Get(ctx, "k", &v)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRemove(t *testing.T) {
	n := &recordingNotifier{}
	s := setupTestStore(t, WithNotifier(n))
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "a", 1))
	require.NoError(t, s.Set(ctx, "b", 2))
	require.NoError(t, s.Remove(ctx, "a", "missing"))

	var v int
	found, _ := s.Get(ctx, "a", &v)
	assert.False(t, found)
	found, _ = s.Get(ctx, "b", &v)
	assert.True(t, found)

	assert.Equal(t, [][]string{{"a"}, {"b"}, {"a", "missing"}}, n.keys)
}

func TestQuotaExceededWritesNothing(t *testing.T) {
	n := &recordingNotifier{}
	s := setupTestStore(t, WithQuota(64, 0.8), WithNotifier(n))
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "small", "x"))
	err := s.Set(ctx, "big", strings.Repeat("y", 100))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrQuotaExceeded))

	var v string
	found, err := s.Get(ctx, "big", &v)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Len(t, n.keys, 1, "failed write must not notify")
}

func TestQuotaCountsReplacementNotAddition(t *testing.T) {
	s := setupTestStore(t, WithQuota(40, 0.8))
	ctx := context.Background()

	value := strings.Repeat("z", 20)
	require.NoError(t, s.Set(ctx, "key", value))
	// Replacing the same key with the same size must fit.
	require.NoError(t, s.Set(ctx, "key", value))
}

func TestBytesInUseAndUsage(t *testing.T) {
	s := setupTestStore(t, WithQuota(100, 0.5))
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "ab", "cdef")) // 2 + 6 (quoted JSON)
	require.NoError(t, s.Set(ctx, "g", 12))      // 1 + 2

	n, err := s.BytesInUse(ctx, "ab")
	require.NoError(t, err)
	assert.Equal(t, int64(8), n)

	total, err := s.BytesInUse(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(11), total)

	u, err := s.Usage(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(100), u.Quota)
	assert.InDelta(t, 0.11, u.Ratio, 1e-9)
	assert.False(t, u.NearLimit)

	require.NoError(t, s.Set(ctx, "fill", strings.Repeat("q", 40)))
	u, err = s.Usage(ctx)
	require.NoError(t, err)
	assert.True(t, u.NearLimit)
}

func TestKeysByPrefix(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, ElementChatsKeyPrefix+"abc", 1))
	require.NoError(t, s.Set(ctx, ElementChatsKeyPrefix+"def", 1))
	require.NoError(t, s.Set(ctx, KeyCards, 1))

	keys, err := s.Keys(ctx, ElementChatsKeyPrefix)
	require.NoError(t, err)
	assert.Equal(t, []string{ElementChatsKeyPrefix + "abc", ElementChatsKeyPrefix + "def"}, keys)
}

func TestGetDecodeError(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SetRaw(ctx, "k", []byte(`"text"`)))

	var n int
	_, err := s.Get(ctx, "k", &n)
	assert.Error(t, err)
}
