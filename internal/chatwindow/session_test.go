package chatwindow

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ziadkadry99/nabokov/internal/cards"
	"github.com/ziadkadry99/nabokov/internal/db"
	"github.com/ziadkadry99/nabokov/internal/storage"
)

func setupKV(t *testing.T) *storage.Store {
	t.Helper()
	database, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return storage.NewStore(database, storage.AreaLocal)
}

func TestStorageKey(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://example.com/article", "u5vmid"},
		{"a", "2p"},
		{"", "0"},
		{"héllo 😀", "6jeygl"},
	}
	for _, tt := range tests {
		assert.Equal(t, storage.ElementChatsKeyPrefix+tt.want, StorageKey(tt.url), tt.url)
	}
}

func TestNewChatID(t *testing.T) {
	id := NewChatID(time.UnixMilli(1700000000123))
	assert.Regexp(t, regexp.MustCompile(`^chat-1700000000123-[0-9a-z]{7}$`), id)
}

func TestSessionStoreRoundTrip(t *testing.T) {
	kv := setupKV(t)
	store := NewSessionStore(kv)
	ctx := context.Background()
	page := "https://example.com/article"

	none, err := store.Load(ctx, page, "el-1")
	require.NoError(t, err)
	assert.Nil(t, none)

	s1 := store.NewSession(page, Descriptor{ChatID: "el-1", TagName: "p"})
	s1.Messages = append(s1.Messages, cards.ChatMessage{ID: "m1", Role: "user", Content: "hi"})
	s2 := store.NewSession(page, Descriptor{ChatID: "el-2", TagName: "h2"})
	require.NoError(t, store.Save(ctx, s1, s2))

	got, err := store.Load(ctx, page, "el-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, s1.ChatID, got.ChatID)
	assert.Equal(t, "hi", got.Messages[0].Content)

	list, err := store.List(ctx, page)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	other, err := store.List(ctx, "https://example.com/other")
	require.NoError(t, err)
	assert.Empty(t, other)

	ok, err := store.Delete(ctx, page, "el-1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.Delete(ctx, page, "el-1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.Delete(ctx, page, "el-2")
	require.NoError(t, err)
	keys, err := kv.Keys(ctx, storage.ElementChatsKeyPrefix)
	require.NoError(t, err)
	assert.Empty(t, keys, "empty page records are removed")
}

func TestSessionStoreClearOld(t *testing.T) {
	kv := setupKV(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := NewSessionStore(kv, WithSessionClock(clock))
	ctx := context.Background()

	old := store.NewSession("https://a.example/", Descriptor{ChatID: "old"})
	oldOther := store.NewSession("https://b.example/", Descriptor{ChatID: "old"})
	require.NoError(t, store.Save(ctx, old, oldOther))

	now = now.Add(40 * 24 * time.Hour)
	fresh := store.NewSession("https://a.example/", Descriptor{ChatID: "fresh"})
	require.NoError(t, store.Save(ctx, fresh))

	n, err := store.ClearOld(ctx, 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	list, err := store.List(ctx, "https://a.example/")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "fresh", list[0].ElementID)

	keys, err := kv.Keys(ctx, storage.ElementChatsKeyPrefix)
	require.NoError(t, err)
	assert.Equal(t, []string{StorageKey("https://a.example/")}, keys)
}
