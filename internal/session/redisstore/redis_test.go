package redisstore

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wwwzhouhui/qwen3-reverse/internal/session"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *Store) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	store, err := New(context.Background(), &redis.Options{Addr: mr.Addr()}, "test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return mr, store
}

func TestUpsertAndFind(t *testing.T) {
	_, store := setupTestRedis(t)
	ctx := context.Background()

	rec := session.Record{
		ThreadID:       "chat-1",
		Title:          "title",
		CreatedAt:      1,
		UpdatedAt:      2,
		ThreadKind:     session.ThreadKindText,
		LastTurnID:     "resp-1",
		NormalizedText: "hello world",
	}
	require.NoError(t, store.Upsert(ctx, rec))

	got, err := store.FindByNormalizedText(ctx, "hello world")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec, *got)

	miss, err := store.FindByNormalizedText(ctx, "hello")
	require.NoError(t, err)
	assert.Nil(t, miss)
}

func TestUpsertMovesIndex(t *testing.T) {
	mr, store := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, session.Record{ThreadID: "chat-1", LastTurnID: "r1", NormalizedText: "first"}))
	require.NoError(t, store.Upsert(ctx, session.Record{ThreadID: "chat-1", LastTurnID: "r2", NormalizedText: "second"}))

	old, err := store.FindByNormalizedText(ctx, "first")
	require.NoError(t, err)
	assert.Nil(t, old)

	got, err := store.FindByNormalizedText(ctx, "second")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "r2", got.LastTurnID)
	assert.False(t, mr.Exists("test:text:"+session.Fingerprint("first")))
}

func TestFirstInsertedWins(t *testing.T) {
	_, store := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, session.Record{ThreadID: "chat-a", NormalizedText: "same"}))
	require.NoError(t, store.Upsert(ctx, session.Record{ThreadID: "chat-b", NormalizedText: "same"}))
	require.NoError(t, store.Upsert(ctx, session.Record{ThreadID: "chat-a", LastTurnID: "again", NormalizedText: "same"}))

	got, err := store.FindByNormalizedText(ctx, "same")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "chat-a", got.ThreadID)
	assert.Equal(t, "again", got.LastTurnID)
}

func TestDeleteAndClear(t *testing.T) {
	mr, store := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, session.Record{ThreadID: "chat-a", NormalizedText: "a"}))
	require.NoError(t, store.Upsert(ctx, session.Record{ThreadID: "chat-b", NormalizedText: "b"}))
	mr.Set("other:key", "keep")

	require.NoError(t, store.Delete(ctx, "chat-a"))
	require.NoError(t, store.Delete(ctx, "missing"))
	got, err := store.FindByNormalizedText(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, store.Clear(ctx))
	got, err = store.FindByNormalizedText(ctx, "b")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.True(t, mr.Exists("other:key"))
}

func TestUpsertRequiresThreadID(t *testing.T) {
	_, store := setupTestRedis(t)
	assert.Error(t, store.Upsert(context.Background(), session.Record{NormalizedText: "x"}))
}

func TestFindSurfacesErrors(t *testing.T) {
	mr, store := setupTestRedis(t)
	mr.Close()
	_, err := store.FindByNormalizedText(context.Background(), "anything")
	assert.Error(t, err)
}
