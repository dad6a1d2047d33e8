package boltstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wwwzhouhui/qwen3-reverse/internal/session"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conv", "sessions.bolt")
	store, err := New(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, path
}

func TestUpsertFindDelete(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	rec := session.Record{
		ThreadID:       "chat-1",
		Title:          "t",
		CreatedAt:      5,
		UpdatedAt:      6,
		ThreadKind:     session.ThreadKindText,
		LastTurnID:     "resp-1",
		NormalizedText: "answer text",
	}
	require.NoError(t, store.Upsert(ctx, rec))

	got, err := store.FindByNormalizedText(ctx, "answer text")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec, *got)

	require.NoError(t, store.Delete(ctx, "chat-1"))
	got, err = store.FindByNormalizedText(ctx, "answer text")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestOverwriteKeepsOrder(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, session.Record{ThreadID: "chat-a", NormalizedText: "old"}))
	require.NoError(t, store.Upsert(ctx, session.Record{ThreadID: "chat-b", NormalizedText: "same"}))
	// chat-a was inserted first, so it wins once its text matches.
	require.NoError(t, store.Upsert(ctx, session.Record{ThreadID: "chat-a", NormalizedText: "same"}))

	got, err := store.FindByNormalizedText(ctx, "same")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "chat-a", got.ThreadID)

	old, err := store.FindByNormalizedText(ctx, "old")
	require.NoError(t, err)
	assert.Nil(t, old)
}

func TestClear(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Upsert(ctx, session.Record{ThreadID: "chat-a", NormalizedText: "a"}))
	require.NoError(t, store.Clear(ctx))

	got, err := store.FindByNormalizedText(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, got)
	require.NoError(t, store.Upsert(ctx, session.Record{ThreadID: "chat-a", NormalizedText: "a"}))
	assert.NoError(t, store.Ping(ctx))
}

func TestReopen(t *testing.T) {
	store, path := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Upsert(ctx, session.Record{ThreadID: "chat-a", NormalizedText: "kept"}))
	require.NoError(t, store.Close())

	reopened, err := New(path)
	require.NoError(t, err)
	defer reopened.Close()
	got, err := reopened.FindByNormalizedText(ctx, "kept")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "chat-a", got.ThreadID)
}
