package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wwwzhouhui/qwen3-reverse/internal/session"
)

func setupMockStore(t *testing.T, table string) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return newStore(db, table), mock
}

func TestInitSchemaQuotesTable(t *testing.T) {
	store, mock := setupMockStore(t, "Sessions")
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS "Sessions"`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`CREATE INDEX IF NOT EXISTS "idx_Sessions_fingerprint" ON "Sessions"(fingerprint, seq)`)).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.initSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsert(t *testing.T) {
	store, mock := setupMockStore(t, "")
	rec := session.Record{
		ThreadID:       "chat-1",
		Title:          "title",
		CreatedAt:      10,
		UpdatedAt:      20,
		ThreadKind:     session.ThreadKindText,
		LastTurnID:     "resp-1",
		NormalizedText: "hello",
	}
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "chat_sessions"`)).
		WithArgs("chat-1", "title", int64(10), int64(20), "t2t", "resp-1", "hello", session.Fingerprint("hello")).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, store.Upsert(context.Background(), rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertRequiresThreadID(t *testing.T) {
	store, mock := setupMockStore(t, "")
	assert.Error(t, store.Upsert(context.Background(), session.Record{}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindByNormalizedText(t *testing.T) {
	store, mock := setupMockStore(t, "")
	rows := sqlmock.NewRows([]string{"chat_id", "title", "created_at", "updated_at", "chat_type", "current_response_id", "normalized_text"}).
		AddRow("chat-1", "title", int64(10), int64(20), "t2t", "resp-1", "hello")
	mock.ExpectQuery(regexp.QuoteMeta(`ORDER BY seq ASC`)).
		WithArgs(session.Fingerprint("hello"), "hello").
		WillReturnRows(rows)

	got, err := store.FindByNormalizedText(context.Background(), "hello")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "chat-1", got.ThreadID)
	assert.Equal(t, "resp-1", got.LastTurnID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindByNormalizedTextMiss(t *testing.T) {
	store, mock := setupMockStore(t, "")
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT chat_id`)).
		WillReturnRows(sqlmock.NewRows([]string{"chat_id"}))

	got, err := store.FindByNormalizedText(context.Background(), "nothing")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindByNormalizedTextError(t *testing.T) {
	store, mock := setupMockStore(t, "")
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT chat_id`)).WillReturnError(errors.New("connection reset"))

	_, err := store.FindByNormalizedText(context.Background(), "hello")
	assert.Error(t, err)
}

func TestDeleteAndClear(t *testing.T) {
	store, mock := setupMockStore(t, "")
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "chat_sessions" WHERE chat_id = $1`)).
		WithArgs("chat-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "chat_sessions"`)).
		WillReturnResult(sqlmock.NewResult(0, 3))

	require.NoError(t, store.Delete(context.Background(), "chat-1"))
	require.NoError(t, store.Clear(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
