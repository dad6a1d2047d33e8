package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"

	"github.com/wwwzhouhui/qwen3-reverse/internal/session"
)

// DefaultTable is used when Options.Table is empty.
const DefaultTable = "chat_sessions"

// Options tunes the connection pool. Zero values keep database/sql defaults.
type Options struct {
	Table           string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Store implements session.Store backed by PostgreSQL.
type Store struct {
	db    *sql.DB
	table string
}

// New opens a PostgreSQL-backed session store using the provided DSN.
func New(dsn string, opts Options) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}
	if opts.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(opts.ConnMaxIdleTime)
	}

	s := newStore(db, opts.Table)
	if err := s.initSchema(context.Background()); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func newStore(db *sql.DB, table string) *Store {
	if table == "" {
		table = DefaultTable
	}
	return &Store{db: db, table: pq.QuoteIdentifier(table)}
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	seq BIGSERIAL,
	chat_id TEXT PRIMARY KEY,
	title TEXT NOT NULL DEFAULT '',
	created_at BIGINT NOT NULL DEFAULT 0,
	updated_at BIGINT NOT NULL DEFAULT 0,
	chat_type TEXT NOT NULL DEFAULT '',
	current_response_id TEXT NOT NULL DEFAULT '',
	normalized_text TEXT NOT NULL DEFAULT '',
	fingerprint TEXT NOT NULL DEFAULT ''
)`, s.table)
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	index := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s(fingerprint, seq)`,
		pq.QuoteIdentifier("idx_"+unquote(s.table)+"_fingerprint"), s.table)
	if _, err := s.db.ExecContext(ctx, index); err != nil {
		return fmt.Errorf("apply index: %w", err)
	}
	return nil
}

func unquote(ident string) string {
	if len(ident) >= 2 && ident[0] == '"' && ident[len(ident)-1] == '"' {
		return ident[1 : len(ident)-1]
	}
	return ident
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Upsert overwrites the record for rec.ThreadID; seq is left untouched on conflict.
func (s *Store) Upsert(ctx context.Context, rec session.Record) error {
	if rec.ThreadID == "" {
		return errors.New("session upsert requires thread id")
	}
	query := fmt.Sprintf(`
INSERT INTO %s(chat_id, title, created_at, updated_at, chat_type, current_response_id, normalized_text, fingerprint)
VALUES($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (chat_id) DO UPDATE SET
	title = EXCLUDED.title,
	created_at = EXCLUDED.created_at,
	updated_at = EXCLUDED.updated_at,
	chat_type = EXCLUDED.chat_type,
	current_response_id = EXCLUDED.current_response_id,
	normalized_text = EXCLUDED.normalized_text,
	fingerprint = EXCLUDED.fingerprint`, s.table)
	_, err := s.db.ExecContext(ctx, query,
		rec.ThreadID,
		rec.Title,
		rec.CreatedAt,
		rec.UpdatedAt,
		rec.ThreadKind,
		rec.LastTurnID,
		rec.NormalizedText,
		session.Fingerprint(rec.NormalizedText),
	)
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", rec.ThreadID, err)
	}
	return nil
}

// FindByNormalizedText returns the earliest inserted record carrying text.
func (s *Store) FindByNormalizedText(ctx context.Context, text string) (*session.Record, error) {
	if text == "" {
		return nil, nil
	}
	query := fmt.Sprintf(`
SELECT chat_id, title, created_at, updated_at, chat_type, current_response_id, normalized_text
FROM %s
WHERE fingerprint = $1 AND normalized_text = $2
ORDER BY seq ASC
LIMIT 1`, s.table)
	row := s.db.QueryRowContext(ctx, query, session.Fingerprint(text), text)

	var rec session.Record
	err := row.Scan(&rec.ThreadID, &rec.Title, &rec.CreatedAt, &rec.UpdatedAt, &rec.ThreadKind, &rec.LastTurnID, &rec.NormalizedText)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find session: %w", err)
	}
	return &rec, nil
}

// Delete removes the record for threadID.
func (s *Store) Delete(ctx context.Context, threadID string) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE chat_id = $1`, s.table), threadID); err != nil {
		return fmt.Errorf("delete session %s: %w", threadID, err)
	}
	return nil
}

// Clear removes every record.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, s.table)); err != nil {
		return fmt.Errorf("clear sessions: %w", err)
	}
	return nil
}
