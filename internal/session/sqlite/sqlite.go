package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/wwwzhouhui/qwen3-reverse/internal/session"
)

// Store implements session.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite store at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS chat_sessions (
	chat_id TEXT PRIMARY KEY,
	title TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL DEFAULT 0,
	chat_type TEXT NOT NULL DEFAULT '',
	current_response_id TEXT NOT NULL DEFAULT '',
	normalized_text TEXT NOT NULL DEFAULT '',
	fingerprint TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_chat_sessions_fingerprint ON chat_sessions(fingerprint);
`

func (s *Store) initSchema() error {
	cols, err := s.columns("chat_sessions")
	if err != nil {
		return err
	}
	if len(cols) > 0 && !cols["fingerprint"] {
		return s.migrateLegacy(cols)
	}
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) columns(table string) (map[string]bool, error) {
	rows, err := s.db.Query(`SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return nil, fmt.Errorf("inspect %s: %w", table, err)
	}
	defer rows.Close()
	cols := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("inspect %s: %w", table, err)
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

// migrateLegacy rebuilds a table written by the older service, which kept the
// raw assistant text in last_assistant_content and had no fingerprint column.
// Rows are renormalized in rowid order so lookup order survives.
func (s *Store) migrateLegacy(cols map[string]bool) error {
	content := "''"
	if cols["last_assistant_content"] {
		content = "COALESCE(last_assistant_content, '')"
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("migrate sessions: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`ALTER TABLE chat_sessions RENAME TO chat_sessions_legacy`); err != nil {
		return fmt.Errorf("migrate sessions: rename: %w", err)
	}
	if _, err := tx.Exec(schema); err != nil {
		return fmt.Errorf("migrate sessions: apply schema: %w", err)
	}
	rows, err := tx.Query(`
SELECT chat_id, COALESCE(title, ''), COALESCE(created_at, 0), COALESCE(updated_at, 0),
	COALESCE(chat_type, ''), COALESCE(current_response_id, ''), ` + content + `
FROM chat_sessions_legacy
ORDER BY rowid ASC`)
	if err != nil {
		return fmt.Errorf("migrate sessions: read legacy rows: %w", err)
	}
	var recs []session.Record
	for rows.Next() {
		var rec session.Record
		var text string
		if err := rows.Scan(&rec.ThreadID, &rec.Title, &rec.CreatedAt, &rec.UpdatedAt, &rec.ThreadKind, &rec.LastTurnID, &text); err != nil {
			rows.Close()
			return fmt.Errorf("migrate sessions: scan: %w", err)
		}
		rec.NormalizedText = session.Normalize(session.StripToolUse(text))
		recs = append(recs, rec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("migrate sessions: %w", err)
	}
	for _, rec := range recs {
		if _, err := tx.Exec(`
INSERT INTO chat_sessions(chat_id, title, created_at, updated_at, chat_type, current_response_id, normalized_text, fingerprint)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ThreadID, rec.Title, rec.CreatedAt, rec.UpdatedAt, rec.ThreadKind, rec.LastTurnID,
			rec.NormalizedText, session.Fingerprint(rec.NormalizedText)); err != nil {
			return fmt.Errorf("migrate sessions: insert %s: %w", rec.ThreadID, err)
		}
	}
	if _, err := tx.Exec(`DROP TABLE chat_sessions_legacy`); err != nil {
		return fmt.Errorf("migrate sessions: drop legacy: %w", err)
	}
	return tx.Commit()
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Upsert overwrites the record for rec.ThreadID. The row keeps its rowid so
// lookup order stays insertion order.
func (s *Store) Upsert(ctx context.Context, rec session.Record) error {
	if rec.ThreadID == "" {
		return errors.New("session upsert requires thread id")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO chat_sessions(chat_id, title, created_at, updated_at, chat_type, current_response_id, normalized_text, fingerprint)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(chat_id) DO UPDATE SET
	title = excluded.title,
	created_at = excluded.created_at,
	updated_at = excluded.updated_at,
	chat_type = excluded.chat_type,
	current_response_id = excluded.current_response_id,
	normalized_text = excluded.normalized_text,
	fingerprint = excluded.fingerprint`,
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
	row := s.db.QueryRowContext(ctx, `
SELECT chat_id, title, created_at, updated_at, chat_type, current_response_id, normalized_text
FROM chat_sessions
WHERE fingerprint = ? AND normalized_text = ?
ORDER BY rowid ASC
LIMIT 1`, session.Fingerprint(text), text)

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

// Delete removes the record for threadID. Missing rows are not an error.
func (s *Store) Delete(ctx context.Context, threadID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chat_sessions WHERE chat_id = ?`, threadID); err != nil {
		return fmt.Errorf("delete session %s: %w", threadID, err)
	}
	return nil
}

// Clear removes every record.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chat_sessions`); err != nil {
		return fmt.Errorf("clear sessions: %w", err)
	}
	return nil
}

// Count returns the number of stored records.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_sessions`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
