package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// ThreadKindText is the only thread kind the bridge creates.
const ThreadKindText = "t2t"

// ErrNotFound is returned by Delete implementations that distinguish missing rows.
var ErrNotFound = errors.New("session: record not found")

// Record is the persisted shadow of one upstream thread. NormalizedText is always
// the output of Normalize, never raw assistant text.
type Record struct {
	ThreadID       string
	Title          string
	CreatedAt      int64
	UpdatedAt      int64
	ThreadKind     string
	LastTurnID     string
	NormalizedText string
}

// Store persists one Record per thread id. Each call is atomic on its own.
type Store interface {
	// Upsert replaces the whole record keyed by ThreadID.
	Upsert(ctx context.Context, rec Record) error
	// FindByNormalizedText returns the first record whose normalized text equals
	// text, or nil when nothing matches.
	FindByNormalizedText(ctx context.Context, text string) (*Record, error)
	Delete(ctx context.Context, threadID string) error
	Clear(ctx context.Context) error
	Close() error
}

// Pinger is implemented by stores that can report liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewRecord builds a record from raw assistant text. Tool-use blocks are stripped
// before normalization.
func NewRecord(threadID, lastTurnID, title, kind, assistantText string, now time.Time) Record {
	if kind == "" {
		kind = ThreadKindText
	}
	ts := now.Unix()
	return Record{
		ThreadID:       threadID,
		Title:          title,
		CreatedAt:      ts,
		UpdatedAt:      ts,
		ThreadKind:     kind,
		LastTurnID:     lastTurnID,
		NormalizedText: Normalize(StripToolUse(assistantText)),
	}
}

// Fingerprint is the index key used by key-value backends.
func Fingerprint(normalized string) string {
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
