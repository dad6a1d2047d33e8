package boltstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/wwwzhouhui/qwen3-reverse/internal/session"
)

var (
	bucketThreads = []byte("threads")
	bucketByText  = []byte("by_text")
)

// Store implements session.Store in a single BoltDB file. by_text keys are
// <fingerprint>/<8-byte big-endian sequence> so a prefix scan yields threads in
// first-insert order.
type Store struct {
	db *bolt.DB
}

type storedRecord struct {
	Seq            uint64 `json:"seq"`
	ThreadID       string `json:"chat_id"`
	Title          string `json:"title"`
	CreatedAt      int64  `json:"created_at"`
	UpdatedAt      int64  `json:"updated_at"`
	ThreadKind     string `json:"chat_type"`
	LastTurnID     string `json:"current_response_id"`
	NormalizedText string `json:"normalized_text"`
}

// New opens (or creates) the bolt file at path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketThreads); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketByText)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the file lock.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the file is still open.
func (s *Store) Ping(context.Context) error {
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketThreads) == nil {
			return errors.New("threads bucket missing")
		}
		return nil
	})
}

func indexKey(normalized string, seq uint64) []byte {
	fp := session.Fingerprint(normalized)
	key := make([]byte, 0, len(fp)+1+8)
	key = append(key, fp...)
	key = append(key, '/')
	return binary.BigEndian.AppendUint64(key, seq)
}

func decode(raw []byte) (*storedRecord, error) {
	var rec storedRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Upsert overwrites the record for rec.ThreadID, keeping its original sequence.
func (s *Store) Upsert(_ context.Context, rec session.Record) error {
	if rec.ThreadID == "" {
		return errors.New("session upsert requires thread id")
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		threads := tx.Bucket(bucketThreads)
		byText := tx.Bucket(bucketByText)

		var seq uint64
		if raw := threads.Get([]byte(rec.ThreadID)); raw != nil {
			prev, err := decode(raw)
			if err != nil {
				return err
			}
			seq = prev.Seq
			if err := byText.Delete(indexKey(prev.NormalizedText, prev.Seq)); err != nil {
				return err
			}
		} else {
			next, err := threads.NextSequence()
			if err != nil {
				return err
			}
			seq = next
		}

		data, err := json.Marshal(storedRecord{
			Seq:            seq,
			ThreadID:       rec.ThreadID,
			Title:          rec.Title,
			CreatedAt:      rec.CreatedAt,
			UpdatedAt:      rec.UpdatedAt,
			ThreadKind:     rec.ThreadKind,
			LastTurnID:     rec.LastTurnID,
			NormalizedText: rec.NormalizedText,
		})
		if err != nil {
			return err
		}
		if err := threads.Put([]byte(rec.ThreadID), data); err != nil {
			return err
		}
		return byText.Put(indexKey(rec.NormalizedText, seq), []byte(rec.ThreadID))
	})
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", rec.ThreadID, err)
	}
	return nil
}

// FindByNormalizedText returns the earliest inserted record carrying text.
func (s *Store) FindByNormalizedText(_ context.Context, text string) (*session.Record, error) {
	if text == "" {
		return nil, nil
	}
	var out *session.Record
	prefix := append([]byte(session.Fingerprint(text)), '/')
	err := s.db.View(func(tx *bolt.Tx) error {
		threads := tx.Bucket(bucketThreads)
		c := tx.Bucket(bucketByText).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			raw := threads.Get(v)
			if raw == nil {
				continue
			}
			rec, err := decode(raw)
			if err != nil {
				return err
			}
			if rec.NormalizedText != text {
				continue
			}
			out = &session.Record{
				ThreadID:       rec.ThreadID,
				Title:          rec.Title,
				CreatedAt:      rec.CreatedAt,
				UpdatedAt:      rec.UpdatedAt,
				ThreadKind:     rec.ThreadKind,
				LastTurnID:     rec.LastTurnID,
				NormalizedText: rec.NormalizedText,
			}
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("find session: %w", err)
	}
	return out, nil
}

// Delete removes the record and its index entry.
func (s *Store) Delete(_ context.Context, threadID string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		threads := tx.Bucket(bucketThreads)
		raw := threads.Get([]byte(threadID))
		if raw == nil {
			return nil
		}
		prev, err := decode(raw)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketByText).Delete(indexKey(prev.NormalizedText, prev.Seq)); err != nil {
			return err
		}
		return threads.Delete([]byte(threadID))
	})
	if err != nil {
		return fmt.Errorf("delete session %s: %w", threadID, err)
	}
	return nil
}

// Clear drops and recreates both buckets. The sequence restarts.
func (s *Store) Clear(context.Context) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketThreads, bucketByText} {
			if err := tx.DeleteBucket(name); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("clear sessions: %w", err)
	}
	return nil
}
