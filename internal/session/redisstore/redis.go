package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/wwwzhouhui/qwen3-reverse/internal/session"
)

// DefaultPrefix namespaces every key the store writes.
const DefaultPrefix = "qwen:session"

const maxTxRetries = 5

// Store implements session.Store on Redis. Each thread is a JSON value under
// <prefix>:thread:<id>; a sorted set per text fingerprint orders threads by the
// sequence number assigned on first insert.
type Store struct {
	client redis.UniversalClient
	prefix string
}

type storedRecord struct {
	Seq            int64  `json:"seq"`
	ThreadID       string `json:"chat_id"`
	Title          string `json:"title"`
	CreatedAt      int64  `json:"created_at"`
	UpdatedAt      int64  `json:"updated_at"`
	ThreadKind     string `json:"chat_type"`
	LastTurnID     string `json:"current_response_id"`
	NormalizedText string `json:"normalized_text"`
}

// New dials Redis with opts and verifies the connection.
func New(ctx context.Context, opts *redis.Options, prefix string) (*Store, error) {
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return NewWithClient(client, prefix), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) threadKey(id string) string { return s.prefix + ":thread:" + id }
func (s *Store) textKey(fp string) string   { return s.prefix + ":text:" + fp }
func (s *Store) seqKey() string             { return s.prefix + ":seq" }

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *Store) load(ctx context.Context, g getter, threadID string) (*storedRecord, error) {
	raw, err := g.Get(ctx, s.threadKey(threadID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec storedRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", threadID, err)
	}
	return &rec, nil
}

// Upsert overwrites the record for rec.ThreadID and moves its index entry.
func (s *Store) Upsert(ctx context.Context, rec session.Record) error {
	if rec.ThreadID == "" {
		return errors.New("session upsert requires thread id")
	}
	key := s.threadKey(rec.ThreadID)
	fp := session.Fingerprint(rec.NormalizedText)

	txf := func(tx *redis.Tx) error {
		prev, err := s.load(ctx, tx, rec.ThreadID)
		if err != nil {
			return err
		}
		var seq int64
		if prev != nil {
			seq = prev.Seq
		} else {
			seq, err = s.client.Incr(ctx, s.seqKey()).Result()
			if err != nil {
				return err
			}
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
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if prev != nil {
				if oldFP := session.Fingerprint(prev.NormalizedText); oldFP != fp {
					pipe.ZRem(ctx, s.textKey(oldFP), rec.ThreadID)
				}
			}
			pipe.Set(ctx, key, data, 0)
			pipe.ZAdd(ctx, s.textKey(fp), redis.Z{Score: float64(seq), Member: rec.ThreadID})
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("upsert session %s: %w", rec.ThreadID, err)
		}
		return nil
	}
	return fmt.Errorf("upsert session %s: too much contention", rec.ThreadID)
}

// FindByNormalizedText returns the lowest-sequence thread whose text equals text.
func (s *Store) FindByNormalizedText(ctx context.Context, text string) (*session.Record, error) {
	if text == "" {
		return nil, nil
	}
	ids, err := s.client.ZRange(ctx, s.textKey(session.Fingerprint(text)), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("find session: %w", err)
	}
	for _, id := range ids {
		rec, err := s.load(ctx, s.client, id)
		if err != nil {
			return nil, fmt.Errorf("find session: %w", err)
		}
		if rec == nil || rec.NormalizedText != text {
			continue
		}
		return &session.Record{
			ThreadID:       rec.ThreadID,
			Title:          rec.Title,
			CreatedAt:      rec.CreatedAt,
			UpdatedAt:      rec.UpdatedAt,
			ThreadKind:     rec.ThreadKind,
			LastTurnID:     rec.LastTurnID,
			NormalizedText: rec.NormalizedText,
		}, nil
	}
	return nil, nil
}

// Delete removes the record and its index entry.
func (s *Store) Delete(ctx context.Context, threadID string) error {
	key := s.threadKey(threadID)
	txf := func(tx *redis.Tx) error {
		prev, err := s.load(ctx, tx, threadID)
		if err != nil || prev == nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.ZRem(ctx, s.textKey(session.Fingerprint(prev.NormalizedText)), threadID)
			return nil
		})
		return err
	}
	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("delete session %s: %w", threadID, err)
		}
		return nil
	}
	return fmt.Errorf("delete session %s: too much contention", threadID)
}

// Clear removes every key under the prefix.
func (s *Store) Clear(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+":*", 200).Result()
		if err != nil {
			return fmt.Errorf("clear sessions: %w", err)
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("clear sessions: %w", err)
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}
