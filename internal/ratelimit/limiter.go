// Package ratelimit throttles client requests per bearer token.
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
)

// Store holds token buckets. Implementations are in-memory (single instance)
// or Redis (shared between instances).
type Store interface {
	// Allow consumes one token of key and reports the tokens left.
	Allow(ctx context.Context, key string, capacity, refillRate float64) (allowed bool, remaining float64, err error)
	Reset(ctx context.Context, key string) error
	Close() error
}

// Config configures a Limiter.
type Config struct {
	// Store defaults to a MemoryStore.
	Store             Store
	RequestsPerSecond float64
	Burst             float64
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Limit     float64
	Remaining float64
	// Err is set when the store failed; the request is allowed.
	Err error
}

// Limiter applies one bucket per client key.
type Limiter struct {
	store      Store
	capacity   float64
	refillRate float64
}

// NewLimiter applies defaults of 1 request per second with a burst of 5.
func NewLimiter(cfg Config) *Limiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 1
	}
	if cfg.Burst < 1 {
		cfg.Burst = 5
	}
	store := cfg.Store
	if store == nil {
		store = NewMemoryStore()
	}
	return &Limiter{store: store, capacity: cfg.Burst, refillRate: cfg.RequestsPerSecond}
}

// Allow consumes one token for key. Store failures fail open.
func (l *Limiter) Allow(ctx context.Context, key string) Decision {
	allowed, remaining, err := l.store.Allow(ctx, key, l.capacity, l.refillRate)
	if err != nil {
		return Decision{Allowed: true, Limit: l.capacity, Remaining: l.capacity, Err: err}
	}
	return Decision{Allowed: allowed, Limit: l.capacity, Remaining: remaining}
}

// Reset refills the bucket of key.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	return l.store.Reset(ctx, key)
}

// Close releases the store.
func (l *Limiter) Close() error {
	return l.store.Close()
}

// ClientKey derives a bucket key from a bearer token so raw tokens never reach
// the store.
func ClientKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "tok:" + hex.EncodeToString(sum[:8])
}
