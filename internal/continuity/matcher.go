// Package continuity maps a stateless, fully resent chat history onto an
// upstream thread by comparing the last assistant turn against stored records.
package continuity

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wwwzhouhui/qwen3-reverse/internal/apierr"
	"github.com/wwwzhouhui/qwen3-reverse/internal/metrics"
	"github.com/wwwzhouhui/qwen3-reverse/internal/openai"
	"github.com/wwwzhouhui/qwen3-reverse/internal/session"
)

// Resolution is the outcome of a lookup. Found is false for "start new thread".
type Resolution struct {
	ThreadID   string
	LastTurnID string
	Found      bool
}

// Matcher resolves histories against a session.Store.
type Matcher struct {
	store    session.Store
	logger   *zap.Logger
	metrics  *metrics.Collector
	degraded atomic.Bool
}

// New builds a matcher. logger and m may be nil.
func New(store session.Store, logger *zap.Logger, m *metrics.Collector) *Matcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Matcher{store: store, logger: logger.Named("continuity"), metrics: m}
}

// Degrade makes every later Resolve start a new thread without consulting the store.
func (m *Matcher) Degrade(reason error) {
	if m.degraded.CompareAndSwap(false, true) {
		m.logger.Warn("continuity degraded, new threads only until restart", zap.Error(reason))
	}
}

// Degraded reports whether Degrade was called.
func (m *Matcher) Degraded() bool {
	return m.degraded.Load()
}

// LastAssistantText returns the content of the most recent assistant turn.
func LastAssistantText(messages []openai.ChatMessage) (string, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "assistant" {
			return messages[i].Content.PlainText(), true
		}
	}
	return "", false
}

// Resolve returns the thread a history continues. A store read failure is
// returned as a server-side error; no match is not an error.
func (m *Matcher) Resolve(ctx context.Context, messages []openai.ChatMessage) (Resolution, error) {
	if m.degraded.Load() || m.store == nil {
		m.metrics.RecordLookup(metrics.LookupDegraded)
		return Resolution{}, nil
	}
	text, ok := LastAssistantText(messages)
	if !ok {
		m.metrics.RecordLookup(metrics.LookupNoPrior)
		return Resolution{}, nil
	}
	normalized := session.Normalize(text)
	if normalized == "" {
		m.metrics.RecordLookup(metrics.LookupNoPrior)
		return Resolution{}, nil
	}

	rec, err := m.store.FindByNormalizedText(ctx, normalized)
	if err != nil {
		m.metrics.RecordLookup(metrics.LookupError)
		return Resolution{}, apierr.Wrap(apierr.KindPersistence, "session lookup failed", err)
	}
	if rec == nil {
		m.metrics.RecordLookup(metrics.LookupMiss)
		m.logger.Debug("no stored thread for history")
		return Resolution{}, nil
	}
	m.metrics.RecordLookup(metrics.LookupHit)
	m.logger.Debug("continuing thread", zap.String("thread_id", rec.ThreadID))
	return Resolution{ThreadID: rec.ThreadID, LastTurnID: rec.LastTurnID, Found: true}, nil
}
