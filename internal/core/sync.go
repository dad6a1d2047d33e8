package core

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wwwzhouhui/qwen3-reverse/internal/apierr"
	"github.com/wwwzhouhui/qwen3-reverse/internal/qwen"
	"github.com/wwwzhouhui/qwen3-reverse/internal/session"
)

// SyncHistory rebuilds the session store from the upstream chat history and
// returns the number of records written. Threads whose details cannot be
// fetched are skipped. Records are written in listing order.
func (b *Bridge) SyncHistory(ctx context.Context) (int, error) {
	if err := b.store.Clear(ctx); err != nil {
		return 0, apierr.Wrap(apierr.KindPersistence, "clear session store", err)
	}

	var summaries []qwen.ChatSummary
	for page := 1; ; page++ {
		batch, err := b.upstream.ListChats(ctx, page)
		if err != nil {
			return 0, err
		}
		if len(batch) == 0 {
			break
		}
		summaries = append(summaries, batch...)
	}

	details := make([]*qwen.ChatDetail, len(summaries))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.syncConcurrency)
	for i, s := range summaries {
		g.Go(func() error {
			d, err := b.upstream.GetChat(gctx, s.ID)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				b.logger.Warn("skip chat during sync", zap.String("chat_id", s.ID), zap.Error(err))
				return nil
			}
			details[i] = &d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	written := 0
	for i, s := range summaries {
		d := details[i]
		if d == nil || d.LastAssistant == "" {
			continue
		}
		kind := s.ChatType
		if kind == "" {
			kind = session.ThreadKindText
		}
		rec := session.Record{
			ThreadID:       s.ID,
			Title:          s.Title,
			CreatedAt:      s.CreatedAt,
			UpdatedAt:      s.UpdatedAt,
			ThreadKind:     kind,
			LastTurnID:     d.CurrentID,
			NormalizedText: session.Normalize(session.StripToolUse(d.LastAssistant)),
		}
		if err := b.store.Upsert(ctx, rec); err != nil {
			return written, apierr.Wrap(apierr.KindPersistence, "write synced session", err)
		}
		written++
	}
	b.logger.Info("history synced", zap.Int("threads", len(summaries)), zap.Int("records", written))
	return written, nil
}
