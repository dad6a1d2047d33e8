// Package core wires continuity matching, uploads and stream translation into
// the chat exchanges served over HTTP.
package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wwwzhouhui/qwen3-reverse/internal/apierr"
	"github.com/wwwzhouhui/qwen3-reverse/internal/continuity"
	"github.com/wwwzhouhui/qwen3-reverse/internal/metrics"
	"github.com/wwwzhouhui/qwen3-reverse/internal/oss"
	"github.com/wwwzhouhui/qwen3-reverse/internal/qwen"
	"github.com/wwwzhouhui/qwen3-reverse/internal/session"
)

// Upstream is the subset of *qwen.Client the bridge drives.
type Upstream interface {
	RequireAccount() (*qwen.Account, error)
	ResolveModel(name string) string
	CreateChat(ctx context.Context, model, title string) (string, error)
	DeleteChat(ctx context.Context, chatID string) (bool, error)
	Completion(ctx context.Context, req qwen.CompletionRequest) (io.ReadCloser, error)
	STSToken(ctx context.Context, filename string, size int64, fileType string) (qwen.STSGrant, error)
	ListChats(ctx context.Context, page int) ([]qwen.ChatSummary, error)
	GetChat(ctx context.Context, chatID string) (qwen.ChatDetail, error)
}

// Uploader stores a blob with an STS credential.
type Uploader interface {
	Upload(ctx context.Context, obj oss.Object, cred oss.Credential) (oss.Result, error)
}

// Config wires a Bridge.
type Config struct {
	Upstream Upstream
	Store    session.Store
	Matcher  *continuity.Matcher
	Uploader Uploader
	Logger   *zap.Logger
	Metrics  *metrics.Collector

	// DeleteAfterChat removes the upstream thread after each exchange and
	// keeps no session record.
	DeleteAfterChat bool
	SyncConcurrency int
	MaxImageBytes   int64
	Now             func() time.Time
}

// Bridge is the process-wide chat bridge. It holds no per-exchange state.
type Bridge struct {
	upstream Upstream
	store    session.Store
	matcher  *continuity.Matcher
	uploader Uploader
	logger   *zap.Logger
	metrics  *metrics.Collector

	deleteAfterChat bool
	syncConcurrency int
	maxImageBytes   int64
	now             func() time.Time
}

// DefaultMaxImageBytes caps the image upload form.
const DefaultMaxImageBytes = 10 << 20

// New validates cfg.
func New(cfg Config) (*Bridge, error) {
	if cfg.Upstream == nil {
		return nil, errors.New("core: upstream is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("core: session store is required")
	}
	if cfg.Uploader == nil {
		return nil, errors.New("core: uploader is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	matcher := cfg.Matcher
	if matcher == nil {
		matcher = continuity.New(cfg.Store, logger, cfg.Metrics)
	}
	b := &Bridge{
		upstream:        cfg.Upstream,
		store:           cfg.Store,
		matcher:         matcher,
		uploader:        cfg.Uploader,
		logger:          logger.Named("bridge"),
		metrics:         cfg.Metrics,
		deleteAfterChat: cfg.DeleteAfterChat,
		syncConcurrency: cfg.SyncConcurrency,
		maxImageBytes:   cfg.MaxImageBytes,
		now:             cfg.Now,
	}
	if b.syncConcurrency <= 0 {
		b.syncConcurrency = 4
	}
	if b.maxImageBytes <= 0 {
		b.maxImageBytes = DefaultMaxImageBytes
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b, nil
}

// Matcher exposes the continuity matcher for health reporting.
func (b *Bridge) Matcher() *continuity.Matcher { return b.matcher }

// DeleteChat deletes a thread upstream and, on success, its local record.
func (b *Bridge) DeleteChat(ctx context.Context, chatID string) (bool, error) {
	if strings.TrimSpace(chatID) == "" {
		return false, apierr.New(apierr.KindInvalidRequest, "chat id is required")
	}
	ok, err := b.upstream.DeleteChat(ctx, chatID)
	if err != nil {
		return false, err
	}
	if !ok {
		b.logger.Info("upstream refused delete", zap.String("chat_id", chatID))
		return false, nil
	}
	if err := b.store.Delete(ctx, chatID); err != nil {
		return true, apierr.Wrap(apierr.KindPersistence, fmt.Sprintf("delete local record %s", chatID), err)
	}
	return true, nil
}

// Models lists the live upstream models.
func (b *Bridge) Models() ([]qwen.ModelInfo, error) {
	acct, err := b.upstream.RequireAccount()
	if err != nil {
		return nil, err
	}
	return acct.Models, nil
}

// STSToken returns the raw upstream grant for passthrough.
func (b *Bridge) STSToken(ctx context.Context, filename string, size int64, fileType string) ([]byte, error) {
	if fileType == "" {
		fileType = "image"
	}
	grant, err := b.upstream.STSToken(ctx, filename, size, fileType)
	if err != nil {
		return nil, err
	}
	return grant.Raw, nil
}
