package oss

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wwwzhouhui/qwen3-reverse/internal/apierr"
	"github.com/wwwzhouhui/qwen3-reverse/internal/metrics"
)

// MultipartThreshold is the size above which the multipart path is chosen.
const MultipartThreshold = 5 << 20

// Strategy is one way of getting bytes into the bucket.
type Strategy interface {
	Name() string
	Upload(ctx context.Context, obj Object, cred Credential) (Result, error)
}

// Coordinator picks a strategy and falls back to the other one exactly once.
type Coordinator struct {
	single    Strategy
	multipart Strategy
	logger    *zap.Logger
	metrics   *metrics.Collector

	rejectExpired bool
	now           func() time.Time
}

// CoordinatorConfig wires the two strategies.
type CoordinatorConfig struct {
	Single    Strategy
	Multipart Strategy
	Logger    *zap.Logger
	Metrics   *metrics.Collector
	// RejectExpired fails uploads whose credential expiry already passed.
	RejectExpired bool
	Now           func() time.Time
}

// NewCoordinator validates cfg.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Single == nil || cfg.Multipart == nil {
		return nil, errors.New("oss: both upload strategies are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Coordinator{
		single:        cfg.Single,
		multipart:     cfg.Multipart,
		logger:        logger.Named("upload"),
		metrics:       cfg.Metrics,
		rejectExpired: cfg.RejectExpired,
		now:           now,
	}, nil
}

// Choose returns the primary and fallback strategy for obj.
func (c *Coordinator) Choose(obj Object) (primary, fallback Strategy) {
	if obj.Video || len(obj.Data) > MultipartThreshold {
		return c.multipart, c.single
	}
	return c.single, c.multipart
}

// Upload stores obj and returns the URL clients should use: the credential's
// pre-signed URL when present, else the bucket URL.
func (c *Coordinator) Upload(ctx context.Context, obj Object, cred Credential) (Result, error) {
	if err := cred.Validate(); err != nil {
		return Result{}, err
	}
	if c.rejectExpired && cred.Expired(c.now()) {
		return Result{}, apierr.New(apierr.KindUpload, "upload credential already expired")
	}

	primary, fallback := c.Choose(obj)
	log := c.logger.With(
		zap.String("filename", obj.Filename),
		zap.Int("bytes", len(obj.Data)),
		zap.String("strategy", primary.Name()),
	)

	res, err := primary.Upload(ctx, obj, cred)
	c.metrics.RecordUpload(primary.Name(), err, len(obj.Data))
	if err != nil {
		if apierr.Is(err, apierr.KindSigningPrecondition) || ctx.Err() != nil {
			return Result{}, c.failure(err)
		}
		log.Warn("upload failed, trying alternate strategy", zap.Error(err), zap.String("fallback", fallback.Name()))
		c.metrics.RecordUploadFallback()

		var ferr error
		res, ferr = fallback.Upload(ctx, obj, cred)
		c.metrics.RecordUpload(fallback.Name(), ferr, len(obj.Data))
		if ferr != nil {
			return Result{}, c.failure(fmt.Errorf("%s: %w; %s: %w", primary.Name(), err, fallback.Name(), ferr))
		}
	}

	if cred.PresignedURL != "" {
		res.URL = cred.PresignedURL
	}
	log.Info("upload complete", zap.String("used", res.Strategy), zap.Int("parts", res.Parts))
	return res, nil
}

func (c *Coordinator) failure(err error) error {
	if apierr.Is(err, apierr.KindSigningPrecondition) {
		return err
	}
	return apierr.Wrap(apierr.KindUpload, "file upload failed", err)
}
