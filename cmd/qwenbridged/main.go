package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/wwwzhouhui/qwen3-reverse/internal/config"
	"github.com/wwwzhouhui/qwen3-reverse/internal/core"
	"github.com/wwwzhouhui/qwen3-reverse/internal/health"
	"github.com/wwwzhouhui/qwen3-reverse/internal/httpserver"
	"github.com/wwwzhouhui/qwen3-reverse/internal/logging"
	"github.com/wwwzhouhui/qwen3-reverse/internal/metrics"
	"github.com/wwwzhouhui/qwen3-reverse/internal/oss"
	"github.com/wwwzhouhui/qwen3-reverse/internal/qwen"
	"github.com/wwwzhouhui/qwen3-reverse/internal/ratelimit"
	"github.com/wwwzhouhui/qwen3-reverse/internal/session"
	"github.com/wwwzhouhui/qwen3-reverse/internal/session/boltstore"
	"github.com/wwwzhouhui/qwen3-reverse/internal/session/postgres"
	"github.com/wwwzhouhui/qwen3-reverse/internal/session/redisstore"
	"github.com/wwwzhouhui/qwen3-reverse/internal/session/sqlite"
	"github.com/wwwzhouhui/qwen3-reverse/internal/version"
)

func main() {
	cfg, err := config.LoadBridgeConfig(".")
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	logger, closeLog, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
	if err != nil {
		log.Fatalf("init logging: %v", err)
	}
	defer func() { _ = closeLog() }()
	logger = logger.With(zap.String("service", "qwenbridged"))
	logger.Info("starting", zap.String("version", version.FullInfo()), zap.String("environment", cfg.Environment))

	if err := run(cfg, logger); err != nil {
		logger.Error("bridge stopped", zap.Error(err))
		_ = closeLog()
		os.Exit(1)
	}
}

func run(cfg config.BridgeConfig, logger *zap.Logger) error {
	ctx := context.Background()
	collector := metrics.NewCollector()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	logger.Info("session store ready", zap.String("backend", cfg.SessionBackend))

	resolver, err := qwen.LoadResolver(cfg.ModelAliasesFile, cfg.DefaultModel)
	if err != nil {
		return fmt.Errorf("load model aliases: %w", err)
	}
	var upstreamLimiter *rate.Limiter
	if cfg.UpstreamRPS > 0 {
		upstreamLimiter = rate.NewLimiter(rate.Limit(cfg.UpstreamRPS), cfg.UpstreamBurst)
	}
	upstreamHTTP := &http.Client{Timeout: cfg.UpstreamTimeout}
	client, err := qwen.New(qwen.Config{
		BaseURL:     cfg.BaseURL,
		Credentials: qwen.NewCredentials(cfg.AuthToken, cfg.Cookies),
		HTTPClient:  upstreamHTTP,
		Limiter:     upstreamLimiter,
		Models:      resolver,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	logger.Info("upstream credentials loaded", zap.String("token_prefix", client.Credentials().TokenPrefix()))

	refreshCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	if _, err := client.Refresh(refreshCtx); err != nil {
		logger.Warn("account bootstrap failed, chat calls will be rejected until credentials are fixed", zap.Error(err))
	}
	cancel()

	ossHTTP := &http.Client{Timeout: 10 * time.Minute}
	uploader, err := oss.NewCoordinator(oss.CoordinatorConfig{
		Single:        &oss.PostFormUploader{HTTPClient: ossHTTP},
		Multipart:     &oss.MultipartUploader{HTTPClient: ossHTTP},
		Logger:        logger,
		Metrics:       collector,
		RejectExpired: cfg.UploadRejectExpired,
	})
	if err != nil {
		return err
	}

	bridge, err := core.New(core.Config{
		Upstream:        client,
		Store:           store,
		Uploader:        uploader,
		Logger:          logger,
		Metrics:         collector,
		DeleteAfterChat: cfg.DeleteAfterChat,
		SyncConcurrency: cfg.SyncConcurrency,
		MaxImageBytes:   cfg.MaxImageBytes,
	})
	if err != nil {
		return err
	}

	if cfg.SyncOnStart && client.Account().Valid() && !cfg.DeleteAfterChat {
		n, err := bridge.SyncHistory(ctx)
		if err != nil {
			logger.Warn("history sync failed", zap.Error(err))
		} else {
			logger.Info("history synced", zap.Int("threads", n))
		}
	}

	checker := health.New(health.Config{
		Store:       store,
		Upstream:    client,
		Continuity:  bridge.Matcher(),
		UpstreamURL: cfg.BaseURL,
	})

	clientLimiter, err := newClientLimiter(cfg)
	if err != nil {
		return err
	}
	if clientLimiter != nil {
		defer clientLimiter.Close()
		logger.Info("client rate limit enabled", zap.Float64("rps", cfg.ClientRPS), zap.Int("burst", cfg.ClientBurst))
	}

	api := httpserver.New(httpserver.Options{
		Bridge:      bridge,
		Health:      checker,
		Metrics:     collector,
		Logger:      logger,
		ValidTokens: cfg.ValidTokens,
		RateLimiter: clientLimiter,
	})
	if cfg.AuthEnabled() {
		logger.Info("client authentication enabled", zap.Int("tokens", len(cfg.ValidTokens)))
	} else {
		logger.Warn("client authentication disabled: no valid tokens configured")
	}

	// No write timeout: streamed answers can run for minutes.
	srv := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           api.Router(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("bridge listening", zap.String("addr", cfg.HTTPAddress))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case sig := <-sigs:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
	}
	return nil
}

func openStore(ctx context.Context, cfg config.BridgeConfig) (session.Store, error) {
	switch cfg.SessionBackend {
	case config.BackendPostgres:
		return postgres.New(cfg.SessionDSN, postgres.Options{Table: cfg.SessionTable, MaxOpenConns: 10, MaxIdleConns: 5, ConnMaxLifetime: time.Hour})
	case config.BackendRedis:
		opts, err := redis.ParseURL(cfg.SessionDSN)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redisstore.New(ctx, opts, cfg.RedisPrefix)
	case config.BackendBolt:
		return boltstore.New(cfg.SessionPath)
	default:
		return sqlite.New(cfg.SessionPath)
	}
}

func newClientLimiter(cfg config.BridgeConfig) (*ratelimit.Limiter, error) {
	if cfg.ClientRPS <= 0 {
		return nil, nil
	}
	var store ratelimit.Store
	if cfg.RateLimitRedisURL != "" {
		opts, err := redis.ParseURL(cfg.RateLimitRedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse rate limit redis url: %w", err)
		}
		store = ratelimit.NewRedisStore(redis.NewClient(opts), "")
	}
	return ratelimit.NewLimiter(ratelimit.Config{
		Store:             store,
		RequestsPerSecond: cfg.ClientRPS,
		Burst:             float64(cfg.ClientBurst),
	}), nil
}
