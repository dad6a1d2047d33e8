// Package httpserver exposes the OpenAI-compatible HTTP surface of the bridge.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/wwwzhouhui/qwen3-reverse/internal/apierr"
	"github.com/wwwzhouhui/qwen3-reverse/internal/core"
	"github.com/wwwzhouhui/qwen3-reverse/internal/health"
	"github.com/wwwzhouhui/qwen3-reverse/internal/httpserver/protocol"
	"github.com/wwwzhouhui/qwen3-reverse/internal/metrics"
	"github.com/wwwzhouhui/qwen3-reverse/internal/openai"
	"github.com/wwwzhouhui/qwen3-reverse/internal/qwen"
	"github.com/wwwzhouhui/qwen3-reverse/internal/ratelimit"
)

// ChatBridge describes the bridge methods required by the HTTP layer.
type ChatBridge interface {
	Chat(ctx context.Context, req openai.ChatCompletionRequest, opts core.ChatOptions) (*core.Exchange, error)
	UploadAndChat(ctx context.Context, in core.MediaChatInput) (*core.Exchange, error)
	Upload(ctx context.Context, in core.UploadInput) (openai.FileObject, error)
	DeleteChat(ctx context.Context, chatID string) (bool, error)
	Models() ([]qwen.ModelInfo, error)
	STSToken(ctx context.Context, filename string, size int64, fileType string) ([]byte, error)
}

// HealthChecker reports component health.
type HealthChecker interface {
	Check(ctx context.Context) health.HealthStatus
}

// Options configure a Server.
type Options struct {
	Bridge  ChatBridge
	Health  HealthChecker
	Metrics *metrics.Collector
	Logger  *zap.Logger
	// ValidTokens are accepted client bearer tokens; empty disables auth.
	ValidTokens []string
	// MaxUploadBytes caps multipart form bodies.
	MaxUploadBytes int64
	// RateLimiter throttles protected routes per client when set.
	RateLimiter *ratelimit.Limiter
}

// DefaultMaxUploadBytes caps upload form bodies when Options leaves it unset.
const DefaultMaxUploadBytes = 512 << 20

// Server exposes the REST endpoints of the bridge.
type Server struct {
	bridge         ChatBridge
	health         HealthChecker
	metrics        *metrics.Collector
	logger         *zap.Logger
	tokens         map[string]struct{}
	maxUploadBytes int64
	limiter        *ratelimit.Limiter
}

// New builds a server. Bridge is required.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		bridge:         opts.Bridge,
		health:         opts.Health,
		metrics:        opts.Metrics,
		logger:         logger.Named("http"),
		maxUploadBytes: opts.MaxUploadBytes,
		limiter:        opts.RateLimiter,
	}
	if s.maxUploadBytes <= 0 {
		s.maxUploadBytes = DefaultMaxUploadBytes
	}
	if len(opts.ValidTokens) > 0 {
		s.tokens = make(map[string]struct{}, len(opts.ValidTokens))
		for _, t := range opts.ValidTokens {
			if t = strings.TrimSpace(t); t != "" {
				s.tokens[t] = struct{}{}
			}
		}
	}
	return s
}

// Router returns a configured chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	s.registerEndpoints(r,
		newServiceEndpoint(s),
		newOpenAIEndpoint(s),
		newChatsEndpoint(s),
		newFilesEndpoint(s),
	)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		s.respondError(w, apierr.New(apierr.KindNotFound, "route not found: "+r.Method+" "+r.URL.Path))
	})
	return r
}

func (s *Server) registerEndpoints(r chi.Router, endpoints ...protocol.Endpoint) {
	for _, ep := range endpoints {
		s.logger.Debug("registering endpoint", zap.String("endpoint", ep.Name()))
		for _, route := range ep.Routes() {
			h := route.Handler
			if route.Protected {
				h = s.requireToken(s.throttle(h))
			}
			r.Method(route.Method, route.Path, h)
		}
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

// respondError writes the OpenAI error envelope for err.
func (s *Server) respondError(w http.ResponseWriter, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	status, body := apierr.Envelope(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Int("status", status), zap.String("kind", string(apierr.KindOf(err))), zap.Error(err))
	}
	s.respondJSON(w, status, body)
}

func bearerToken(header string) (string, bool) {
	scheme, token, _ := strings.Cut(strings.TrimSpace(header), " ")
	if !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	return strings.TrimSpace(token), true
}
