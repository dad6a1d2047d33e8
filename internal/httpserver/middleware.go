package httpserver

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/wwwzhouhui/qwen3-reverse/internal/apierr"
	"github.com/wwwzhouhui/qwen3-reverse/internal/ratelimit"
)

// requestLogger logs one line per request and records the HTTP metrics. The
// route label is chi's pattern so chat ids do not become label values.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		d := time.Since(start)
		s.metrics.RecordHTTPRequest(r.Method, route, status, d)
		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", d),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("remote_addr", r.RemoteAddr),
		)
	})
}

// requireToken enforces client bearer tokens when any are configured.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.tokens) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		if header == "" {
			s.logger.Warn("auth failed: missing authorization header")
			s.respondError(w, apierr.Authentication(http.StatusUnauthorized, "Missing Authorization Header. Please provide a valid Bearer token."))
			return
		}
		token, ok := bearerToken(header)
		if !ok {
			s.logger.Warn("auth failed: invalid scheme")
			s.respondError(w, apierr.Authentication(http.StatusUnauthorized, "Invalid Authorization Scheme. Expected 'Bearer <token>'"))
			return
		}
		if _, ok := s.tokens[token]; !ok {
			s.logger.Warn("auth failed: unknown token", zap.String("token_prefix", tokenPrefix(token)))
			s.respondError(w, apierr.Authentication(http.StatusForbidden, "Invalid or Expired Token. Access denied."))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func tokenPrefix(t string) string {
	if len(t) > 10 {
		return t[:10] + "..."
	}
	return "***"
}

// throttle applies the per-client rate limit. Clients are keyed by bearer
// token, or by remote address when no token is sent.
func (s *Server) throttle(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := "ip:" + clientHost(r.RemoteAddr)
		if token, ok := bearerToken(r.Header.Get("Authorization")); ok && token != "" {
			key = ratelimit.ClientKey(token)
		}
		d := s.limiter.Allow(r.Context(), key)
		if d.Err != nil {
			s.logger.Warn("rate limit store failed, allowing request", zap.Error(d.Err))
		}
		w.Header().Set("X-RateLimit-Limit", strconv.FormatFloat(d.Limit, 'f', 0, 64))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatFloat(math.Floor(d.Remaining), 'f', 0, 64))
		if !d.Allowed {
			s.metrics.RecordRateLimited(chi.RouteContext(r.Context()).RoutePattern())
			s.respondError(w, apierr.New(apierr.KindRateLimited, "Rate limit exceeded. Please try again later."))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientHost(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
