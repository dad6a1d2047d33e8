package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/wwwzhouhui/qwen3-reverse/internal/health"
	"github.com/wwwzhouhui/qwen3-reverse/internal/httpserver/protocol"
)

const healthTimeout = 10 * time.Second

type serviceEndpoint struct {
	server *Server
}

func newServiceEndpoint(server *Server) protocol.Endpoint {
	return &serviceEndpoint{server: server}
}

func (e *serviceEndpoint) Name() string { return "service" }

func (e *serviceEndpoint) Routes() []protocol.EndpointRoute {
	routes := []protocol.EndpointRoute{
		{Method: http.MethodGet, Path: "/", Handler: http.HandlerFunc(e.server.HandleBanner)},
		{Method: http.MethodGet, Path: "/health", Handler: http.HandlerFunc(e.server.HandleHealth)},
	}
	if e.server.metrics != nil {
		routes = append(routes, protocol.EndpointRoute{Method: http.MethodGet, Path: "/metrics", Handler: e.server.metrics.Handler()})
	}
	return routes
}

// HandleBanner reports that the service is running.
func (s *Server) HandleBanner(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{
		"message": "千问 (Qwen) OpenAI API 代理正在运行。",
		"docs":    "https://platform.openai.com/docs/api-reference/chat",
	})
}

// HandleHealth runs the component checks. Unhealthy maps to 503.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		s.respondJSON(w, http.StatusOK, map[string]any{"status": health.StatusHealthy, "timestamp": time.Now().UTC()})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()
	st := s.health.Check(ctx)
	code := http.StatusOK
	if st.Status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	s.respondJSON(w, code, st)
}
