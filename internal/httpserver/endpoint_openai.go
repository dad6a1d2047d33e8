package httpserver

import (
	"encoding/json"
	"net/http"

	"github.com/wwwzhouhui/qwen3-reverse/internal/apierr"
	"github.com/wwwzhouhui/qwen3-reverse/internal/core"
	"github.com/wwwzhouhui/qwen3-reverse/internal/httpserver/protocol"
	"github.com/wwwzhouhui/qwen3-reverse/internal/openai"
)

type openAIEndpoint struct {
	server *Server
}

func newOpenAIEndpoint(server *Server) protocol.Endpoint {
	return &openAIEndpoint{server: server}
}

func (e *openAIEndpoint) Name() string { return "openai" }

func (e *openAIEndpoint) Routes() []protocol.EndpointRoute {
	return []protocol.EndpointRoute{
		{Method: http.MethodGet, Path: "/v1/models", Handler: http.HandlerFunc(e.server.HandleModels)},
		{Method: http.MethodPost, Path: "/v1/chat/completions", Handler: http.HandlerFunc(e.server.HandleChatCompletions), Protected: true},
		{Method: http.MethodPost, Path: "/v1/chat/multimodal", Handler: http.HandlerFunc(e.server.HandleMultimodal), Protected: true},
	}
}

// HandleModels lists the models available to the signed-in account.
func (s *Server) HandleModels(w http.ResponseWriter, _ *http.Request) {
	infos, err := s.bridge.Models()
	if err != nil {
		s.respondError(w, err)
		return
	}
	models := make([]openai.Model, 0, len(infos))
	for _, m := range infos {
		models = append(models, openai.Model{ID: m.ID, Object: "model", Created: m.CreatedAt, OwnedBy: m.OwnedBy})
	}
	s.respondJSON(w, http.StatusOK, openai.NewModelsResponse(models))
}

// HandleChatCompletions serves text chat with continuity.
func (s *Server) HandleChatCompletions(w http.ResponseWriter, r *http.Request) {
	s.handleChat(w, r, core.ChatOptions{DefaultThinking: true})
}

// HandleMultimodal serves chat whose latest user turn carries media parts.
func (s *Server) HandleMultimodal(w http.ResponseWriter, r *http.Request) {
	s.handleChat(w, r, core.ChatOptions{Multimodal: true, DefaultThinking: true})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request, opts core.ChatOptions) {
	var req openai.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, apierr.Wrap(apierr.KindInvalidRequest, "invalid JSON body", err))
		return
	}
	ex, err := s.bridge.Chat(r.Context(), req, opts)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondExchange(w, ex)
}
