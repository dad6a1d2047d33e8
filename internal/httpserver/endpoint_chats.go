package httpserver

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/wwwzhouhui/qwen3-reverse/internal/httpserver/protocol"
)

type chatsEndpoint struct {
	server *Server
}

func newChatsEndpoint(server *Server) protocol.Endpoint {
	return &chatsEndpoint{server: server}
}

func (e *chatsEndpoint) Name() string { return "chats" }

func (e *chatsEndpoint) Routes() []protocol.EndpointRoute {
	return []protocol.EndpointRoute{
		{Method: http.MethodDelete, Path: "/v1/chats/{chat_id}", Handler: http.HandlerFunc(e.server.HandleDeleteChat)},
	}
}

type deleteChatResponse struct {
	Message string `json:"message"`
	Success bool   `json:"success"`
}

// HandleDeleteChat removes an upstream thread and its continuity record.
func (s *Server) HandleDeleteChat(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chat_id")
	ok, err := s.bridge.DeleteChat(r.Context(), chatID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if !ok {
		s.logger.Warn("upstream refused chat deletion", zap.String("chat_id", chatID))
		s.respondJSON(w, http.StatusBadRequest, deleteChatResponse{Message: fmt.Sprintf("删除会话 %s 失败", chatID)})
		return
	}
	s.respondJSON(w, http.StatusOK, deleteChatResponse{Message: fmt.Sprintf("会话 %s 已删除", chatID), Success: true})
}
