package httpserver

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/wwwzhouhui/qwen3-reverse/internal/core"
)

// respondExchange writes an aggregated response, or relays the frame channel
// as server-sent events.
func (s *Server) respondExchange(w http.ResponseWriter, ex *core.Exchange) {
	if ex.Frames == nil {
		s.respondJSON(w, http.StatusOK, ex.Response)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	broken := false
	for frame := range ex.Frames {
		// Keep draining after a write failure so the exchange can finish.
		if broken {
			continue
		}
		var payload []byte
		if frame.Done {
			payload = []byte("data: [DONE]\n\n")
		} else if frame.Chunk != nil {
			data, err := json.Marshal(frame.Chunk)
			if err != nil {
				s.logger.Error("encode chunk", zap.String("chat_id", ex.ChatID), zap.Error(err))
				continue
			}
			payload = append(append([]byte("data: "), data...), '\n', '\n')
		} else {
			continue
		}
		if _, err := w.Write(payload); err != nil {
			s.logger.Debug("client went away", zap.String("chat_id", ex.ChatID), zap.Error(err))
			broken = true
			continue
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}
