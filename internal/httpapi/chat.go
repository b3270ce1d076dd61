package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/rtyshyk/telegram-rag/internal/answer"
	"github.com/rtyshyk/telegram-rag/internal/auth"
)

// ChatStreamer produces the answer stream for one chat request.
type ChatStreamer interface {
	Stream(ctx context.Context, userID string, req answer.Request, emit answer.Emit)
}

// ChatHandler serves the streamed answer endpoint.
type ChatHandler struct {
	answerer ChatStreamer
	logger   *zap.Logger
}

// NewChatHandler constructs a new handler.
func NewChatHandler(answerer ChatStreamer, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{answerer: answerer, logger: logger}
}

// RegisterRoutes registers the endpoint on the given mux.
func (h *ChatHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/chat", h.handleChat)
}

// handleChat streams answer chunks via Server-Sent Events. Once the
// stream has started, failures arrive as error chunks rather than an
// HTTP status.
func (h *ChatHandler) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	var req answer.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		http.Error(w, `{"error":"message required"}`, http.StatusBadRequest)
		return
	}

	user, _ := auth.UserFromContext(r.Context())

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	h.answerer.Stream(ctx, user, req, func(chunk answer.Chunk) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		payload, err := json.Marshal(chunk)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})

	h.logger.Debug("chat stream finished",
		zap.String("correlation_id", CorrelationID(ctx)),
		zap.String("user", user),
	)
}
