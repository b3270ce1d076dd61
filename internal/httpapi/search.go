package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/rtyshyk/telegram-rag/internal/config"
	"github.com/rtyshyk/telegram-rag/internal/models"
	"github.com/rtyshyk/telegram-rag/internal/search"
)

// Searcher runs the retrieval pipeline for /search.
type Searcher interface {
	Search(ctx context.Context, req search.Request) ([]models.SearchResult, error)
}

// ChatLister backs the /chats overview.
type ChatLister interface {
	AvailableChats(ctx context.Context) ([]models.ChatInfo, error)
}

// SearchHandler serves the model catalog, the chat overview and retrieval.
type SearchHandler struct {
	chat   config.ChatConfig
	search Searcher
	chats  ChatLister
	logger *zap.Logger
}

// NewSearchHandler constructs a new handler.
func NewSearchHandler(chat config.ChatConfig, searcher Searcher, chats ChatLister, logger *zap.Logger) *SearchHandler {
	return &SearchHandler{chat: chat, search: searcher, chats: chats, logger: logger}
}

// RegisterRoutes registers the endpoints on the given mux.
func (h *SearchHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/models", h.handleModels)
	mux.HandleFunc("/chats", h.handleChats)
	mux.HandleFunc("/search", h.handleSearch)
}

func (h *SearchHandler) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	options := h.chat.Models
	if len(options) == 0 {
		options = config.DefaultModels()
	}
	writeJSON(w, http.StatusOK, options)
}

type chatsResponse struct {
	OK    bool              `json:"ok"`
	Chats []models.ChatInfo `json:"chats"`
	Error string            `json:"error,omitempty"`
}

// handleChats aggregates the indexed chats. Engine failures degrade to an
// ok:false payload so the UI can keep its chat filter populated from a
// previous response.
func (h *SearchHandler) handleChats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	chats, err := h.chats.AvailableChats(r.Context())
	if err != nil {
		h.logger.Error("chat listing failed",
			zap.String("correlation_id", CorrelationID(r.Context())),
			zap.Error(err),
		)
		writeJSON(w, http.StatusOK, chatsResponse{OK: false, Chats: []models.ChatInfo{}, Error: sanitizeErr(err.Error())})
		return
	}
	if chats == nil {
		chats = []models.ChatInfo{}
	}
	writeJSON(w, http.StatusOK, chatsResponse{OK: true, Chats: chats})
}

type searchResponse struct {
	OK            bool                  `json:"ok"`
	Results       []models.SearchResult `json:"results"`
	CorrelationID string                `json:"correlation_id"`
	Error         string                `json:"error,omitempty"`
}

// handleSearch runs retrieval. Downstream failures never surface as 5xx;
// the client gets an empty ok:false result set and the correlation ID to
// match against server logs.
func (h *SearchHandler) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	var req search.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}

	correlationID := CorrelationID(r.Context())
	if strings.TrimSpace(req.Query) == "" {
		writeJSON(w, http.StatusOK, searchResponse{OK: true, Results: []models.SearchResult{}, CorrelationID: correlationID})
		return
	}

	results, err := h.search.Search(r.Context(), req)
	if err != nil {
		h.logger.Error("search failed",
			zap.String("correlation_id", correlationID),
			zap.String("query", req.Query),
			zap.Error(err),
		)
		writeJSON(w, http.StatusOK, searchResponse{
			OK:            false,
			Results:       []models.SearchResult{},
			CorrelationID: correlationID,
			Error:         sanitizeErr(err.Error()),
		})
		return
	}
	if results == nil {
		results = []models.SearchResult{}
	}
	writeJSON(w, http.StatusOK, searchResponse{OK: true, Results: results, CorrelationID: correlationID})
}
