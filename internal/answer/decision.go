package answer

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/rtyshyk/telegram-rag/internal/llm"
	"github.com/rtyshyk/telegram-rag/internal/models"
)

// shouldSearch asks the decision model whether the archive has to be
// consulted for this question. Searching is the fail-open default: no
// history, no configured model, provider errors and unrecognised
// replies all search.
func (s *Service) shouldSearch(ctx context.Context, question string, history []models.ChatTurn) bool {
	if len(history) == 0 || s.cfg.SearchDecisionModel == "" {
		return true
	}

	prompt := renderPrompt(s.prompts.decision, map[string]string{
		"history":  formatHistory(history, reformulationHistoryTurns),
		"question": question,
	})

	resp, err := s.llm.ChatCompletion(ctx, s.cfg.SearchDecisionModel, []llm.ChatMessage{{Role: "user", Content: prompt}})
	if err != nil {
		s.logger.Warn("search decision failed, searching anyway", zap.Error(err))
		return true
	}

	return !strings.Contains(strings.ToUpper(resp.Content), "SKIP_SEARCH")
}
