package answer

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/rtyshyk/telegram-rag/internal/llm"
	"github.com/rtyshyk/telegram-rag/internal/models"
)

// reformulationHistoryTurns caps how much conversation the reformulator
// and the decision gate see.
const reformulationHistoryTurns = 6

// reformulateQuery rewrites a follow-up question as a standalone search
// query using recent history. Any failure keeps the original question.
func (s *Service) reformulateQuery(ctx context.Context, question string, history []models.ChatTurn, model string) string {
	if len(history) == 0 {
		return question
	}

	prompt := renderPrompt(s.prompts.reformulation, map[string]string{
		"history":  formatHistory(history, reformulationHistoryTurns),
		"question": question,
	})

	resp, err := s.llm.ChatCompletion(ctx, model, []llm.ChatMessage{{Role: "user", Content: prompt}})
	if err != nil {
		s.logger.Warn("query reformulation failed", zap.Error(err))
		return question
	}

	reformulated := strings.TrimSpace(resp.Content)
	if reformulated == "" {
		return question
	}
	return reformulated
}

// formatHistory renders the last n turns as "User:"/"Assistant:" lines.
func formatHistory(history []models.ChatTurn, n int) string {
	if len(history) > n {
		history = history[len(history)-n:]
	}
	lines := make([]string, 0, len(history))
	for _, turn := range history {
		role := "Assistant"
		if turn.Role == "user" {
			role = "User"
		}
		lines = append(lines, role+": "+turn.Content)
	}
	return strings.Join(lines, "\n")
}
