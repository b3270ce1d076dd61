package answer

import (
	"github.com/rtyshyk/telegram-rag/internal/llm"
	"github.com/rtyshyk/telegram-rag/internal/models"
	"github.com/rtyshyk/telegram-rag/internal/pricing"
)

// Chat completion endpoints frame every message with roughly four
// tokens and prime the reply with two more; the manual estimate applies
// the same overhead.
const (
	messageOverheadTokens = 4
	replyPrimingTokens    = 2
)

// usageFromProvider converts provider-reported usage into ChatUsage
// with the cost filled in from the pricing table.
func usageFromProvider(model string, u *llm.Usage) *models.ChatUsage {
	return &models.ChatUsage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
		CostUSD:          pricing.ChatCostUSD(model, u.PromptTokens, u.CompletionTokens),
		Model:            model,
	}
}

// estimateUsage approximates usage when the provider did not report it,
// counting the messages that were actually sent.
func (s *Service) estimateUsage(model string, messages []llm.ChatMessage, completion string) *models.ChatUsage {
	promptTokens := replyPrimingTokens
	for _, m := range messages {
		promptTokens += s.counter.Count(m.Content) + messageOverheadTokens
	}
	completionTokens := s.counter.Count(completion)

	return &models.ChatUsage{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
		CostUSD:          pricing.ChatCostUSD(model, promptTokens, completionTokens),
		Model:            model,
		Estimated:        true,
	}
}

// zeroUsage is the end-chunk usage when nothing was generated.
func zeroUsage(model string) *models.ChatUsage {
	return &models.ChatUsage{Model: model}
}
