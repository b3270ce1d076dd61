// Package tokens estimates token counts for budget and windowing decisions.
//
// The estimator is a heuristic: roughly four characters per token with a
// word-count floor. It tracks the OpenAI tokenizers closely enough for chunk
// windowing, cost estimation, and the manual usage fallback; exact counts are
// never required by callers.
package tokens

import (
	"strings"
	"unicode/utf8"
)

// Counter estimates the number of tokens in a text.
type Counter interface {
	Count(text string) int
}

// Estimator is the default heuristic Counter.
type Estimator struct{}

// NewEstimator returns the heuristic token counter.
func NewEstimator() *Estimator {
	return &Estimator{}
}

// Count estimates tokens as max(chars/4, words), never below 1 for non-empty
// input. Cyrillic and other multi-byte scripts count by runes, not bytes.
func (e *Estimator) Count(text string) int {
	if text == "" {
		return 0
	}
	chars := utf8.RuneCountInString(text)
	words := len(strings.Fields(text))
	n := chars / 4
	if words > n {
		n = words
	}
	if n < 1 {
		n = 1
	}
	return n
}

// EstimateWords approximates tokens from a word count using the 1.3
// tokens-per-word rule used for embedding cost estimates.
func EstimateWords(text string) int {
	return len(strings.Fields(text)) * 13 / 10
}

// Truncate cuts text to at most maxTokens estimated tokens at a word
// boundary, appending an ellipsis when anything was dropped. The budget is
// converted to a character allowance of four characters per token.
func Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return text
	}
	limit := maxTokens * 4
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	cut := string(runes[:limit])
	if idx := strings.LastIndexByte(cut, ' '); idx > 0 {
		cut = cut[:idx]
	}
	return strings.TrimRight(cut, " ") + "..."
}
