package answer

import (
	"fmt"
	"strings"
	"time"

	"github.com/rtyshyk/telegram-rag/internal/models"
	"github.com/rtyshyk/telegram-rag/internal/tokens"
)

// assembleContext renders search results into the CONTEXT block sent to
// the model. Results are deduplicated by (chat, seed message), numbered
// in order, and cut off once the token budget is spent; the first
// snippet is always kept so the model sees at least one. Returns the
// rendered block and the indexes of the results that made it in.
func assembleContext(results []models.SearchResult, counter tokens.Counter, maxTokens int) (string, []int) {
	if len(results) == 0 {
		return "", nil
	}

	type key struct {
		chatID    string
		messageID int64
	}
	seen := make(map[key]bool, len(results))

	var parts []string
	var selected []int
	used := 0
	for i, result := range results {
		k := key{result.ChatID, result.SeedMessageID}
		if seen[k] {
			continue
		}
		seen[k] = true

		header := snippetHeader(result, len(selected)+1)
		part := header + "\n" + result.Text + "\n"

		cost := counter.Count(part)
		if maxTokens > 0 && len(selected) > 0 && used+cost > maxTokens {
			break
		}
		used += cost
		parts = append(parts, part)
		selected = append(selected, i)
	}

	return strings.Join(parts, "\n"), selected
}

// snippetHeader formats the per-snippet citation header.
func snippetHeader(result models.SearchResult, n int) string {
	title := fmt.Sprintf("Chat %s", result.ChatID)
	if result.SourceTitle != nil && *result.SourceTitle != "" {
		title = *result.SourceTitle
	}

	date := "Unknown date"
	if result.MessageDate != nil {
		date = time.Unix(*result.MessageDate, 0).Format("2006-01-02 15:04")
	}

	return fmt.Sprintf("[%d] %s — %s — message %d:", n, title, date, result.SeedMessageID)
}
