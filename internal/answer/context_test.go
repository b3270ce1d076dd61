package answer

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rtyshyk/telegram-rag/internal/models"
	"github.com/rtyshyk/telegram-rag/internal/tokens"
)

func snippetResult(chatID string, messageID int64, text string, date int64, title string) models.SearchResult {
	r := models.SearchResult{
		ChatID:        chatID,
		SeedMessageID: messageID,
		Text:          text,
		MessageCount:  1,
		SeedScore:     0.9,
	}
	if date != 0 {
		r.MessageDate = &date
	}
	if title != "" {
		r.SourceTitle = &title
	}
	return r
}

func TestAssembleContextRendersHeaders(t *testing.T) {
	date := int64(1695759000)
	results := []models.SearchResult{
		snippetResult("chat-a", 100, "we leave at nine", date, "Itinerary"),
		snippetResult("chat-b", 200, "bring the charger", 0, ""),
	}

	block, selected := assembleContext(results, tokens.NewEstimator(), 50000)
	require.Equal(t, []int{0, 1}, selected)

	wantDate := time.Unix(date, 0).Format("2006-01-02 15:04")
	wantFirst := fmt.Sprintf("[1] Itinerary — %s — message 100:\nwe leave at nine\n", wantDate)
	wantSecond := "[2] Chat chat-b — Unknown date — message 200:\nbring the charger\n"
	assert.Equal(t, wantFirst+"\n"+wantSecond, block)
}

func TestAssembleContextDedupesBySeedMessage(t *testing.T) {
	results := []models.SearchResult{
		snippetResult("chat-a", 100, "first pass", 0, ""),
		snippetResult("chat-a", 100, "second pass", 0, ""),
		snippetResult("chat-a", 101, "different message", 0, ""),
	}

	block, selected := assembleContext(results, tokens.NewEstimator(), 50000)
	assert.Equal(t, []int{0, 2}, selected)
	assert.Contains(t, block, "first pass")
	assert.NotContains(t, block, "second pass")
	assert.Contains(t, block, "[2] ")
}

func TestAssembleContextStopsAtTokenBudget(t *testing.T) {
	long := strings.Repeat("tok ", 200)
	results := []models.SearchResult{
		snippetResult("chat-a", 100, long, 0, ""),
		snippetResult("chat-a", 101, long, 0, ""),
		snippetResult("chat-a", 102, long, 0, ""),
	}

	_, selected := assembleContext(results, tokens.NewEstimator(), 250)
	assert.Equal(t, []int{0}, selected)
}

func TestAssembleContextAlwaysKeepsFirstSnippet(t *testing.T) {
	results := []models.SearchResult{
		snippetResult("chat-a", 100, strings.Repeat("x", 4000), 0, ""),
	}

	block, selected := assembleContext(results, tokens.NewEstimator(), 10)
	assert.Equal(t, []int{0}, selected)
	assert.NotEmpty(t, block)
}

func TestAssembleContextZeroBudgetDisablesCap(t *testing.T) {
	long := strings.Repeat("tok ", 500)
	results := []models.SearchResult{
		snippetResult("chat-a", 100, long, 0, ""),
		snippetResult("chat-a", 101, long, 0, ""),
	}

	_, selected := assembleContext(results, tokens.NewEstimator(), 0)
	assert.Equal(t, []int{0, 1}, selected)
}

func TestAssembleContextEmptyResults(t *testing.T) {
	block, selected := assembleContext(nil, tokens.NewEstimator(), 1000)
	assert.Empty(t, block)
	assert.Nil(t, selected)
}
