package search

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rtyshyk/telegram-rag/internal/models"
)

func seed(chatID string, messageID int64, score float64, dateMS int64) models.Seed {
	s := models.Seed{
		ID:        fmt.Sprintf("%s:%d", chatID, messageID),
		ChatID:    chatID,
		MessageID: messageID,
		Score:     score,
	}
	if dateMS > 0 {
		s.MessageDateMS = &dateMS
	}
	return s
}

func TestDedupeKeepsHighestScoringWithinGap(t *testing.T) {
	seeds := []models.Seed{
		seed("chat", 100, 50.0, 1_600_000_000_000),
		seed("chat", 103, 30.0, 1_700_000_000_000),
		seed("chat", 120, 40.0, 1_800_000_000_000),
	}

	out := dedupeSeeds(seeds, dedupeOptions{IDGap: 5})

	ids := []int64{}
	for _, s := range out {
		ids = append(ids, s.MessageID)
	}
	assert.Equal(t, []int64{100, 120}, ids)
}

func TestDedupeTimeGap(t *testing.T) {
	seeds := []models.Seed{
		seed("chat", 100, 0.9, 1_700_000_000_000),
		seed("chat", 500, 0.8, 1_700_000_060_000),
		seed("chat", 900, 0.7, 1_700_000_300_000),
	}

	out := dedupeSeeds(seeds, dedupeOptions{IDGap: 10, TimeGapMS: 120_000})

	ids := []int64{}
	for _, s := range out {
		ids = append(ids, s.MessageID)
	}
	// 500 is 60s after 100 despite the id distance; 900 is 5min away.
	assert.Equal(t, []int64{100, 900}, ids)
}

func TestDedupeDifferentChatsNeverCollide(t *testing.T) {
	seeds := []models.Seed{
		seed("a", 100, 0.9, 1_700_000_000_000),
		seed("b", 101, 0.8, 1_700_000_001_000),
	}

	out := dedupeSeeds(seeds, dedupeOptions{IDGap: 10, TimeGapMS: 120_000})

	assert.Len(t, out, 2)
}

func TestDedupeCollapsesNearDuplicatesToTop(t *testing.T) {
	seeds := []models.Seed{
		seed("chat", 100, 0.5, 1_700_000_000_000),
		seed("chat", 101, 0.9, 1_700_000_001_000),
	}

	out := dedupeSeeds(seeds, dedupeOptions{IDGap: 1_000_000})

	assert.Len(t, out, 1)
	assert.Equal(t, int64(101), out[0].MessageID)
}

func TestDedupeSortsByScoreThenRecency(t *testing.T) {
	seeds := []models.Seed{
		seed("a", 1, 0.9, 1_700_000_000_000),
		seed("b", 2, 0.9, 1_700_000_005_000),
		seed("c", 3, 0.7, 1_700_000_010_000),
	}

	out := dedupeSeeds(seeds, dedupeOptions{IDGap: 0, TimeGapMS: 0})

	ids := []int64{}
	for _, s := range out {
		ids = append(ids, s.MessageID)
	}
	// Ties on score break newest-first.
	assert.Equal(t, []int64{2, 1, 3}, ids)
}

func TestDedupePerChatCap(t *testing.T) {
	seeds := []models.Seed{
		seed("a", 100, 0.9, 1_700_000_000_000),
		seed("a", 500, 0.8, 1_800_000_000_000),
		seed("a", 900, 0.7, 1_900_000_000_000),
		seed("b", 10, 0.6, 1_700_000_000_000),
	}

	out := dedupeSeeds(seeds, dedupeOptions{IDGap: 10, TimeGapMS: 1000, PerChat: 2})

	counts := map[string]int{}
	for _, s := range out {
		counts[s.ChatID]++
	}
	assert.Equal(t, 2, counts["a"])
	assert.Equal(t, 1, counts["b"])
}

func TestDedupeEmptyInput(t *testing.T) {
	assert.Nil(t, dedupeSeeds(nil, dedupeOptions{IDGap: 10}))
}
