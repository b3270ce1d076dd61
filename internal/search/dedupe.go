package search

import (
	"sort"

	"github.com/rtyshyk/telegram-rag/internal/models"
)

// dedupeOptions bound how close two accepted seeds from the same chat may be.
// A perChat of 0 disables the per-chat cap.
type dedupeOptions struct {
	IDGap     int64
	TimeGapMS int64
	PerChat   int
}

// dedupeSeeds collapses near-duplicate seeds. Seeds are ordered by
// (score desc, message_date desc) and accepted greedily: a seed is rejected
// when the accepted set already holds one from the same chat within IDGap
// message ids or TimeGapMS milliseconds. If every seed would be rejected the
// top-ranked one is kept so retrieval never returns empty-handed here.
func dedupeSeeds(seeds []models.Seed, opts dedupeOptions) []models.Seed {
	if len(seeds) == 0 {
		return nil
	}
	ordered := make([]models.Seed, len(seeds))
	copy(ordered, seeds)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Score != ordered[j].Score {
			return ordered[i].Score > ordered[j].Score
		}
		return dateMS(ordered[i]) > dateMS(ordered[j])
	})

	accepted := make([]models.Seed, 0, len(ordered))
	chatCounts := make(map[string]int)
	for _, seed := range ordered {
		if opts.PerChat > 0 && chatCounts[seed.ChatID] >= opts.PerChat {
			continue
		}
		if tooClose(accepted, seed, opts) {
			continue
		}
		accepted = append(accepted, seed)
		chatCounts[seed.ChatID]++
	}
	if len(accepted) == 0 {
		accepted = ordered[:1]
	}
	return accepted
}

func tooClose(accepted []models.Seed, seed models.Seed, opts dedupeOptions) bool {
	for _, a := range accepted {
		if a.ChatID != seed.ChatID {
			continue
		}
		if absInt64(a.MessageID-seed.MessageID) <= opts.IDGap {
			return true
		}
		if a.MessageDateMS != nil && seed.MessageDateMS != nil &&
			absInt64(*a.MessageDateMS-*seed.MessageDateMS) <= opts.TimeGapMS {
			return true
		}
	}
	return false
}

func dateMS(s models.Seed) int64 {
	if s.MessageDateMS == nil {
		return 0
	}
	return *s.MessageDateMS
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
