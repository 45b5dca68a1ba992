package search

import (
	"sort"
	"strings"
	"sync"

	"github.com/junegunn/fzf/src/algo"
	"github.com/junegunn/fzf/src/util"

	"podhub/internal/domain"
)

// Title matches outrank description matches of the same quality.
const titleBonus = 2

var initOnce sync.Once

// Score returns the fzf V2 score of pattern in text, or -1 when pattern does
// not match. Matching is case-insensitive.
func Score(text, pattern string) int {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	if pattern == "" {
		return 0
	}
	initOnce.Do(func() { algo.Init("default") })

	chars := util.ToChars([]byte(strings.ToLower(text)))
	slab := util.MakeSlab(16384, 1024)
	result, _ := algo.FuzzyMatchV2(false, false, true, &chars, []rune(pattern), false, slab)
	if result.Start < 0 {
		return -1
	}
	return result.Score
}

// Rank keeps the items whose keys match term and orders them by best score,
// preserving input order between equal scores. An empty term returns items
// unchanged.
func Rank[T any](items []T, term string, keys func(T) []string) []T {
	if strings.TrimSpace(term) == "" {
		return items
	}

	type scored struct {
		item  T
		score int
	}
	matches := make([]scored, 0, len(items))
	for _, item := range items {
		best := -1
		for i, key := range keys(item) {
			s := Score(key, term)
			if s < 0 {
				continue
			}
			if i == 0 {
				s *= titleBonus
			}
			if s > best {
				best = s
			}
		}
		if best >= 0 {
			matches = append(matches, scored{item: item, score: best})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].score > matches[j].score
	})
	out := make([]T, len(matches))
	for i, m := range matches {
		out[i] = m.item
	}
	return out
}

// Episodes ranks episodes by how well their title or description matches term.
func Episodes(episodes []*domain.Episode, term string) []*domain.Episode {
	return Rank(episodes, term, func(ep *domain.Episode) []string {
		return []string{ep.Title, ep.Description}
	})
}

// Subscriptions ranks subscriptions by title, then author.
func Subscriptions(subs []domain.SubscriptionSummary, term string) []domain.SubscriptionSummary {
	return Rank(subs, term, func(s domain.SubscriptionSummary) []string {
		return []string{s.Podcast.Title, s.Podcast.Author}
	})
}
