package podcasts

import (
	"sort"
	"strings"

	"podhub/internal/domain"
)

// FilterEpisodes returns the episodes selected by filter, in input order.
func FilterEpisodes(episodes []*domain.Episode, filter domain.EpisodeFilter) []*domain.Episode {
	out := make([]*domain.Episode, 0, len(episodes))
	for _, ep := range episodes {
		switch filter {
		case domain.FilterStarted:
			if !ep.Started() {
				continue
			}
		case domain.FilterNotFinished:
			if ep.Played {
				continue
			}
		case domain.FilterFinished:
			if !ep.Played {
				continue
			}
		}
		out = append(out, ep)
	}
	return out
}

// SortEpisodes returns a sorted copy of episodes.
func SortEpisodes(episodes []*domain.Episode, order domain.EpisodeSort) []*domain.Episode {
	out := make([]*domain.Episode, len(episodes))
	copy(out, episodes)

	switch order {
	case domain.SortLatest:
		sort.SliceStable(out, func(i, j int) bool { return newerFirst(out[i], out[j]) })
	case domain.SortEarliest:
		sort.SliceStable(out, func(i, j int) bool {
			a, b := out[i].PublishedAt, out[j].PublishedAt
			if a.IsZero() != b.IsZero() {
				return !a.IsZero()
			}
			return a.Before(b)
		})
	case domain.SortTitleAsc:
		sort.SliceStable(out, func(i, j int) bool {
			return strings.ToLower(out[i].Title) < strings.ToLower(out[j].Title)
		})
	case domain.SortTitleDesc:
		sort.SliceStable(out, func(i, j int) bool {
			return strings.ToLower(out[i].Title) > strings.ToLower(out[j].Title)
		})
	default:
		sortDefault(out)
	}
	return out
}

// View applies the podcast's filter and sort to its episodes.
func View(p *domain.Podcast) []*domain.Episode {
	if p == nil {
		return nil
	}
	return SortEpisodes(FilterEpisodes(p.Episodes, p.Filter), p.Sort)
}

// sortDefault orders episodes as a feed lists them: newest first, undated
// last, ties broken by title.
func sortDefault(episodes []*domain.Episode) {
	sort.SliceStable(episodes, func(i, j int) bool {
		a, b := episodes[i], episodes[j]
		if !a.PublishedAt.Equal(b.PublishedAt) {
			return newerFirst(a, b)
		}
		return strings.ToLower(a.Title) < strings.ToLower(b.Title)
	})
}

func newerFirst(a, b *domain.Episode) bool {
	if a.PublishedAt.IsZero() != b.PublishedAt.IsZero() {
		return !a.PublishedAt.IsZero()
	}
	return a.PublishedAt.After(b.PublishedAt)
}
