package podcasts

import (
	"context"
	"fmt"
	"log"
	"sync"

	"golang.org/x/sync/errgroup"

	"podhub/internal/domain"
)

// RefreshReport summarises a RefreshAll run.
type RefreshReport struct {
	Refreshed   int
	NewEpisodes int
	Updated     []string
	Errors      []string
}

// RefreshAll re-fetches every subscription, highlighting new episodes. Feeds
// are fetched concurrently within the configured limits; a failing feed is
// reported and does not stop the others.
func (s *Service) RefreshAll(ctx context.Context) (RefreshReport, error) {
	subs, err := s.store.ListSubscriptions(ctx)
	if err != nil {
		return RefreshReport{}, err
	}

	var (
		mu     sync.Mutex
		report RefreshReport
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, sub := range subs {
		podcast := sub.Podcast
		g.Go(func() error {
			if err := s.limiter.Wait(gctx); err != nil {
				return err
			}
			refreshed, err := s.Load(gctx, LoadRequest{Podcast: &podcast, Refresh: true, HighlightNew: true})

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Printf("[WARN] refresh %s: %v", podcast.URL, err)
				report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", podcast.Title, err))
				return nil
			}
			report.Refreshed++
			if refreshed.NewEpisodes || refreshed.UpdatedEpisodes {
				report.Updated = append(report.Updated, refreshed.Title)
			}
			report.NewEpisodes += countHighlighted(refreshed.Episodes)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}
	log.Printf("[INFO] refreshed %d subscriptions, %d new episodes", report.Refreshed, report.NewEpisodes)
	return report, nil
}

func countHighlighted(episodes []*domain.Episode) int {
	n := 0
	for _, ep := range episodes {
		if ep.Highlight {
			n++
		}
	}
	return n
}
