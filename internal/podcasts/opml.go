package podcasts

import (
	"context"
	"fmt"
	"io"

	"podhub/internal/domain"
	"podhub/internal/opml"
)

type ImportResult struct {
	Imported int
	Skipped  int
	Errors   []string
}

// ExportOPML writes every subscription to w and returns how many were written.
func (s *Service) ExportOPML(ctx context.Context, w io.Writer) (int, error) {
	exports, err := s.store.ListPodcastExports(ctx)
	if err != nil {
		return 0, err
	}
	if len(exports) == 0 {
		return 0, ErrNoSubscriptionsToExport
	}
	if err := opml.Export(w, exports, s.now()); err != nil {
		return 0, err
	}
	return len(exports), nil
}

// ImportOPML subscribes to every feed listed in r that is not already
// subscribed. Feeds that fail to load are reported and skipped.
func (s *Service) ImportOPML(ctx context.Context, r io.Reader) (ImportResult, error) {
	subs, err := opml.Import(r)
	if err != nil {
		return ImportResult{}, err
	}
	if len(subs) == 0 {
		return ImportResult{}, ErrNoSubscriptionsInOPML
	}

	var result ImportResult
	for _, sub := range subs {
		has, err := s.store.HasSubscriptionByFeedURL(ctx, sub.FeedURL)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", sub.Title, err))
			continue
		}
		if has {
			result.Skipped++
			continue
		}

		if _, err := s.Subscribe(ctx, &domain.Podcast{URL: sub.FeedURL, Title: sub.Title}); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", sub.Title, err))
			continue
		}
		result.Imported++
	}
	return result, nil
}
