package podcasts

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"podhub/internal/domain"
	"podhub/internal/events"
	"podhub/internal/feeds"
	"podhub/internal/repository"
)

var (
	ErrMissingFeedURL          = errors.New("podcast feed URL missing")
	ErrNotSubscribed           = errors.New("not subscribed")
	ErrNoSubscriptionsToExport = errors.New("no subscriptions to export")
	ErrNoSubscriptionsInOPML   = errors.New("no subscriptions found in OPML file")
)

// Fetcher retrieves a parsed feed.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (feeds.Feed, error)
}

// LoadRequest asks for a podcast. Refresh forces a network fetch even for
// subscribed podcasts; HighlightNew flags episodes not seen before.
type LoadRequest struct {
	Podcast      *domain.Podcast
	Refresh      bool
	HighlightNew bool
}

// Options tunes bulk refreshing.
type Options struct {
	RefreshConcurrency int
	RefreshPerMinute   int
	Now                func() time.Time
}

type Service struct {
	store       *repository.Store
	fetcher     Fetcher
	bus         *events.Bus[domain.EpisodeEvent]
	now         func() time.Time
	concurrency int
	limiter     *rate.Limiter
}

func NewService(store *repository.Store, fetcher Fetcher, bus *events.Bus[domain.EpisodeEvent], opts Options) *Service {
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.RefreshConcurrency <= 0 {
		opts.RefreshConcurrency = 4
	}
	limit := rate.Inf
	if opts.RefreshPerMinute > 0 {
		limit = rate.Limit(float64(opts.RefreshPerMinute) / 60)
	}
	return &Service{
		store:       store,
		fetcher:     fetcher,
		bus:         bus,
		now:         opts.Now,
		concurrency: opts.RefreshConcurrency,
		limiter:     rate.NewLimiter(limit, opts.RefreshConcurrency),
	}
}

// Load returns the podcast with its full episode list in default order.
// Subscribed podcasts come from the store unless a refresh is requested;
// everything else is fetched and merged with any stored episodes.
func (s *Service) Load(ctx context.Context, req LoadRequest) (*domain.Podcast, error) {
	if req.Podcast == nil || strings.TrimSpace(req.Podcast.URL) == "" {
		return nil, ErrMissingFeedURL
	}
	url := strings.TrimSpace(req.Podcast.URL)

	stored, err := s.store.PodcastByURL(ctx, url)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("load podcast: %w", err)
	}
	storedEpisodes, err := s.store.EpisodesForPodcast(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("load episodes: %w", err)
	}

	if stored != nil && !req.Refresh {
		stored.Episodes = storedEpisodes
		return stored, nil
	}

	feed, err := s.fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}

	base := stored
	if base == nil {
		base = req.Podcast.Clone()
		base.ID = 0
		base.URL = url
	}
	podcast, orphans := s.merge(base, storedEpisodes, feed, req.HighlightNew)

	if podcast.Subscribed() {
		podcast.LastUpdated = s.now()
		if _, err := s.store.SavePodcast(ctx, podcast); err != nil {
			return nil, fmt.Errorf("save podcast: %w", err)
		}
		if err := s.store.SaveEpisodes(ctx, podcast.Episodes); err != nil {
			return nil, fmt.Errorf("save episodes: %w", err)
		}
		for _, orphan := range orphans {
			if err := s.store.DeleteEpisode(ctx, orphan.ID); err != nil {
				return nil, fmt.Errorf("delete episode: %w", err)
			}
			s.publish(domain.EpisodeDeleted, orphan)
		}
	}
	return podcast, nil
}

// merge folds feed into base. It returns the merged podcast and the stored
// episodes that left the feed and should be discarded.
func (s *Service) merge(base *domain.Podcast, stored []*domain.Episode, feed feeds.Feed, highlightNew bool) (*domain.Podcast, []*domain.Episode) {
	podcast := *base
	podcast.NewEpisodes = false
	podcast.UpdatedEpisodes = false
	podcast.GUID = firstNonEmpty(feed.GUID, podcast.GUID)
	podcast.Link = firstNonEmpty(feed.Link, podcast.Link)
	podcast.Title = firstNonEmpty(feed.Title, podcast.Title, "Untitled Podcast")
	podcast.Description = firstNonEmpty(feed.Description, podcast.Description)
	podcast.Author = firstNonEmpty(feed.Author, podcast.Author)
	podcast.ImageURL = firstNonEmpty(feed.ImageURL, podcast.ImageURL)
	podcast.Copyright = firstNonEmpty(feed.Copyright, podcast.Copyright)
	if podcast.Filter == "" {
		podcast.Filter = domain.FilterNone
	}
	if podcast.Sort == "" {
		podcast.Sort = domain.SortDefault
	}
	subscribed := podcast.Subscribed()

	byGUID := make(map[string]*domain.Episode, len(stored))
	for _, ep := range stored {
		byGUID[ep.GUID] = ep
	}

	seen := make(map[string]struct{}, len(feed.Items))
	episodes := make([]*domain.Episode, 0, len(feed.Items))
	for _, item := range feed.Items {
		if _, dup := seen[item.GUID]; dup {
			continue
		}
		seen[item.GUID] = struct{}{}

		var ep *domain.Episode
		if existing, ok := byGUID[item.GUID]; ok {
			c := *existing
			ep = &c
			if applyItem(ep, item) && subscribed {
				podcast.UpdatedEpisodes = true
			}
		} else {
			ep = &domain.Episode{GUID: item.GUID, DownloadState: domain.DownloadNone}
			applyItem(ep, item)
			if subscribed && highlightNew {
				ep.Highlight = true
				podcast.NewEpisodes = true
			}
		}
		ep.PodcastURL = podcast.URL
		ep.PodcastTitle = podcast.Title
		episodes = append(episodes, ep)
	}

	var orphans []*domain.Episode
	for _, ep := range stored {
		if _, ok := seen[ep.GUID]; ok {
			continue
		}
		if ep.Downloaded() {
			c := *ep
			episodes = append(episodes, &c)
			continue
		}
		orphans = append(orphans, ep)
	}

	sortDefault(episodes)
	podcast.Episodes = episodes
	return &podcast, orphans
}

// applyItem copies feed metadata onto ep and reports whether anything changed.
func applyItem(ep *domain.Episode, item feeds.Item) bool {
	changed := ep.Title != item.Title ||
		ep.Description != item.Description ||
		ep.Link != item.Link ||
		ep.ImageURL != item.ImageURL ||
		ep.ContentURL != item.ContentURL ||
		ep.MimeType != item.MimeType ||
		ep.SizeBytes != item.SizeBytes ||
		ep.Duration != item.Duration ||
		!ep.PublishedAt.Equal(item.PublishedAt)

	ep.Title = item.Title
	ep.Description = item.Description
	ep.Link = item.Link
	ep.ImageURL = item.ImageURL
	ep.ContentURL = item.ContentURL
	ep.MimeType = item.MimeType
	ep.SizeBytes = item.SizeBytes
	ep.Duration = item.Duration
	ep.PublishedAt = item.PublishedAt
	return changed
}

// Subscribe stores the podcast and its episodes. Podcasts without episodes are
// fetched first. Subscribing twice returns the stored podcast.
func (s *Service) Subscribe(ctx context.Context, p *domain.Podcast) (*domain.Podcast, error) {
	if p == nil || strings.TrimSpace(p.URL) == "" {
		return nil, ErrMissingFeedURL
	}
	if existing, err := s.store.PodcastByURL(ctx, p.URL); err == nil {
		existing.Episodes, err = s.store.EpisodesForPodcast(ctx, p.URL)
		if err != nil {
			return nil, err
		}
		return existing, nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	podcast := p.Clone()
	if len(podcast.Episodes) == 0 {
		loaded, err := s.Load(ctx, LoadRequest{Podcast: podcast, Refresh: true})
		if err != nil {
			return nil, err
		}
		podcast = loaded
	}

	now := s.now()
	podcast.SubscribedAt = now
	podcast.LastUpdated = now
	podcast.NewEpisodes = false
	podcast.UpdatedEpisodes = false
	if _, err := s.store.SavePodcast(ctx, podcast); err != nil {
		return nil, fmt.Errorf("save podcast: %w", err)
	}
	for _, ep := range podcast.Episodes {
		ep.PodcastURL = podcast.URL
		ep.PodcastTitle = podcast.Title
	}
	if err := s.store.SaveEpisodes(ctx, podcast.Episodes); err != nil {
		return nil, fmt.Errorf("save episodes: %w", err)
	}
	log.Printf("[INFO] subscribed to %s (%d episodes)", podcast.URL, len(podcast.Episodes))
	return podcast, nil
}

// Unsubscribe deletes downloaded files, stored episodes, Up-Next entries and
// the podcast itself. The returned copy is unsubscribed with fresh episodes.
func (s *Service) Unsubscribe(ctx context.Context, p *domain.Podcast) (*domain.Podcast, error) {
	if p == nil || strings.TrimSpace(p.URL) == "" {
		return nil, ErrMissingFeedURL
	}

	stored, err := s.store.EpisodesForPodcast(ctx, p.URL)
	if err != nil {
		return nil, err
	}
	for _, ep := range stored {
		if ep.FilePath == "" {
			continue
		}
		if err := os.Remove(ep.FilePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Printf("[WARN] remove %s: %v", ep.FilePath, err)
		}
	}
	if _, err := s.store.DeleteEpisodes(ctx, p.URL); err != nil {
		return nil, fmt.Errorf("delete episodes: %w", err)
	}
	if _, err := s.store.DeletePodcast(ctx, p.URL); err != nil {
		return nil, fmt.Errorf("delete podcast: %w", err)
	}
	for _, ep := range stored {
		s.publish(domain.EpisodeDeleted, ep)
	}

	podcast := p.Clone()
	podcast.ID = 0
	podcast.SubscribedAt = time.Time{}
	podcast.NewEpisodes = false
	podcast.UpdatedEpisodes = false
	for _, ep := range podcast.Episodes {
		ep.ID = 0
		ep.Played = false
		ep.Position = 0
		ep.Highlight = false
		ep.DownloadState = domain.DownloadNone
		ep.DownloadPercent = 0
		ep.DownloadTaskID = ""
		ep.FilePath = ""
	}
	log.Printf("[INFO] unsubscribed from %s", p.URL)
	return podcast, nil
}

// Save persists the filter and sort of a subscribed podcast. Unsubscribed
// podcasts are left alone.
func (s *Service) Save(ctx context.Context, p *domain.Podcast) error {
	if !p.Subscribed() {
		return nil
	}
	return s.store.UpdatePodcastSettings(ctx, p.URL, p.Filter, p.Sort)
}

// SetAllPlayed marks every episode of the podcast played or unplayed and
// resets positions. The returned copy reflects the change.
func (s *Service) SetAllPlayed(ctx context.Context, p *domain.Podcast, played bool) (*domain.Podcast, error) {
	if p == nil || strings.TrimSpace(p.URL) == "" {
		return nil, ErrMissingFeedURL
	}
	if _, err := s.store.SetEpisodesPlayed(ctx, p.URL, played); err != nil {
		return nil, err
	}
	podcast := p.Clone()
	for _, ep := range podcast.Episodes {
		ep.Played = played
		ep.Position = 0
	}
	return podcast, nil
}

// SetEpisodePlayed stores the played flag of one episode and resets its position.
func (s *Service) SetEpisodePlayed(ctx context.Context, ep *domain.Episode, played bool) (*domain.Episode, error) {
	updated := *ep
	updated.Played = played
	updated.Position = 0
	updated.Highlight = false
	if err := s.SaveEpisode(ctx, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// SaveEpisode upserts the episode and announces the change.
func (s *Service) SaveEpisode(ctx context.Context, ep *domain.Episode) error {
	if strings.TrimSpace(ep.PodcastURL) == "" {
		return ErrMissingFeedURL
	}
	if err := s.store.SaveEpisode(ctx, ep); err != nil {
		return err
	}
	s.publish(domain.EpisodeUpdated, ep)
	return nil
}

// Episode returns the stored episode with guid in the given feed.
func (s *Service) Episode(ctx context.Context, podcastURL, guid string) (*domain.Episode, error) {
	return s.store.EpisodeByGUID(ctx, podcastURL, guid)
}

func (s *Service) Subscriptions(ctx context.Context) ([]domain.SubscriptionSummary, error) {
	return s.store.ListSubscriptions(ctx)
}

func (s *Service) publish(kind domain.EpisodeEventKind, ep *domain.Episode) {
	if s.bus == nil || ep == nil {
		return
	}
	s.bus.Publish(domain.EpisodeEvent{Kind: kind, Episode: *ep})
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
