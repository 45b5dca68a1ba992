package podcasts

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"podhub/internal/domain"
	"podhub/internal/events"
	"podhub/internal/feeds"
	"podhub/internal/repository"
	"podhub/internal/storage"
)

const testFeed = "https://example.com/feed.xml"

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeFetcher struct {
	mu    sync.Mutex
	feeds map[string]feeds.Feed
	errs  map[string]error
	calls int
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{feeds: map[string]feeds.Feed{}, errs: map[string]error{}}
}

func (f *fakeFetcher) set(feed feeds.Feed) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.feeds[feed.URL] = feed
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) (feeds.Feed, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.errs[url]; err != nil {
		return feeds.Feed{}, err
	}
	feed, ok := f.feeds[url]
	if !ok {
		return feeds.Feed{}, errors.New("no such feed")
	}
	return feed, nil
}

func item(guid string, age time.Duration) feeds.Item {
	return feeds.Item{
		GUID:        guid,
		Title:       "Episode " + guid,
		ContentURL:  "https://example.com/" + guid + ".mp3",
		PublishedAt: base.Add(-age),
	}
}

func sampleFeed(items ...feeds.Item) feeds.Feed {
	return feeds.Feed{URL: testFeed, Title: "Sample", Description: "A sample feed", Items: items}
}

type fixture struct {
	svc     *Service
	store   *repository.Store
	fetcher *fakeFetcher
	bus     *events.Bus[domain.EpisodeEvent]
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store := repository.New(db)
	fetcher := newFakeFetcher()
	bus := events.NewBus[domain.EpisodeEvent](64)
	t.Cleanup(bus.Close)
	svc := NewService(store, fetcher, bus, Options{Now: func() time.Time { return base }})
	return fixture{svc: svc, store: store, fetcher: fetcher, bus: bus}
}

func TestLoadUnsubscribedFetchesWithoutPersisting(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fetcher.set(sampleFeed(item("a", 2*time.Hour), item("b", time.Hour)))

	podcast, err := f.svc.Load(ctx, LoadRequest{Podcast: &domain.Podcast{URL: testFeed}})
	require.NoError(t, err)

	assert.False(t, podcast.Subscribed())
	assert.Equal(t, "Sample", podcast.Title)
	assert.Equal(t, []string{"b", "a"}, guids(podcast.Episodes))
	assert.Equal(t, testFeed, podcast.Episodes[0].PodcastURL)
	assert.False(t, podcast.NewEpisodes)

	stored, err := f.store.EpisodesForPodcast(ctx, testFeed)
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestLoadMissingURL(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Load(context.Background(), LoadRequest{Podcast: &domain.Podcast{}})
	assert.ErrorIs(t, err, ErrMissingFeedURL)
}

func TestSubscribedLoadUsesStoreUnlessRefreshing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fetcher.set(sampleFeed(item("a", time.Hour)))

	subscribed, err := f.svc.Subscribe(ctx, &domain.Podcast{URL: testFeed})
	require.NoError(t, err)
	require.True(t, subscribed.Subscribed())
	calls := f.fetcher.calls

	loaded, err := f.svc.Load(ctx, LoadRequest{Podcast: subscribed})
	require.NoError(t, err)
	assert.Equal(t, calls, f.fetcher.calls, "no network for stored subscription")
	assert.Equal(t, []string{"a"}, guids(loaded.Episodes))

	f.fetcher.set(sampleFeed(item("a", time.Hour), item("new", time.Minute)))
	refreshed, err := f.svc.Load(ctx, LoadRequest{Podcast: subscribed, Refresh: true, HighlightNew: true})
	require.NoError(t, err)
	assert.True(t, refreshed.NewEpisodes)
	assert.False(t, refreshed.UpdatedEpisodes)
	assert.Equal(t, []string{"new", "a"}, guids(refreshed.Episodes))
	assert.True(t, refreshed.Episodes[0].Highlight)
	assert.False(t, refreshed.Episodes[1].Highlight)
	assert.Equal(t, base, refreshed.LastUpdated)

	stored, err := f.store.EpisodesForPodcast(ctx, testFeed)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestRefreshPreservesEpisodeStateAndFlagsUpdates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fetcher.set(sampleFeed(item("a", time.Hour), item("gone", 2*time.Hour), item("kept", 3*time.Hour)))

	subscribed, err := f.svc.Subscribe(ctx, &domain.Podcast{URL: testFeed})
	require.NoError(t, err)

	a := subscribed.EpisodeByGUID("a")
	_, err = f.svc.SetEpisodePlayed(ctx, a, true)
	require.NoError(t, err)

	kept := subscribed.EpisodeByGUID("kept")
	require.NoError(t, f.store.UpdateDownload(ctx, kept.ID, repository.DownloadUpdate{
		State: domain.DownloadDownloaded, Percent: 100, FilePath: "/tmp/kept.mp3",
	}))

	changed := item("a", time.Hour)
	changed.Title = "Renamed"
	f.fetcher.set(sampleFeed(changed))

	refreshed, err := f.svc.Load(ctx, LoadRequest{Podcast: subscribed, Refresh: true, HighlightNew: true})
	require.NoError(t, err)

	assert.True(t, refreshed.UpdatedEpisodes)
	assert.False(t, refreshed.NewEpisodes)
	assert.Equal(t, []string{"a", "kept"}, guids(refreshed.Episodes))

	gotA := refreshed.EpisodeByGUID("a")
	assert.Equal(t, "Renamed", gotA.Title)
	assert.True(t, gotA.Played)
	assert.Equal(t, a.ID, gotA.ID)
	assert.Equal(t, domain.DownloadDownloaded, refreshed.EpisodeByGUID("kept").DownloadState)

	_, err = f.store.EpisodeByGUID(ctx, testFeed, "gone")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestFetchErrorIsReturned(t *testing.T) {
	f := newFixture(t)
	f.fetcher.errs[testFeed] = errors.New("boom")
	_, err := f.svc.Load(context.Background(), LoadRequest{Podcast: &domain.Podcast{URL: testFeed}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestSubscribeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fetcher.set(sampleFeed(item("a", time.Hour)))

	first, err := f.svc.Subscribe(ctx, &domain.Podcast{URL: testFeed})
	require.NoError(t, err)
	second, err := f.svc.Subscribe(ctx, &domain.Podcast{URL: testFeed})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, second.Episodes, 1)
}

func TestUnsubscribeRemovesEverything(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fetcher.set(sampleFeed(item("a", time.Hour), item("b", 2*time.Hour)))

	subscribed, err := f.svc.Subscribe(ctx, &domain.Podcast{URL: testFeed})
	require.NoError(t, err)

	file := filepath.Join(t.TempDir(), "a.mp3")
	require.NoError(t, os.WriteFile(file, []byte("audio"), 0o644))
	a := subscribed.EpisodeByGUID("a")
	require.NoError(t, f.store.UpdateDownload(ctx, a.ID, repository.DownloadUpdate{
		State: domain.DownloadDownloaded, Percent: 100, FilePath: file,
	}))
	a.DownloadState = domain.DownloadDownloaded
	a.FilePath = file
	require.NoError(t, f.store.ReplaceQueue(ctx, []int64{a.ID}))

	sub := f.bus.Subscribe()
	defer sub.Close()

	result, err := f.svc.Unsubscribe(ctx, subscribed)
	require.NoError(t, err)
	assert.False(t, result.Subscribed())
	assert.Equal(t, domain.DownloadNone, result.EpisodeByGUID("a").DownloadState)
	assert.Empty(t, result.EpisodeByGUID("a").FilePath)

	_, err = os.Stat(file)
	assert.ErrorIs(t, err, os.ErrNotExist)
	has, err := f.store.HasSubscriptionByFeedURL(ctx, testFeed)
	require.NoError(t, err)
	assert.False(t, has)
	queue, err := f.store.LoadQueue(ctx)
	require.NoError(t, err)
	assert.Empty(t, queue)

	ev := <-sub.C
	assert.Equal(t, domain.EpisodeDeleted, ev.Kind)
}

func TestSaveOnlyPersistsSubscribed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fetcher.set(sampleFeed(item("a", time.Hour)))

	require.NoError(t, f.svc.Save(ctx, &domain.Podcast{URL: testFeed, Filter: domain.FilterFinished}))
	_, err := f.store.PodcastByURL(ctx, testFeed)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	subscribed, err := f.svc.Subscribe(ctx, &domain.Podcast{URL: testFeed})
	require.NoError(t, err)
	subscribed.Filter = domain.FilterFinished
	subscribed.Sort = domain.SortEarliest
	require.NoError(t, f.svc.Save(ctx, subscribed))

	stored, err := f.store.PodcastByURL(ctx, testFeed)
	require.NoError(t, err)
	assert.Equal(t, domain.FilterFinished, stored.Filter)
	assert.Equal(t, domain.SortEarliest, stored.Sort)
}

func TestSetAllPlayed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.fetcher.set(sampleFeed(item("a", time.Hour), item("b", 2*time.Hour)))
	subscribed, err := f.svc.Subscribe(ctx, &domain.Podcast{URL: testFeed})
	require.NoError(t, err)

	played, err := f.svc.SetAllPlayed(ctx, subscribed, true)
	require.NoError(t, err)
	for _, ep := range played.Episodes {
		assert.True(t, ep.Played)
	}
	for _, ep := range subscribed.Episodes {
		assert.False(t, ep.Played, "input is not mutated")
	}

	stored, err := f.store.EpisodesForPodcast(ctx, testFeed)
	require.NoError(t, err)
	for _, ep := range stored {
		assert.True(t, ep.Played)
	}

	cleared, err := f.svc.SetAllPlayed(ctx, played, false)
	require.NoError(t, err)
	for _, ep := range cleared.Episodes {
		assert.False(t, ep.Played)
		assert.Zero(t, ep.Position)
	}
}

func TestSaveEpisodePublishesEvent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	sub := f.bus.Subscribe()
	defer sub.Close()

	ep := &domain.Episode{GUID: "x", PodcastURL: testFeed, Title: "X", Position: time.Minute}
	require.NoError(t, f.svc.SaveEpisode(ctx, ep))
	assert.NotZero(t, ep.ID)

	ev := <-sub.C
	assert.Equal(t, domain.EpisodeUpdated, ev.Kind)
	assert.Equal(t, "x", ev.Episode.GUID)

	err := f.svc.SaveEpisode(ctx, &domain.Episode{GUID: "y"})
	assert.ErrorIs(t, err, ErrMissingFeedURL)
}

func TestRefreshAllReportsFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	other := "https://example.com/other.xml"
	f.fetcher.set(sampleFeed(item("a", time.Hour)))
	f.fetcher.set(feeds.Feed{URL: other, Title: "Other", Items: []feeds.Item{item("o", time.Hour)}})

	_, err := f.svc.Subscribe(ctx, &domain.Podcast{URL: testFeed})
	require.NoError(t, err)
	_, err = f.svc.Subscribe(ctx, &domain.Podcast{URL: other})
	require.NoError(t, err)

	f.fetcher.set(sampleFeed(item("a", time.Hour), item("fresh", time.Minute)))
	f.fetcher.errs[other] = errors.New("offline")

	report, err := f.svc.RefreshAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Refreshed)
	assert.Equal(t, 1, report.NewEpisodes)
	assert.Equal(t, []string{"Sample"}, report.Updated)
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Errors[0], "offline")
}

func TestOPMLRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var empty bytes.Buffer
	_, err := f.svc.ExportOPML(ctx, &empty)
	assert.ErrorIs(t, err, ErrNoSubscriptionsToExport)

	f.fetcher.set(sampleFeed(item("a", time.Hour)))
	_, err = f.svc.Subscribe(ctx, &domain.Podcast{URL: testFeed})
	require.NoError(t, err)

	var buf bytes.Buffer
	n, err := f.svc.ExportOPML(ctx, &buf)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Contains(t, buf.String(), testFeed)

	doc := strings.Replace(buf.String(), "</body>",
		`<outline type="rss" text="Broken" xmlUrl="https://example.com/broken.xml"/></body>`, 1)
	result, err := f.svc.ImportOPML(ctx, strings.NewReader(doc))
	require.NoError(t, err)
	assert.Equal(t, 0, result.Imported)
	assert.Equal(t, 1, result.Skipped)
	assert.Len(t, result.Errors, 1)
}

func guids(episodes []*domain.Episode) []string {
	out := make([]string, len(episodes))
	for i, ep := range episodes {
		out[i] = ep.GUID
	}
	return out
}
