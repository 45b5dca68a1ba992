package downloads

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"podhub/internal/config"
	"podhub/internal/domain"
	"podhub/internal/events"
	"podhub/internal/repository"
	"podhub/internal/storage"
)

const testFeed = "https://example.com/feed.xml"

type recordingSleeper struct {
	mu    sync.Mutex
	calls []time.Duration
}

func (r *recordingSleeper) Sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, d)
	return nil
}

type fixture struct {
	svc      *Service
	store    *repository.Store
	settings *config.Settings
	bus      *events.Bus[domain.EpisodeEvent]
	sleeper  *recordingSleeper
}

func newFixture(t *testing.T, client *http.Client, mutate func(*config.Config)) fixture {
	t.Helper()

	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.DownloadRoot = filepath.Join(dir, "downloads")
	cfg.TmpDir = filepath.Join(dir, "tmp")
	cfg.RetryCount = 2
	cfg.RetryBackoffMaxSec = 2
	if mutate != nil {
		mutate(&cfg)
	}

	db, err := storage.Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		db.Close()
	})

	store := repository.New(db)
	settings := config.NewSettings(cfg, "")
	bus := events.NewBus[domain.EpisodeEvent](64)
	sleeper := &recordingSleeper{}
	return fixture{
		svc:      NewService(settings, store, client, bus, sleeper.Sleep),
		store:    store,
		settings: settings,
		bus:      bus,
		sleeper:  sleeper,
	}
}

func (f fixture) seedEpisode(t *testing.T, contentURL string) *domain.Episode {
	t.Helper()
	ctx := context.Background()

	_, err := f.store.SavePodcast(ctx, &domain.Podcast{URL: testFeed, Title: "Test Podcast", SubscribedAt: time.Now()})
	require.NoError(t, err)
	ep := &domain.Episode{
		GUID:         "ep1",
		PodcastURL:   testFeed,
		PodcastTitle: "Test Podcast",
		Title:        "Episode One",
		ContentURL:   contentURL,
	}
	require.NoError(t, f.store.SaveEpisode(ctx, ep))
	return ep
}

func TestDownloadRetriesAndResumes(t *testing.T) {
	const (
		content     = "hello world"
		partialSize = 6
	)

	var (
		mu       sync.Mutex
		requests int
		ranges   []string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests++
		n := requests
		ranges = append(ranges, r.Header.Get("Range"))
		mu.Unlock()
		if n == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(content)-partialSize))
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte(content[partialSize:]))
	}))
	t.Cleanup(server.Close)

	ctx := context.Background()
	f := newFixture(t, server.Client(), nil)
	ep := f.seedEpisode(t, server.URL+"/audio/ep1.mp3")
	ep.DownloadTaskID = "task-1"

	cfg := f.settings.Config()
	require.NoError(t, os.MkdirAll(cfg.TmpDir, 0o755))
	partialPath := filepath.Join(cfg.TmpDir, "podhub-task-1.partial")
	require.NoError(t, os.WriteFile(partialPath, []byte(content[:partialSize]), 0o600))

	path, err := f.svc.DownloadEpisode(ctx, ep)
	require.NoError(t, err)

	assert.Equal(t, 2, requests)
	assert.Equal(t, []string{"bytes=6-", "bytes=6-"}, ranges)
	assert.Equal(t, []time.Duration{time.Second}, f.sleeper.calls)
	assert.Equal(t, filepath.Join(cfg.DownloadRoot, "Test_Podcast", "Episode_One_"+episodeKeyHash(ep)[:8]+".mp3"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, string(data))
	_, err = os.Stat(partialPath)
	assert.True(t, os.IsNotExist(err), "partial file removed")

	stored, err := f.store.EpisodeByID(ctx, ep.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DownloadDownloaded, stored.DownloadState)
	assert.Equal(t, 100, stored.DownloadPercent)
	assert.Equal(t, path, stored.FilePath)
}

func TestDownloadBackoffIsCapped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(server.Close)

	f := newFixture(t, server.Client(), func(cfg *config.Config) {
		cfg.RetryCount = 4
		cfg.RetryBackoffMaxSec = 3
	})
	ep := f.seedEpisode(t, server.URL+"/audio.mp3")

	_, err := f.svc.DownloadEpisode(context.Background(), ep)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second}, f.sleeper.calls)
}

func TestDownloadPublishesProgress(t *testing.T) {
	payload := make([]byte, 4096)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(payload)))
		w.Write(payload)
	}))
	t.Cleanup(server.Close)

	f := newFixture(t, server.Client(), nil)
	sub := f.bus.Subscribe()
	defer sub.Close()
	ep := f.seedEpisode(t, server.URL+"/audio.mp3")

	_, err := f.svc.DownloadEpisode(context.Background(), ep)
	require.NoError(t, err)

	var last domain.EpisodeEvent
	seenProgress := false
	for {
		select {
		case ev := <-sub.C:
			last = ev
			if ev.Episode.DownloadState == domain.DownloadDownloading {
				seenProgress = true
				assert.Greater(t, ev.Episode.DownloadPercent, 0)
			}
			continue
		default:
		}
		break
	}
	assert.True(t, seenProgress)
	assert.Equal(t, domain.DownloadDownloaded, last.Episode.DownloadState)
	assert.Equal(t, "ep1", last.Episode.GUID)
}

func TestEnqueueRejectsMissingContentURL(t *testing.T) {
	f := newFixture(t, nil, nil)
	_, err := f.svc.Enqueue(context.Background(), &domain.Episode{GUID: "x"})
	assert.ErrorIs(t, err, ErrNoContentURL)
}

func TestManagerDownloadsQueuedEpisodes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "audio-bytes")
	}))
	t.Cleanup(server.Close)

	ctx := context.Background()
	f := newFixture(t, server.Client(), nil)
	manager := NewManager(f.svc, f.store, 2)
	t.Cleanup(manager.Stop)

	ep := f.seedEpisode(t, server.URL+"/ep1.mp3")
	queued, err := f.svc.Enqueue(ctx, ep)
	require.NoError(t, err)
	assert.Equal(t, domain.DownloadQueued, queued.DownloadState)
	assert.NotEmpty(t, queued.DownloadTaskID)

	require.Eventually(t, func() bool {
		stored, err := f.store.EpisodeByID(ctx, ep.ID)
		if err != nil || stored.DownloadState != domain.DownloadDownloaded {
			return false
		}
		pending, err := f.store.PendingDownloads(ctx)
		return err == nil && pending == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestManagerMarksFailedDownloads(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	t.Cleanup(server.Close)

	ctx := context.Background()
	f := newFixture(t, server.Client(), func(cfg *config.Config) { cfg.RetryCount = 0 })
	manager := NewManager(f.svc, f.store, 1)
	t.Cleanup(manager.Stop)

	ep := f.seedEpisode(t, server.URL+"/missing.mp3")
	_, err := f.svc.Enqueue(ctx, ep)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stored, err := f.store.EpisodeByID(ctx, ep.ID)
		return err == nil && stored.DownloadState == domain.DownloadFailed
	}, 5*time.Second, 20*time.Millisecond)
}

func TestDeleteRemovesFileAndMarksPlayed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, func(cfg *config.Config) { cfg.MarkDeletedEpisodesPlayed = true })
	ep := f.seedEpisode(t, "https://example.com/ep1.mp3")

	file := filepath.Join(t.TempDir(), "ep1.mp3")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
	require.NoError(t, f.store.UpdateDownload(ctx, ep.ID, repository.DownloadUpdate{State: domain.DownloadDownloaded, Percent: 100, FilePath: file}))
	ep.DownloadState = domain.DownloadDownloaded
	ep.FilePath = file

	deleted, err := f.svc.Delete(ctx, ep)
	require.NoError(t, err)
	assert.Equal(t, domain.DownloadNone, deleted.DownloadState)
	assert.True(t, deleted.Played)

	_, err = os.Stat(file)
	assert.True(t, os.IsNotExist(err))

	stored, err := f.store.EpisodeByID(ctx, ep.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DownloadNone, stored.DownloadState)
	assert.Empty(t, stored.FilePath)
	assert.True(t, stored.Played)
}

func TestResumePendingReleasesClaims(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)
	ep := f.seedEpisode(t, "https://example.com/ep1.mp3")

	require.NoError(t, f.store.EnqueueDownload(ctx, ep.ID, "task"))
	_, err := f.store.ClaimNextDownload(ctx)
	require.NoError(t, err)

	n, err := f.svc.ResumePending(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	id, err := f.store.ClaimNextDownload(ctx)
	require.NoError(t, err)
	assert.Equal(t, ep.ID, id)
}

func TestSafeFilename(t *testing.T) {
	assert.Equal(t, "Hello_World", safeFilename("  Hello, World! "))
	assert.Equal(t, "", safeFilename("///"))
	assert.Len(t, safeFilename(strings.Repeat("a", 300)), 128)
	assert.Equal(t, ".m4a", fileExtension("https://cdn.example.com/a/b.m4a?x=1"))
	assert.Equal(t, ".mp3", fileExtension("https://cdn.example.com/stream"))
}

func TestEpisodesWithSameTitleGetDistinctFiles(t *testing.T) {
	root := t.TempDir()
	first := &domain.Episode{GUID: "a", PodcastURL: testFeed, PodcastTitle: "Show", Title: "Bonus", ContentURL: "https://example.com/a.mp3"}
	second := &domain.Episode{GUID: "b", PodcastURL: testFeed, PodcastTitle: "Show", Title: "Bonus", ContentURL: "https://example.com/b.mp3"}

	firstPath, err := episodeFilePath(root, first)
	require.NoError(t, err)
	secondPath, err := episodeFilePath(root, second)
	require.NoError(t, err)

	assert.NotEqual(t, firstPath, secondPath)
	assert.Equal(t, filepath.Join(root, "Show"), filepath.Dir(firstPath))
	assert.Regexp(t, `^Bonus_[0-9a-f]{8}\.mp3$`, filepath.Base(firstPath))

	again, err := episodeFilePath(root, first)
	require.NoError(t, err)
	assert.Equal(t, firstPath, again, "paths are stable")
}
