package app

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
	"podhub/internal/itunes"
	"podhub/internal/storage"
)

const feedTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0" xmlns:itunes="http://www.itunes.com/dtds/podcast-1.0.dtd">
  <channel>
    <title>Test Podcast</title>
    <description>Podcast about testing</description>
    <itunes:author>Tester</itunes:author>
    <item>
      <guid>ep-1</guid>
      <title>Episode One</title>
      <pubDate>Mon, 02 Jan 2006 15:04:05 GMT</pubDate>
      <itunes:duration>00:42:00</itunes:duration>
      <enclosure url="%[1]s/audio/1.mp3" length="11" type="audio/mpeg"/>
    </item>
    <item>
      <guid>ep-2</guid>
      <title>Episode Two</title>
      <pubDate>Tue, 03 Jan 2006 15:04:05 GMT</pubDate>
      <enclosure url="%[1]s/audio/2.mp3" length="11" type="audio/mpeg"/>
    </item>
  </channel>
</rss>`

const directoryTemplate = `{"resultCount":1,"results":[{"collectionId":42,"collectionName":"Test Podcast","artistName":"Tester","feedUrl":"%s/feed.xml","primaryGenreName":"Technology"}]}`

type recordingSleeper struct {
	mu    sync.Mutex
	calls []time.Duration
}

func (r *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.calls = append(r.calls, d)
	r.mu.Unlock()
	return ctx.Err()
}

type stubBackend struct {
	mu       sync.Mutex
	sources  []string
	finished chan struct{}
}

func newStubBackend() *stubBackend {
	return &stubBackend{finished: make(chan struct{}, 1)}
}

func (s *stubBackend) Load(_ context.Context, source string, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources = append(s.sources, source)
	return nil
}

func (s *stubBackend) Pause() error                     { return nil }
func (s *stubBackend) Resume() error                    { return nil }
func (s *stubBackend) Stop() error                      { return nil }
func (s *stubBackend) Position() (time.Duration, error) { return 0, nil }
func (s *stubBackend) Finished() <-chan struct{}        { return s.finished }
func (s *stubBackend) Close() error                     { return nil }

func (s *stubBackend) loaded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sources...)
}

type testEnv struct {
	app     *App
	server  *httptest.Server
	backend *stubBackend
	cfg     config.Config
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/feed.xml":
			w.Header().Set("Content-Type", "application/rss+xml")
			fmt.Fprintf(w, feedTemplate, server.URL)
		case r.URL.Path == "/page":
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("<html><body>not a feed</body></html>"))
		case strings.HasPrefix(r.URL.Path, "/audio/"):
			w.Header().Set("Content-Type", "audio/mpeg")
			_, _ = w.Write([]byte("hello world"))
		case r.URL.Path == "/search" || r.URL.Path == "/lookup":
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, directoryTemplate, server.URL)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestApp(t *testing.T, server *httptest.Server) testEnv {
	t.Helper()

	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.ParallelDownloads = 1
	cfg.DownloadRoot = filepath.Join(dir, "downloads")
	cfg.TmpDir = filepath.Join(dir, "tmp")
	cfg.AutoUpdateEpisodePeriod = -1
	require.NoError(t, os.MkdirAll(cfg.DownloadRoot, 0o755))
	require.NoError(t, os.MkdirAll(cfg.TmpDir, 0o755))

	db, err := storage.Open(filepath.Join(dir, "app.db"))
	require.NoError(t, err)

	backend := newStubBackend()
	application := NewWithDependencies(cfg, filepath.Join(dir, "config.yaml"), db, Dependencies{
		HTTPClient: server.Client(),
		ITunes:     itunes.NewClient(server.Client(), server.URL),
		Sleep:      (&recordingSleeper{}).Sleep,
		Player:     backend,
	})
	t.Cleanup(func() {
		application.Close()
	})
	require.NoError(t, application.Initialize(context.Background()))
	return testEnv{app: application, server: server, backend: backend, cfg: cfg}
}

func (e testEnv) feedURL() string {
	return e.server.URL + "/feed.xml"
}

func execute(t *testing.T, a *App, input string) CommandResult {
	t.Helper()
	result, err := a.Execute(context.Background(), input)
	require.NoError(t, err, input)
	return result
}

func TestExecuteIgnoresBlankAndUnknownInput(t *testing.T) {
	env := newTestApp(t, newTestServer(t))

	assert.Equal(t, CommandResult{}, execute(t, env.app, "   "))
	assert.Equal(t, "unknown command: bogus", execute(t, env.app, "bogus").Message)

	_, err := env.app.Execute(context.Background(), `open "unterminated`)
	assert.Error(t, err)
}

func TestHelpListsEveryCommandOnce(t *testing.T) {
	env := newTestApp(t, newTestServer(t))

	msg := execute(t, env.app, "help").Message
	assert.Contains(t, msg, "open <url|itunes-id|#n> [--refresh]")
	assert.Equal(t, 1, strings.Count(msg, "Exit the application"))

	assert.Contains(t, execute(t, env.app, "help q").Message, "Usage: queue")
	assert.Contains(t, env.app.CommandNames(), "unsub")
}

func TestSearchThenOpenByIndex(t *testing.T) {
	env := newTestApp(t, newTestServer(t))

	result := execute(t, env.app, "search test")
	require.Len(t, result.SearchResults, 1)
	assert.Contains(t, result.Message, "#1   Test Podcast by Tester [Technology] (id 42)")

	opened := execute(t, env.app, "open #1")
	require.Len(t, opened.Episodes, 2)
	assert.Equal(t, "ep-2", opened.Episodes[0].GUID, "newest first")
	assert.Contains(t, opened.Message, "Test Podcast by Tester")
	assert.Contains(t, opened.Message, "Episode One")

	assert.Contains(t, execute(t, env.app, "open #7").Message, "invalid index")
}

func TestOpenByDirectoryIDAndURL(t *testing.T) {
	env := newTestApp(t, newTestServer(t))

	byID := execute(t, env.app, "open 42")
	assert.Len(t, byID.Episodes, 2)

	byURL := execute(t, env.app, "open "+env.feedURL()+" --refresh")
	assert.Len(t, byURL.Episodes, 2)

	assert.Equal(t, "That URL is not a podcast feed.", execute(t, env.app, "open "+env.server.URL+"/page").Message)
}

func TestEpisodeCommandsNeedAnOpenPodcast(t *testing.T) {
	env := newTestApp(t, newTestServer(t))

	for _, input := range []string{"episodes", "play #1", "subscribe", "refresh", "markall"} {
		assert.Equal(t, "No podcast open. Use 'open <url|itunes-id|#n>' first.", execute(t, env.app, input).Message, input)
	}
}

func TestSubscribeListAndUnsubscribe(t *testing.T) {
	env := newTestApp(t, newTestServer(t))

	execute(t, env.app, "open "+env.feedURL())
	assert.Equal(t, "Subscribed to Test Podcast.", execute(t, env.app, "subscribe").Message)

	listed := execute(t, env.app, "list")
	require.Len(t, listed.Subscriptions, 1)
	assert.Contains(t, listed.Message, "Test Podcast  2 episodes, 2 unplayed")
	assert.Equal(t, "No subscriptions matching 'zzz'.", execute(t, env.app, "ls zzz").Message)

	opened := execute(t, env.app, "open #1")
	assert.Contains(t, opened.Message, "(subscribed")

	assert.Equal(t, "Unsubscribed from Test Podcast.", execute(t, env.app, "unsubscribe").Message)
	assert.Equal(t, "No subscriptions yet.", execute(t, env.app, "list").Message)
}

func TestPlayedFilterAndSort(t *testing.T) {
	env := newTestApp(t, newTestServer(t))

	execute(t, env.app, "open "+env.feedURL())
	execute(t, env.app, "subscribe")
	assert.Equal(t, "Marked Episode Two played.", execute(t, env.app, "played #1").Message)

	require.Eventually(t, func() bool {
		result := execute(t, env.app, "filter finished")
		return len(result.Episodes) == 1 && result.Episodes[0].GUID == "ep-2"
	}, 2*time.Second, 20*time.Millisecond)

	execute(t, env.app, "filter none")
	sorted := execute(t, env.app, "sort earliest")
	require.Len(t, sorted.Episodes, 2)
	assert.Equal(t, "ep-1", sorted.Episodes[0].GUID)
	assert.Contains(t, sorted.Message, "sort=earliest")

	assert.Equal(t, "unknown filter: sideways", execute(t, env.app, "filter sideways").Message)
	assert.Equal(t, "Unknown episode. Use 'episodes' to list them.", execute(t, env.app, "played nope").Message)

	assert.Equal(t, "Marked every episode of Test Podcast unplayed.", execute(t, env.app, "clearall").Message)
	require.Eventually(t, func() bool {
		return len(execute(t, env.app, "filter finished").Episodes) == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestFindRanksVisibleEpisodes(t *testing.T) {
	env := newTestApp(t, newTestServer(t))

	execute(t, env.app, "open "+env.feedURL())
	found := execute(t, env.app, "find one")
	require.NotEmpty(t, found.Episodes)
	assert.Equal(t, "ep-1", found.Episodes[0].GUID)
	assert.Equal(t, "No episodes matching 'qqq'.", execute(t, env.app, "find qqq").Message)
}

func TestDownloadCommandFetchesEpisode(t *testing.T) {
	env := newTestApp(t, newTestServer(t))

	execute(t, env.app, "open "+env.feedURL())
	execute(t, env.app, "subscribe")
	assert.Equal(t, "Queued Episode Two for download.", execute(t, env.app, "download #1").Message)

	var target string
	require.Eventually(t, func() bool {
		matches, _ := filepath.Glob(filepath.Join(env.cfg.DownloadRoot, "Test_Podcast", "Episode_Two_*.mp3"))
		if len(matches) != 1 {
			return false
		}
		data, err := os.ReadFile(matches[0])
		target = matches[0]
		return err == nil && string(data) == "hello world"
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		return strings.Contains(execute(t, env.app, "episodes").Message, "downloaded 11 B")
	}, 2*time.Second, 20*time.Millisecond)

	assert.Equal(t, "Deleted the download of Episode Two.", execute(t, env.app, "delete #1").Message)
	_, err := os.Stat(target)
	assert.True(t, os.IsNotExist(err))
}

func TestPlaybackAndQueueCommands(t *testing.T) {
	env := newTestApp(t, newTestServer(t))

	execute(t, env.app, "open "+env.feedURL())
	queued := execute(t, env.app, "queue add #2")
	require.NotNil(t, queued.Queue)
	require.Len(t, queued.Queue.Queue, 1)

	assert.Equal(t, "Playing Episode Two.", execute(t, env.app, "play #1").Message)
	assert.Equal(t, []string{env.server.URL + "/audio/2.mp3"}, env.backend.loaded())

	shown := execute(t, env.app, "queue").Message
	assert.Contains(t, shown, "Playing: Episode Two")
	assert.Contains(t, shown, "#1   Episode One")

	assert.Equal(t, "Paused.", execute(t, env.app, "pause").Message)
	assert.Contains(t, execute(t, env.app, "queue").Message, "Paused: Episode Two")
	assert.Equal(t, "Resumed.", execute(t, env.app, "resume").Message)

	moved := execute(t, env.app, "queue move #1 5")
	require.Len(t, moved.Queue.Queue, 1)
	assert.Equal(t, "invalid position: zero", execute(t, env.app, "queue move #1 zero").Message)

	assert.Contains(t, execute(t, env.app, "queue remove #1").Message, "Up-Next queue is empty.")
	assert.Equal(t, "That episode is not in the Up-Next queue.", execute(t, env.app, "queue remove ep-1").Message)

	assert.Equal(t, "Stopped.", execute(t, env.app, "stop").Message)
	assert.Equal(t, "Nothing is playing.", execute(t, env.app, "stop").Message)
	assert.Equal(t, "Up-Next queue cleared.", execute(t, env.app, "queue clear").Message)
}

func TestExportThenImportIntoAnotherLibrary(t *testing.T) {
	server := newTestServer(t)
	source := newTestApp(t, server)
	target := newTestApp(t, server)
	path := filepath.Join(t.TempDir(), "subs.opml")

	assert.Equal(t, "No subscriptions to export.", execute(t, source.app, "export "+path).Message)
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "failed export leaves no file")

	execute(t, source.app, "open "+source.feedURL())
	execute(t, source.app, "subscribe")
	assert.Equal(t, "Exported 1 subscriptions.", execute(t, source.app, "export "+path).Message)

	assert.Equal(t, "Imported 1 subscriptions", execute(t, target.app, "import "+path).Message)
	assert.Equal(t, "Imported 0 subscriptions, skipped 1", execute(t, target.app, "import "+path).Message)
	assert.Len(t, execute(t, target.app, "list").Subscriptions, 1)
}

func TestConfigShowAndExit(t *testing.T) {
	env := newTestApp(t, newTestServer(t))

	shown := execute(t, env.app, "config show").Message
	assert.Contains(t, shown, "parallel_downloads: 1")
	assert.Contains(t, shown, "auto_update_episode_period: -1")

	assert.True(t, execute(t, env.app, "exit").Quit)
	assert.True(t, execute(t, env.app, "quit").Quit)
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "0s"},
		{42 * time.Second, "42s"},
		{90 * time.Second, "1m30s"},
		{time.Hour + 2*time.Minute + 29*time.Second, "1h02m"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatDuration(tt.in), tt.in.String())
	}
}
