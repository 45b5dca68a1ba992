package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"podhub/internal/browse"
	"podhub/internal/domain"
	"podhub/internal/feeds"
	"podhub/internal/player"
)

const testFeed = "https://example.com/feed.xml"

type fakeController struct {
	mu       sync.Mutex
	snapshot browse.Snapshot
	actions  []browse.Action
	actErr   error
	played   map[string]bool
	loads    []browse.Feed
	loadErr  error
	queue    domain.QueueState
}

func newFakeController() *fakeController {
	podcast := &domain.Podcast{ID: 1, URL: testFeed, Title: "Test Podcast", Filter: domain.FilterNone, Sort: domain.SortDefault}
	episodes := []*domain.Episode{
		{GUID: "ep1", PodcastURL: testFeed, Title: "One", PublishedAt: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), Duration: 90 * time.Second},
		{GUID: "ep2", PodcastURL: testFeed, Title: "Two", Played: true, DownloadState: domain.DownloadDownloaded},
	}
	podcast.Episodes = episodes
	return &fakeController{
		snapshot: browse.Snapshot{
			Podcast:  browse.PodcastState{Status: browse.StatusPopulated, Podcast: podcast},
			Episodes: browse.EpisodesState{Status: browse.StatusPopulated, PodcastURL: testFeed, Episodes: episodes},
			Subscriptions: browse.SubscriptionsState{
				Status:        browse.StatusPopulated,
				Subscriptions: []domain.SubscriptionSummary{{Podcast: *podcast, EpisodeCount: 2, UnplayedCount: 1}},
			},
		},
		played: map[string]bool{},
	}
}

func (f *fakeController) LoadPodcast(_ context.Context, feed browse.Feed) (browse.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads = append(f.loads, feed)
	if f.loadErr != nil {
		return browse.Snapshot{}, f.loadErr
	}
	return f.snapshot, nil
}

func (f *fakeController) Snapshot(context.Context) (browse.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot, nil
}

func (f *fakeController) Do(_ context.Context, action browse.Action) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, action)
	return f.actErr
}

func (f *fakeController) find(guid string) (*domain.Episode, error) {
	for _, ep := range f.snapshot.Episodes.Episodes {
		if ep.GUID == guid {
			copied := *ep
			return &copied, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", browse.ErrEpisodeNotFound, guid)
}

func (f *fakeController) Download(_ context.Context, guid string) (*domain.Episode, error) {
	ep, err := f.find(guid)
	if err != nil {
		return nil, err
	}
	ep.DownloadState = domain.DownloadQueued
	return ep, nil
}

func (f *fakeController) DeleteDownload(_ context.Context, guid string) (*domain.Episode, error) {
	ep, err := f.find(guid)
	if err != nil {
		return nil, err
	}
	ep.DownloadState = domain.DownloadNone
	return ep, nil
}

func (f *fakeController) SetPlayed(_ context.Context, guid string, played bool) (*domain.Episode, error) {
	ep, err := f.find(guid)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.played[guid] = played
	f.mu.Unlock()
	ep.Played = played
	return ep, nil
}

func (f *fakeController) Play(_ context.Context, guid string) (*domain.Episode, error) {
	ep, err := f.find(guid)
	if err != nil {
		return nil, err
	}
	if ep.ContentURL == "" {
		return nil, player.ErrNoSource
	}
	return ep, nil
}

func (f *fakeController) QueueUpNext(_ context.Context, guid string) (domain.QueueState, error) {
	ep, err := f.find(guid)
	if err != nil {
		return domain.QueueState{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue.Queue = append(f.queue.Queue, *ep)
	return f.queue, nil
}

func (f *fakeController) Search(_ context.Context, term string) ([]*domain.Episode, error) {
	ep, err := f.find("ep1")
	if err != nil || term != "one" {
		return nil, err
	}
	return []*domain.Episode{ep}, nil
}

type fakePlayer struct {
	mu      sync.Mutex
	state   domain.QueueState
	removed []string
	moved   []int
	cleared bool
	paused  bool
}

func (p *fakePlayer) Queue() domain.QueueState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *fakePlayer) RemoveUpNext(_ context.Context, podcastURL, guid string) (domain.QueueState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, ep := range p.state.Queue {
		if ep.PodcastURL == podcastURL && ep.GUID == guid {
			p.removed = append(p.removed, guid)
			p.state.Queue = append(p.state.Queue[:i:i], p.state.Queue[i+1:]...)
			return p.state, nil
		}
	}
	return domain.QueueState{}, player.ErrNotQueued
}

func (p *fakePlayer) MoveUpNext(_ context.Context, podcastURL, guid string, index int) (domain.QueueState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if podcastURL == "" {
		return domain.QueueState{}, player.ErrNotQueued
	}
	p.moved = append(p.moved, index)
	return p.state, nil
}

func (p *fakePlayer) ClearQueue(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cleared = true
	p.state.Queue = nil
	return nil
}

func (p *fakePlayer) Pause(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.Playing == nil {
		return player.ErrNothingPlaying
	}
	p.paused = true
	p.state.Paused = true
	return nil
}

func (p *fakePlayer) Resume(context.Context) error { return nil }
func (p *fakePlayer) Stop(context.Context) error   { return nil }

func newTestEngine(t *testing.T) (*gin.Engine, *fakeController, *fakePlayer) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctrl := newFakeController()
	pl := &fakePlayer{state: domain.QueueState{Queue: []domain.Episode{
		{GUID: "q1", PodcastURL: testFeed, Title: "Queued One"},
		{GUID: "q2", PodcastURL: testFeed, Title: "Queued Two"},
	}}}
	server := NewServer("127.0.0.1:0", Dependencies{Loader: ctrl, Controller: ctrl, Player: pl})
	return server.Engine(), ctrl, pl
}

func request(t *testing.T, engine *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHealth(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	w := request(t, engine, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, StatusOK, decode[map[string]any](t, w)["status"])
}

func TestGetSubscriptionsReloadsFirst(t *testing.T) {
	engine, ctrl, _ := newTestEngine(t)
	w := request(t, engine, http.MethodGet, "/subscriptions", nil)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[SubscriptionsResponse](t, w)
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, "Test Podcast", resp.Subscriptions[0].Podcast.Title)
	assert.True(t, resp.Subscriptions[0].Podcast.Subscribed)
	assert.Equal(t, []browse.Action{browse.ActionReloadSubscriptions}, ctrl.actions)
}

func TestGetPodcast(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	w := request(t, engine, http.MethodGet, "/podcast", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decode[map[string]any](t, w)
	assert.Equal(t, "populated", body["podcast_status"])
	assert.Equal(t, "empty", body["background_status"])

	resp := decode[PodcastResponse](t, w)
	require.NotNil(t, resp.Podcast)
	assert.Equal(t, testFeed, resp.Podcast.URL)
	require.Len(t, resp.Episodes, 2)
	assert.Equal(t, int64(90), resp.Episodes[0].DurationSec)
	assert.Equal(t, "none", resp.Episodes[0].DownloadState)
	assert.Equal(t, "downloaded", resp.Episodes[1].DownloadState)
}

func TestPostLoad(t *testing.T) {
	engine, ctrl, _ := newTestEngine(t)

	w := request(t, engine, http.MethodPost, "/podcast/load", LoadRequest{URL: " " + testFeed + " ", Refresh: true})
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, ctrl.loads, 1)
	assert.Equal(t, testFeed, ctrl.loads[0].Podcast.URL)
	assert.True(t, ctrl.loads[0].Refresh)
	assert.True(t, ctrl.loads[0].BackgroundRefresh)

	w = request(t, engine, http.MethodPost, "/podcast/load", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	ctrl.loadErr = fmt.Errorf("%w: bad markup", feeds.ErrNotFeed)
	w = request(t, engine, http.MethodPost, "/podcast/load", LoadRequest{URL: testFeed})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestPostAction(t *testing.T) {
	engine, ctrl, _ := newTestEngine(t)

	w := request(t, engine, http.MethodPost, "/podcast/actions", ActionRequest{Action: "sort_latest"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []browse.Action{browse.ActionSortLatest}, ctrl.actions)

	w = request(t, engine, http.MethodPost, "/podcast/actions", ActionRequest{Action: "explode"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	ctrl.actErr = browse.ErrNoPodcast
	w = request(t, engine, http.MethodPost, "/podcast/actions", ActionRequest{Action: "subscribe"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, browse.ErrNoPodcast.Error(), decode[BaseResponse](t, w).Message)

	ctrl.actErr = errors.New("disk full")
	w = request(t, engine, http.MethodPost, "/podcast/actions", ActionRequest{Action: "mark_all_played"})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestEpisodeOperations(t *testing.T) {
	engine, ctrl, _ := newTestEngine(t)

	tests := []struct {
		name   string
		method string
		path   string
		status int
		check  func(t *testing.T, w *httptest.ResponseRecorder)
	}{
		{
			name: "download", method: http.MethodPost, path: "/episodes/ep1/download", status: http.StatusOK,
			check: func(t *testing.T, w *httptest.ResponseRecorder) {
				assert.Equal(t, "queued", decode[EpisodeResponse](t, w).Episode.DownloadState)
			},
		},
		{
			name: "played", method: http.MethodPost, path: "/episodes/ep1/played", status: http.StatusOK,
			check: func(t *testing.T, w *httptest.ResponseRecorder) {
				assert.True(t, decode[EpisodeResponse](t, w).Episode.Played)
			},
		},
		{name: "unplayed", method: http.MethodPost, path: "/episodes/ep2/unplayed", status: http.StatusOK},
		{name: "play without audio", method: http.MethodPost, path: "/episodes/ep1/play", status: http.StatusUnprocessableEntity},
		{
			name: "queue", method: http.MethodPost, path: "/episodes/ep1/queue", status: http.StatusOK,
			check: func(t *testing.T, w *httptest.ResponseRecorder) {
				assert.Len(t, decode[QueueResponse](t, w).Queue, 1)
			},
		},
		{name: "unknown op", method: http.MethodPost, path: "/episodes/ep1/explode", status: http.StatusNotFound},
		{name: "unknown episode", method: http.MethodPost, path: "/episodes/nope/download", status: http.StatusNotFound},
		{
			name: "delete download", method: http.MethodDelete, path: "/episodes/ep2/download", status: http.StatusOK,
			check: func(t *testing.T, w *httptest.ResponseRecorder) {
				assert.Equal(t, "none", decode[EpisodeResponse](t, w).Episode.DownloadState)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := request(t, engine, tt.method, tt.path, nil)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			if tt.check != nil {
				tt.check(t, w)
			}
		})
	}
	assert.Equal(t, map[string]bool{"ep1": true, "ep2": false}, ctrl.played)
}

func TestSearchEpisodes(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	w := request(t, engine, http.MethodGet, "/podcast/search?q=one", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[EpisodesResponse](t, w)
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "ep1", resp.Episodes[0].GUID)

	w = request(t, engine, http.MethodGet, "/podcast/search", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestQueueEndpoints(t *testing.T) {
	engine, _, pl := newTestEngine(t)

	w := request(t, engine, http.MethodGet, "/queue", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[QueueResponse](t, w).Queue, 2)

	w = request(t, engine, http.MethodPost, "/queue/move", map[string]any{"guid": "q2", "index": 0})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []int{0}, pl.moved)

	w = request(t, engine, http.MethodPost, "/queue/move", map[string]any{"guid": "q2"})
	assert.Equal(t, http.StatusBadRequest, w.Code, "index is required")

	w = request(t, engine, http.MethodPost, "/queue/move", map[string]any{"guid": "missing", "index": 1})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = request(t, engine, http.MethodDelete, "/queue?guid=q1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"q1"}, pl.removed)
	assert.Len(t, decode[QueueResponse](t, w).Queue, 1)

	w = request(t, engine, http.MethodDelete, "/queue?guid=q1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = request(t, engine, http.MethodPost, "/queue", QueueRequest{GUID: "ep1"})
	require.Equal(t, http.StatusOK, w.Code)

	w = request(t, engine, http.MethodDelete, "/queue", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, pl.cleared)
	assert.Empty(t, decode[QueueResponse](t, w).Queue)
}

func TestPlayerEndpoints(t *testing.T) {
	engine, _, pl := newTestEngine(t)

	w := request(t, engine, http.MethodPost, "/player/pause", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	pl.state.Playing = &domain.Episode{GUID: "ep1", Title: "One", Position: 30 * time.Second}
	w = request(t, engine, http.MethodPost, "/player/pause", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[QueueResponse](t, w)
	assert.True(t, resp.Paused)
	require.NotNil(t, resp.Playing)
	assert.Equal(t, int64(30), resp.Playing.PositionSec)

	assert.Equal(t, http.StatusNotFound, request(t, engine, http.MethodPost, "/player/rewind", nil).Code)
	assert.Equal(t, http.StatusNotFound, request(t, engine, http.MethodGet, "/nowhere", nil).Code)
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrap: %w", browse.ErrEpisodeNotFound), http.StatusNotFound},
		{player.ErrNothingPlaying, http.StatusConflict},
		{browse.ErrUnknownAction, http.StatusBadRequest},
		{browse.ErrClosed, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, errorStatus(tt.err), tt.err.Error())
	}
}
