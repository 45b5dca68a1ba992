package browse

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"podhub/internal/domain"
	"podhub/internal/events"
	"podhub/internal/podcasts"
	"podhub/internal/search"
)

var (
	ErrClosed          = errors.New("controller closed")
	ErrNoPodcast       = errors.New("no podcast loaded")
	ErrEpisodeNotFound = errors.New("episode not found")
	ErrUnknownAction   = errors.New("unknown action")
)

// PodcastService loads and persists podcasts.
type PodcastService interface {
	Load(ctx context.Context, req podcasts.LoadRequest) (*domain.Podcast, error)
	Subscribe(ctx context.Context, p *domain.Podcast) (*domain.Podcast, error)
	Unsubscribe(ctx context.Context, p *domain.Podcast) (*domain.Podcast, error)
	Save(ctx context.Context, p *domain.Podcast) error
	SetAllPlayed(ctx context.Context, p *domain.Podcast, played bool) (*domain.Podcast, error)
	SetEpisodePlayed(ctx context.Context, ep *domain.Episode, played bool) (*domain.Episode, error)
	Subscriptions(ctx context.Context) ([]domain.SubscriptionSummary, error)
}

type DownloadService interface {
	Enqueue(ctx context.Context, ep *domain.Episode) (*domain.Episode, error)
	Delete(ctx context.Context, ep *domain.Episode) (*domain.Episode, error)
}

type AudioPlayerService interface {
	Play(ctx context.Context, ep *domain.Episode) (*domain.Episode, error)
	AddUpNext(ctx context.Context, ep *domain.Episode) (domain.QueueState, error)
}

type SettingsService interface {
	AutoUpdatePeriod() (time.Duration, bool)
}

type Deps struct {
	Podcasts  PodcastService
	Downloads DownloadService
	Player    AudioPlayerService
	Settings  SettingsService
	// Episodes carries stored-episode changes made by the services.
	Episodes *events.Bus[domain.EpisodeEvent]
	Now      func() time.Time
}

// Controller owns the podcast being browsed. All of its state lives on the
// goroutine running Run; callers talk to it through commands and read it
// through subscriptions or Snapshot.
type Controller struct {
	deps Deps

	cmds       chan func()
	done       chan struct{}
	closeOnce  sync.Once
	workCtx    context.Context
	cancelWork context.CancelFunc

	podcastBus       *events.Bus[PodcastState]
	episodesBus      *events.Bus[EpisodesState]
	subscriptionsBus *events.Bus[SubscriptionsState]
	backgroundBus    *events.Bus[BackgroundState]

	// Loop-owned.
	seq           uint64
	podcast       *domain.Podcast
	podcastState  PodcastState
	episodesState EpisodesState
	subsState     SubscriptionsState
	bgState       BackgroundState
}

func New(deps Deps) *Controller {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	workCtx, cancel := context.WithCancel(context.Background())
	return &Controller{
		deps:             deps,
		cmds:             make(chan func(), 32),
		done:             make(chan struct{}),
		workCtx:          workCtx,
		cancelWork:       cancel,
		podcastBus:       events.NewBus[PodcastState](16),
		episodesBus:      events.NewBus[EpisodesState](16),
		subscriptionsBus: events.NewBus[SubscriptionsState](8),
		backgroundBus:    events.NewBus[BackgroundState](8),
	}
}

// Run processes commands until ctx is done or the controller is closed.
func (c *Controller) Run(ctx context.Context) error {
	var episodes <-chan domain.EpisodeEvent
	if c.deps.Episodes != nil {
		sub := c.deps.Episodes.Subscribe()
		defer sub.Close()
		episodes = sub.C
	}

	for {
		select {
		case <-ctx.Done():
			c.Close()
			return ctx.Err()
		case <-c.done:
			return nil
		case fn := <-c.cmds:
			fn()
		case ev, ok := <-episodes:
			if !ok {
				episodes = nil
				continue
			}
			c.applyEpisodeEvent(ev)
		}
	}
}

// Close stops the loop, cancels in-flight work and closes every output.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancelWork()
		c.podcastBus.Close()
		c.episodesBus.Close()
		c.subscriptionsBus.Close()
		c.backgroundBus.Close()
	})
}

func (c *Controller) Podcast() *events.Subscription[PodcastState] {
	return c.podcastBus.Subscribe()
}

func (c *Controller) Episodes() *events.Subscription[EpisodesState] {
	return c.episodesBus.Subscribe()
}

func (c *Controller) Subscriptions() *events.Subscription[SubscriptionsState] {
	return c.subscriptionsBus.Subscribe()
}

func (c *Controller) Background() *events.Subscription[BackgroundState] {
	return c.backgroundBus.Subscribe()
}

// Load requests feed. It returns once the request is queued; progress is
// reported on the output subscriptions.
func (c *Controller) Load(ctx context.Context, feed Feed) error {
	if feed.Podcast == nil || strings.TrimSpace(feed.Podcast.URL) == "" {
		return podcasts.ErrMissingFeedURL
	}
	feed.Podcast = feed.Podcast.Clone()
	feed.Podcast.URL = strings.TrimSpace(feed.Podcast.URL)
	return c.send(ctx, func() { c.startLoad(feed) })
}

// Do runs action against the current podcast and waits for it to finish.
func (c *Controller) Do(ctx context.Context, action Action) error {
	if _, ok := actionNames[action]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownAction, int(action))
	}
	reply := make(chan error, 1)
	if err := c.send(ctx, func() { c.dispatch(action, reply) }); err != nil {
		return err
	}
	return c.wait(ctx, reply)
}

func (c *Controller) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := c.call(ctx, func() {
		snap = Snapshot{
			Podcast:       c.podcastState,
			Episodes:      c.episodesState,
			Subscriptions: c.subsState,
			Background:    c.bgState,
		}
	})
	return snap, err
}

// Download queues the episode with guid for download.
func (c *Controller) Download(ctx context.Context, guid string) (*domain.Episode, error) {
	ep, err := c.episode(ctx, guid)
	if err != nil {
		return nil, err
	}
	return c.deps.Downloads.Enqueue(ctx, ep)
}

func (c *Controller) DeleteDownload(ctx context.Context, guid string) (*domain.Episode, error) {
	ep, err := c.episode(ctx, guid)
	if err != nil {
		return nil, err
	}
	return c.deps.Downloads.Delete(ctx, ep)
}

func (c *Controller) SetPlayed(ctx context.Context, guid string, played bool) (*domain.Episode, error) {
	ep, err := c.episode(ctx, guid)
	if err != nil {
		return nil, err
	}
	return c.deps.Podcasts.SetEpisodePlayed(ctx, ep, played)
}

func (c *Controller) Play(ctx context.Context, guid string) (*domain.Episode, error) {
	ep, err := c.episode(ctx, guid)
	if err != nil {
		return nil, err
	}
	return c.deps.Player.Play(ctx, ep)
}

func (c *Controller) QueueUpNext(ctx context.Context, guid string) (domain.QueueState, error) {
	ep, err := c.episode(ctx, guid)
	if err != nil {
		return domain.QueueState{}, err
	}
	return c.deps.Player.AddUpNext(ctx, ep)
}

// Search ranks the visible episodes of the current podcast against term.
func (c *Controller) Search(ctx context.Context, term string) ([]*domain.Episode, error) {
	var visible []*domain.Episode
	err := c.call(ctx, func() {
		visible = domain.CloneEpisodes(c.episodesState.Episodes)
	})
	if err != nil {
		return nil, err
	}
	return search.Episodes(visible, term), nil
}

// episode returns a copy of the current podcast's episode with guid.
func (c *Controller) episode(ctx context.Context, guid string) (*domain.Episode, error) {
	var (
		found *domain.Episode
		err   error
	)
	callErr := c.call(ctx, func() {
		if c.podcast == nil {
			err = ErrNoPodcast
			return
		}
		ep := c.podcast.EpisodeByGUID(guid)
		if ep == nil {
			err = fmt.Errorf("%w: %s", ErrEpisodeNotFound, guid)
			return
		}
		copied := *ep
		if copied.PodcastURL == "" {
			copied.PodcastURL = c.podcast.URL
		}
		if copied.PodcastTitle == "" {
			copied.PodcastTitle = c.podcast.Title
		}
		found = &copied
	})
	if callErr != nil {
		return nil, callErr
	}
	return found, err
}

func (c *Controller) send(ctx context.Context, fn func()) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.cmds <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

// call runs fn on the loop and waits for it.
func (c *Controller) call(ctx context.Context, fn func()) error {
	finished := make(chan error, 1)
	if err := c.send(ctx, func() {
		fn()
		finished <- nil
	}); err != nil {
		return err
	}
	return c.wait(ctx, finished)
}

func (c *Controller) wait(ctx context.Context, reply <-chan error) error {
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

// post hands the result of off-loop work back to the loop.
func (c *Controller) post(fn func()) {
	select {
	case c.cmds <- fn:
	case <-c.done:
	}
}
