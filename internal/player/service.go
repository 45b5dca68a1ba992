package player

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"podhub/internal/domain"
	"podhub/internal/events"
	"podhub/internal/repository"
)

var (
	ErrNothingPlaying = errors.New("nothing is playing")
	ErrNotQueued      = errors.New("episode is not in the queue")
	ErrNoSource       = errors.New("episode has nothing to play")
)

const nowPlayingKey = "now_playing"

// Settings is the part of the configuration playback reads.
type Settings interface {
	PositionSaveInterval() time.Duration
	DeleteDownloadedPlayedEpisodes() bool
}

// DownloadDeleter removes the local copy of an episode.
type DownloadDeleter interface {
	Delete(ctx context.Context, ep *domain.Episode) (*domain.Episode, error)
}

// Service plays episodes through a Backend, keeps stored positions current
// and owns the Up-Next queue.
type Service struct {
	backend   Backend
	store     *repository.Store
	settings  Settings
	downloads DownloadDeleter
	episodes  *events.Bus[domain.EpisodeEvent]
	deleted   *events.Subscription[domain.EpisodeEvent]
	states    *events.Bus[domain.QueueState]

	mu      sync.Mutex
	playing *domain.Episode
	paused  bool
	queue   []*domain.Episode

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewService(backend Backend, store *repository.Store, settings Settings, downloads DownloadDeleter, episodes *events.Bus[domain.EpisodeEvent]) *Service {
	s := &Service{
		backend:   backend,
		store:     store,
		settings:  settings,
		downloads: downloads,
		episodes:  episodes,
		states:    events.NewBus[domain.QueueState](8),
		done:      make(chan struct{}),
	}
	if episodes != nil {
		s.deleted = episodes.Subscribe()
	}
	s.wg.Add(1)
	go s.watch()
	return s
}

// Subscribe returns a subscription to queue and now-playing changes.
func (s *Service) Subscribe() *events.Subscription[domain.QueueState] {
	return s.states.Subscribe()
}

// Restore reloads the persisted Up-Next queue.
func (s *Service) Restore(ctx context.Context) error {
	queue, err := s.store.LoadQueue(ctx)
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}
	s.mu.Lock()
	s.queue = queue
	s.mu.Unlock()
	if len(queue) > 0 {
		log.Printf("[INFO] restored %d queued episodes", len(queue))
	}
	s.emit()
	return nil
}

// Play starts ep from its stored position, or from the beginning when it
// has been played. Whatever was playing is saved first.
func (s *Service) Play(ctx context.Context, ep *domain.Episode) (*domain.Episode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	started, err := s.playLocked(ctx, ep)
	if err != nil {
		return nil, err
	}
	s.emitLocked()
	return started, nil
}

func (s *Service) playLocked(ctx context.Context, ep *domain.Episode) (*domain.Episode, error) {
	if ep.Source() == "" {
		return nil, ErrNoSource
	}
	if s.playing != nil {
		s.savePositionLocked(ctx)
	}

	current := *ep
	if current.ID == 0 {
		if err := s.store.SaveEpisode(ctx, &current); err != nil {
			return nil, fmt.Errorf("save episode: %w", err)
		}
	}
	if current.Played {
		current.Position = 0
	}
	if err := s.backend.Load(ctx, current.Source(), current.Position); err != nil {
		return nil, err
	}

	s.removeQueuedLocked(current.PodcastURL, current.GUID)
	s.playing = &current
	s.paused = false
	if err := s.store.SetMeta(ctx, nowPlayingKey, strconv.FormatInt(current.ID, 10)); err != nil {
		log.Printf("[WARN] remember now playing: %v", err)
	}
	if err := s.persistQueueLocked(ctx); err != nil {
		log.Printf("[WARN] persist queue: %v", err)
	}
	log.Printf("[INFO] playing %q from %s", current.Title, current.Position.Truncate(time.Second))
	playing := current
	return &playing, nil
}

func (s *Service) Pause(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.playing == nil {
		return ErrNothingPlaying
	}
	if err := s.backend.Pause(); err != nil {
		return err
	}
	s.paused = true
	s.savePositionLocked(ctx)
	s.emitLocked()
	return nil
}

func (s *Service) Resume(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.playing == nil {
		return ErrNothingPlaying
	}
	if err := s.backend.Resume(); err != nil {
		return err
	}
	s.paused = false
	s.emitLocked()
	return nil
}

// Stop saves the position of the current episode and stops playback.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.playing == nil {
		return ErrNothingPlaying
	}
	s.savePositionLocked(ctx)
	if err := s.backend.Stop(); err != nil {
		return err
	}
	s.playing = nil
	s.paused = false
	if err := s.store.SetMeta(ctx, nowPlayingKey, ""); err != nil {
		log.Printf("[WARN] clear now playing: %v", err)
	}
	s.emitLocked()
	return nil
}

// NowPlaying returns the episode being played, if any.
func (s *Service) NowPlaying() *domain.Episode {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.playing == nil {
		return nil
	}
	ep := *s.playing
	return &ep
}

// AddUpNext appends ep to the queue. An episode already queued keeps its place.
func (s *Service) AddUpNext(ctx context.Context, ep *domain.Episode) (domain.QueueState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queueIndexLocked(ep.PodcastURL, ep.GUID) >= 0 {
		return s.stateLocked(), nil
	}
	queued := *ep
	if queued.ID == 0 {
		if err := s.store.SaveEpisode(ctx, &queued); err != nil {
			return domain.QueueState{}, fmt.Errorf("save episode: %w", err)
		}
	}
	s.queue = append(s.queue, &queued)
	if err := s.persistQueueLocked(ctx); err != nil {
		s.queue = s.queue[:len(s.queue)-1]
		return domain.QueueState{}, err
	}
	s.emitLocked()
	return s.stateLocked(), nil
}

func (s *Service) RemoveUpNext(ctx context.Context, podcastURL, guid string) (domain.QueueState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.removeQueuedLocked(podcastURL, guid) {
		return domain.QueueState{}, ErrNotQueued
	}
	if err := s.persistQueueLocked(ctx); err != nil {
		return domain.QueueState{}, err
	}
	s.emitLocked()
	return s.stateLocked(), nil
}

// MoveUpNext moves the queued episode to index, clamped to the queue bounds.
func (s *Service) MoveUpNext(ctx context.Context, podcastURL, guid string, index int) (domain.QueueState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	from := s.queueIndexLocked(podcastURL, guid)
	if from < 0 {
		return domain.QueueState{}, ErrNotQueued
	}
	if index < 0 {
		index = 0
	}
	if index >= len(s.queue) {
		index = len(s.queue) - 1
	}
	ep := s.queue[from]
	s.queue = append(s.queue[:from], s.queue[from+1:]...)
	s.queue = append(s.queue[:index], append([]*domain.Episode{ep}, s.queue[index:]...)...)
	if err := s.persistQueueLocked(ctx); err != nil {
		return domain.QueueState{}, err
	}
	s.emitLocked()
	return s.stateLocked(), nil
}

func (s *Service) ClearQueue(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = nil
	if err := s.persistQueueLocked(ctx); err != nil {
		return err
	}
	s.emitLocked()
	return nil
}

func (s *Service) Queue() domain.QueueState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

// Close saves the current position and stops the position watcher.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
	if s.deleted != nil {
		s.deleted.Close()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.playing != nil {
		s.savePositionLocked(context.Background())
	}
	s.states.Close()
	return s.backend.Close()
}

func (s *Service) watch() {
	defer s.wg.Done()
	interval := s.settings.PositionSaveInterval()
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var deleted <-chan domain.EpisodeEvent
	if s.deleted != nil {
		deleted = s.deleted.C
	}

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.playing != nil && !s.paused {
				s.savePositionLocked(context.Background())
			}
			s.mu.Unlock()
		case <-s.backend.Finished():
			s.handleFinished(context.Background())
		case ev, ok := <-deleted:
			if !ok {
				deleted = nil
				continue
			}
			if ev.Kind == domain.EpisodeDeleted {
				s.handleDeleted(context.Background(), ev.Episode)
			}
		}
	}
}

// handleFinished marks the finished episode played, drops its download when
// configured to, and moves on to the next queued episode.
func (s *Service) handleFinished(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.playing == nil {
		return
	}

	finished := *s.playing
	finished.Played = true
	finished.Position = 0
	if err := s.store.UpdatePosition(ctx, finished.ID, 0, true); err != nil {
		log.Printf("[ERROR] mark %q played: %v", finished.Title, err)
	}
	s.publishEpisode(&finished)
	log.Printf("[INFO] finished %q", finished.Title)

	if finished.Downloaded() && s.downloads != nil && s.settings.DeleteDownloadedPlayedEpisodes() {
		if _, err := s.downloads.Delete(ctx, &finished); err != nil {
			log.Printf("[WARN] delete played download %q: %v", finished.Title, err)
		}
	}

	s.playing = nil
	s.paused = false
	for len(s.queue) > 0 {
		next := s.queue[0]
		if _, err := s.playLocked(ctx, next); err != nil {
			log.Printf("[ERROR] play next %q: %v", next.Title, err)
			s.removeQueuedLocked(next.PodcastURL, next.GUID)
			continue
		}
		break
	}
	if s.playing == nil {
		if err := s.store.SetMeta(ctx, nowPlayingKey, ""); err != nil {
			log.Printf("[WARN] clear now playing: %v", err)
		}
		if err := s.persistQueueLocked(ctx); err != nil {
			log.Printf("[WARN] persist queue: %v", err)
		}
	}
	s.emitLocked()
}

// handleDeleted forgets an episode whose stored row is gone: it leaves the
// queue, and playback stops if it was playing.
func (s *Service) handleDeleted(ctx context.Context, ep domain.Episode) {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := s.removeQueuedLocked(ep.PodcastURL, ep.GUID)
	if changed {
		if err := s.persistQueueLocked(ctx); err != nil {
			log.Printf("[WARN] persist queue: %v", err)
		}
	}
	if s.playing != nil && s.playing.PodcastURL == ep.PodcastURL && s.playing.GUID == ep.GUID {
		if err := s.backend.Stop(); err != nil {
			log.Printf("[WARN] stop deleted episode %q: %v", s.playing.Title, err)
		}
		log.Printf("[INFO] stopped %q: episode was deleted", s.playing.Title)
		s.playing = nil
		s.paused = false
		if err := s.store.SetMeta(ctx, nowPlayingKey, ""); err != nil {
			log.Printf("[WARN] clear now playing: %v", err)
		}
		changed = true
	}
	if changed {
		s.emitLocked()
	}
}

func (s *Service) savePositionLocked(ctx context.Context) {
	pos, err := s.backend.Position()
	if err != nil {
		log.Printf("[WARN] read position: %v", err)
		return
	}
	if pos <= 0 || s.playing.ID == 0 {
		return
	}
	s.playing.Position = pos
	if err := s.store.UpdatePosition(ctx, s.playing.ID, pos, s.playing.Played); err != nil {
		log.Printf("[WARN] save position of %q: %v", s.playing.Title, err)
		return
	}
	s.publishEpisode(s.playing)
}

func (s *Service) queueIndexLocked(podcastURL, guid string) int {
	for i, ep := range s.queue {
		if ep.PodcastURL == podcastURL && ep.GUID == guid {
			return i
		}
	}
	return -1
}

func (s *Service) removeQueuedLocked(podcastURL, guid string) bool {
	i := s.queueIndexLocked(podcastURL, guid)
	if i < 0 {
		return false
	}
	s.queue = append(s.queue[:i], s.queue[i+1:]...)
	return true
}

// persistQueueLocked stores the queue order. Entries whose episodes were
// deleted from the store are dropped before a second attempt.
func (s *Service) persistQueueLocked(ctx context.Context) error {
	err := s.store.ReplaceQueue(ctx, s.queueIDsLocked())
	if err == nil {
		return nil
	}
	pruned, pruneErr := s.pruneQueueLocked(ctx)
	if pruneErr != nil || pruned == 0 {
		return err
	}
	log.Printf("[INFO] dropped %d deleted episodes from the queue", pruned)
	return s.store.ReplaceQueue(ctx, s.queueIDsLocked())
}

func (s *Service) queueIDsLocked() []int64 {
	ids := make([]int64, 0, len(s.queue))
	for _, ep := range s.queue {
		ids = append(ids, ep.ID)
	}
	return ids
}

func (s *Service) pruneQueueLocked(ctx context.Context) (int, error) {
	found, err := s.store.EpisodesByIDs(ctx, s.queueIDsLocked())
	if err != nil {
		return 0, err
	}
	stored := make(map[int64]struct{}, len(found))
	for _, ep := range found {
		stored[ep.ID] = struct{}{}
	}
	kept := make([]*domain.Episode, 0, len(s.queue))
	for _, ep := range s.queue {
		if _, ok := stored[ep.ID]; ok {
			kept = append(kept, ep)
		}
	}
	pruned := len(s.queue) - len(kept)
	s.queue = kept
	return pruned, nil
}

func (s *Service) stateLocked() domain.QueueState {
	state := domain.QueueState{Paused: s.paused, Queue: make([]domain.Episode, 0, len(s.queue))}
	if s.playing != nil {
		playing := *s.playing
		state.Playing = &playing
		state.Position = playing.Position
	}
	for _, ep := range s.queue {
		state.Queue = append(state.Queue, *ep)
	}
	return state
}

func (s *Service) emit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emitLocked()
}

func (s *Service) emitLocked() {
	s.states.Publish(s.stateLocked())
}

func (s *Service) publishEpisode(ep *domain.Episode) {
	if s.episodes == nil {
		return
	}
	s.episodes.Publish(domain.EpisodeEvent{Kind: domain.EpisodeUpdated, Episode: *ep})
}
