package downloads

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"podhub/internal/repository"
)

// Manager runs the download workers. Workers claim rows from the download
// queue and hand them to the Service.
type Manager struct {
	downloads *Service
	store     *repository.Store
	wakeCh    chan struct{}
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewManager(downloads *Service, store *repository.Store, workers int) *Manager {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	manager := &Manager{
		downloads: downloads,
		store:     store,
		wakeCh:    make(chan struct{}, workers*2),
		cancel:    cancel,
	}
	downloads.wake = manager.Notify
	for i := 0; i < workers; i++ {
		manager.wg.Add(1)
		go manager.worker(ctx)
	}
	return manager
}

func (m *Manager) Notify() {
	if m == nil {
		return
	}
	select {
	case m.wakeCh <- struct{}{}:
	default:
	}
}

func (m *Manager) Stop() {
	if m == nil {
		return
	}
	m.cancel()
	m.Notify()
	m.wg.Wait()
}

func (m *Manager) worker(ctx context.Context) {
	defer m.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}

		episodeID, err := m.store.ClaimNextDownload(ctx)
		if err != nil {
			if errors.Is(err, repository.ErrNoDownloadTask) {
				if err := m.waitForWork(ctx); err != nil {
					return
				}
				continue
			}
			if ctx.Err() != nil {
				return
			}
			log.Printf("[WARN] download queue claim failed: %v", err)
			if err := waitWithContext(ctx, time.Second); err != nil {
				return
			}
			continue
		}

		ep, err := m.store.EpisodeByID(ctx, episodeID)
		if err != nil {
			if !errors.Is(err, repository.ErrNotFound) {
				log.Printf("[WARN] download queue load episode %d: %v", episodeID, err)
			}
			_ = m.store.RemoveDownload(context.Background(), episodeID)
			continue
		}

		if _, err := m.downloads.DownloadEpisode(ctx, ep); err != nil {
			if ctx.Err() != nil {
				// Shutting down: leave the row for the next run.
				if err := m.store.RequeueDownload(context.Background(), episodeID); err != nil {
					log.Printf("[WARN] requeue %d: %v", episodeID, err)
				}
				return
			}
			log.Printf("[ERROR] download %q failed: %v", ep.Title, err)
			m.downloads.markFailed(context.Background(), ep)
		}
	}
}

func (m *Manager) waitForWork(ctx context.Context) error {
	timer := time.NewTimer(2 * time.Second)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-m.wakeCh:
		return nil
	case <-timer.C:
		return nil
	}
}

func waitWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
