package config

import (
	"sync"
	"time"
)

// Settings is the live, concurrency-safe view of a Config shared by the
// services. Updates take effect on the next read.
type Settings struct {
	mu   sync.RWMutex
	cfg  Config
	path string
}

// NewSettings wraps cfg. When path is non-empty, Update persists changes there.
func NewSettings(cfg Config, path string) *Settings {
	normalize(&cfg)
	return &Settings{cfg: cfg, path: path}
}

// Config returns a copy of the current configuration.
func (s *Settings) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Update replaces the configuration and saves it when backed by a file.
func (s *Settings) Update(cfg Config) error {
	normalize(&cfg)
	if s.path != "" {
		if err := Save(s.path, cfg); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return nil
}

// AutoUpdatePeriod reports how stale a subscribed feed may get before it is
// refreshed in the background. ok is false when refreshing is disabled.
func (s *Settings) AutoUpdatePeriod() (time.Duration, bool) {
	s.mu.RLock()
	minutes := s.cfg.AutoUpdateEpisodePeriod
	s.mu.RUnlock()
	if minutes < 0 {
		return 0, false
	}
	return time.Duration(minutes) * time.Minute, true
}

func (s *Settings) DeleteDownloadedPlayedEpisodes() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.DeleteDownloadedPlayedEpisodes
}

func (s *Settings) MarkDeletedEpisodesPlayed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.MarkDeletedEpisodesPlayed
}

func (s *Settings) PositionSaveInterval() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Duration(s.cfg.PositionSaveIntervalSec) * time.Second
}

func (s *Settings) DownloadRoot() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.DownloadRoot
}
