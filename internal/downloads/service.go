package downloads

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"podhub/internal/config"
	"podhub/internal/domain"
	"podhub/internal/events"
	"podhub/internal/repository"
)

var (
	invalidPathChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

	ErrNoContentURL = errors.New("episode has no content URL")
)

type SleepFunc func(context.Context, time.Duration) error

type Service struct {
	settings   *config.Settings
	store      *repository.Store
	httpClient *http.Client
	sleep      SleepFunc
	bus        *events.Bus[domain.EpisodeEvent]
	wake       func()
}

func NewService(settings *config.Settings, store *repository.Store, client *http.Client, bus *events.Bus[domain.EpisodeEvent], sleep SleepFunc) *Service {
	if sleep == nil {
		sleep = defaultSleep
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Service{settings: settings, store: store, httpClient: client, sleep: sleep, bus: bus}
}

// Enqueue stores the episode if needed, queues it for the workers under a new
// task id and returns the queued copy.
func (s *Service) Enqueue(ctx context.Context, ep *domain.Episode) (*domain.Episode, error) {
	if strings.TrimSpace(ep.ContentURL) == "" {
		return nil, ErrNoContentURL
	}
	queued := *ep
	if queued.Downloaded() {
		return &queued, nil
	}
	if queued.ID == 0 {
		if err := s.store.SaveEpisode(ctx, &queued); err != nil {
			return nil, fmt.Errorf("save episode: %w", err)
		}
	}

	taskID, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	if err := s.store.EnqueueDownload(ctx, queued.ID, taskID.String()); err != nil {
		return nil, fmt.Errorf("enqueue download: %w", err)
	}
	queued.DownloadState = domain.DownloadQueued
	queued.DownloadPercent = 0
	queued.DownloadTaskID = taskID.String()
	s.publish(&queued)
	if s.wake != nil {
		s.wake()
	}
	log.Printf("[INFO] queued download %s for %q", queued.DownloadTaskID, queued.Title)
	return &queued, nil
}

// Cancel drops a queued download. A download already running finishes.
func (s *Service) Cancel(ctx context.Context, ep *domain.Episode) (*domain.Episode, error) {
	if err := s.store.RemoveDownload(ctx, ep.ID); err != nil {
		return nil, err
	}
	cancelled := *ep
	cancelled.DownloadState = domain.DownloadCancelled
	cancelled.DownloadPercent = 0
	if err := s.store.UpdateDownload(ctx, ep.ID, repository.DownloadUpdate{State: domain.DownloadCancelled}); err != nil {
		return nil, err
	}
	s.publish(&cancelled)
	return &cancelled, nil
}

// Delete removes the downloaded file and resets the episode's download state.
// With mark_deleted_episodes_played set the episode is also marked played.
func (s *Service) Delete(ctx context.Context, ep *domain.Episode) (*domain.Episode, error) {
	if ep.FilePath != "" {
		if err := os.Remove(ep.FilePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove download: %w", err)
		}
	}
	deleted := *ep
	deleted.DownloadState = domain.DownloadNone
	deleted.DownloadPercent = 0
	deleted.DownloadTaskID = ""
	deleted.FilePath = ""
	if ep.ID == 0 {
		s.publish(&deleted)
		return &deleted, nil
	}

	if err := s.store.RemoveDownload(ctx, ep.ID); err != nil {
		return nil, err
	}
	if err := s.store.UpdateDownload(ctx, ep.ID, repository.DownloadUpdate{State: domain.DownloadNone}); err != nil {
		return nil, err
	}
	if s.settings != nil && s.settings.MarkDeletedEpisodesPlayed() {
		deleted.Played = true
		deleted.Position = 0
		if err := s.store.UpdatePosition(ctx, ep.ID, 0, true); err != nil {
			return nil, err
		}
	}
	s.publish(&deleted)
	return &deleted, nil
}

// ResumePending releases claims left by an interrupted run so the workers
// pick those downloads up again.
func (s *Service) ResumePending(ctx context.Context) (int64, error) {
	n, err := s.store.ResetClaims(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Printf("[INFO] resuming %d interrupted downloads", n)
		if s.wake != nil {
			s.wake()
		}
	}
	return n, nil
}

// DownloadEpisode fetches the episode synchronously, retrying with capped
// exponential backoff, and records the result. It returns the final path.
func (s *Service) DownloadEpisode(ctx context.Context, ep *domain.Episode) (string, error) {
	if strings.TrimSpace(ep.ContentURL) == "" {
		return "", ErrNoContentURL
	}
	cfg := s.settings.Config()
	finalPath, err := episodeFilePath(cfg.DownloadRoot, ep)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return "", err
	}
	if err := os.MkdirAll(cfg.TmpDir, 0o755); err != nil {
		return "", err
	}

	attempts := cfg.RetryCount + 1
	if attempts <= 0 {
		attempts = 1
	}

	partialPath := episodePartialPath(cfg.TmpDir, ep)
	var attemptErr error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		hash, err := s.downloadOnce(ctx, cfg, ep, finalPath, partialPath)
		if err == nil {
			return s.complete(ctx, ep, finalPath, hash)
		}

		attemptErr = err
		if ep.ID != 0 {
			if _, err := s.store.IncrementRetryCount(ctx, ep.ID); err != nil && !errors.Is(err, repository.ErrNotFound) {
				return "", err
			}
		}
		log.Printf("[WARN] download %q attempt %d/%d: %v", ep.Title, i+1, attempts, err)

		if i == attempts-1 {
			break
		}

		backoff := time.Second << i
		maxBackoff := time.Duration(cfg.RetryBackoffMaxSec) * time.Second
		if maxBackoff > 0 && backoff > maxBackoff {
			backoff = maxBackoff
		}
		if backoff > 0 {
			if err := s.sleep(ctx, backoff); err != nil {
				return "", err
			}
		}
	}
	return "", attemptErr
}

func (s *Service) complete(ctx context.Context, ep *domain.Episode, finalPath, hash string) (string, error) {
	done := *ep
	done.DownloadState = domain.DownloadDownloaded
	done.DownloadPercent = 100
	done.FilePath = finalPath
	if ep.ID != 0 {
		if err := s.store.UpdateDownload(ctx, ep.ID, repository.DownloadUpdate{
			State:    domain.DownloadDownloaded,
			Percent:  100,
			FilePath: finalPath,
			TaskID:   ep.DownloadTaskID,
			Hash:     hash,
		}); err != nil {
			return "", err
		}
		if err := s.store.RemoveDownload(ctx, ep.ID); err != nil {
			return "", err
		}
	}
	if info, err := os.Stat(finalPath); err == nil {
		log.Printf("[INFO] downloaded %q (%s)", ep.Title, humanize.Bytes(uint64(info.Size())))
	}
	s.publish(&done)
	return finalPath, nil
}

// markFailed records a download that ran out of retries.
func (s *Service) markFailed(ctx context.Context, ep *domain.Episode) {
	failed := *ep
	failed.DownloadState = domain.DownloadFailed
	failed.DownloadPercent = 0
	if err := s.store.UpdateDownload(ctx, ep.ID, repository.DownloadUpdate{State: domain.DownloadFailed, TaskID: ep.DownloadTaskID}); err != nil {
		log.Printf("[ERROR] mark %d failed: %v", ep.ID, err)
	}
	if err := s.store.RemoveDownload(ctx, ep.ID); err != nil {
		log.Printf("[ERROR] dequeue %d: %v", ep.ID, err)
	}
	s.publish(&failed)
}

func (s *Service) downloadOnce(ctx context.Context, cfg config.Config, ep *domain.Episode, finalPath, partialPath string) (string, error) {
	file, err := os.OpenFile(partialPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return "", err
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return "", err
	}
	existingSize := stat.Size()
	if _, err := file.Seek(existingSize, io.SeekStart); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ep.ContentURL, nil)
	if err != nil {
		return "", err
	}
	if ua := strings.TrimSpace(cfg.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}
	if existingSize > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", existingSize))
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download episode: %w", err)
	}
	defer resp.Body.Close()

	counter := &progressCounter{}
	switch resp.StatusCode {
	case http.StatusOK:
		if existingSize > 0 {
			if err := file.Truncate(0); err != nil {
				return "", err
			}
			if _, err := file.Seek(0, io.SeekStart); err != nil {
				return "", err
			}
		}
		counter.total = resp.ContentLength
	case http.StatusPartialContent:
		counter.written = existingSize
		if resp.ContentLength > 0 {
			counter.total = existingSize + resp.ContentLength
		}
	default:
		return "", fmt.Errorf("download failed: %s", resp.Status)
	}
	if counter.total <= 0 {
		counter.total = ep.SizeBytes
	}
	counter.onPercent = func(percent int) { s.progress(ctx, ep, percent) }

	if _, err := io.Copy(io.MultiWriter(file, counter), resp.Body); err != nil {
		return "", err
	}
	if err := file.Sync(); err != nil {
		return "", err
	}
	if err := file.Close(); err != nil {
		return "", err
	}

	hash, err := computeFileHash(partialPath)
	if err != nil {
		return "", fmt.Errorf("compute hash: %w", err)
	}

	if _, err := os.Stat(finalPath); err == nil {
		existingHash, err := computeFileHash(finalPath)
		if err == nil && existingHash == hash {
			os.Remove(partialPath)
			return hash, nil
		}
	}

	if err := moveFile(partialPath, finalPath); err != nil {
		return "", err
	}
	return hash, nil
}

func (s *Service) progress(ctx context.Context, ep *domain.Episode, percent int) {
	running := *ep
	running.DownloadState = domain.DownloadDownloading
	running.DownloadPercent = percent
	if ep.ID != 0 {
		if err := s.store.UpdateDownloadProgress(ctx, ep.ID, percent); err != nil {
			log.Printf("[WARN] store progress for %d: %v", ep.ID, err)
		}
	}
	s.publish(&running)
}

func (s *Service) publish(ep *domain.Episode) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(domain.EpisodeEvent{Kind: domain.EpisodeUpdated, Episode: *ep})
}

// progressCounter reports whole-percent changes as bytes are written.
type progressCounter struct {
	written   int64
	total     int64
	last      int
	onPercent func(int)
}

func (c *progressCounter) Write(p []byte) (int, error) {
	c.written += int64(len(p))
	if c.total > 0 && c.onPercent != nil {
		percent := int(c.written * 100 / c.total)
		if percent > 100 {
			percent = 100
		}
		if percent > c.last {
			c.last = percent
			c.onPercent(percent)
		}
	}
	return len(p), nil
}

func episodeFilePath(root string, ep *domain.Episode) (string, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return "", fmt.Errorf("download root is not configured")
	}
	podcastName := safeFilename(ep.PodcastTitle)
	if podcastName == "" {
		podcastName = "podcast"
	}
	episodeName := safeFilename(ep.Title)
	if episodeName == "" {
		episodeName = safeFilename(ep.GUID)
	}
	if episodeName == "" {
		episodeName = "episode"
	}
	// Titles repeat within a feed; the key hash keeps the files apart.
	name := episodeName + "_" + episodeKeyHash(ep)[:8] + fileExtension(ep.ContentURL)
	return filepath.Join(root, podcastName, name), nil
}

// episodeKeyHash is a stable hex digest of the episode's feed URL and GUID.
func episodeKeyHash(ep *domain.Episode) string {
	sum := sha256.Sum256([]byte(ep.PodcastURL + "\x00" + ep.GUID))
	return hex.EncodeToString(sum[:8])
}

func episodePartialPath(tmpDir string, ep *domain.Episode) string {
	name := safeFilename(ep.DownloadTaskID)
	if name == "" {
		name = episodeKeyHash(ep)
	}
	return filepath.Join(tmpDir, fmt.Sprintf("podhub-%s.partial", name))
}

func safeFilename(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	cleaned := invalidPathChars.ReplaceAllString(value, "_")
	cleaned = strings.Trim(cleaned, "._- ")
	if cleaned == "" {
		return ""
	}
	if len(cleaned) > 128 {
		cleaned = cleaned[:128]
	}
	return cleaned
}

func fileExtension(rawURL string) string {
	if rawURL == "" {
		return ".mp3"
	}
	u, err := url.Parse(rawURL)
	if err == nil {
		ext := path.Ext(u.Path)
		if ext != "" && len(ext) <= 10 {
			return ext
		}
	}
	return ".mp3"
}

func computeFileHash(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

func moveFile(src, dst string) error {
	if err := os.Remove(dst); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := os.Rename(src, dst); err != nil {
		var linkErr *os.LinkError
		if errors.As(err, &linkErr) && linkErr.Err == syscall.EXDEV {
			in, err := os.Open(src)
			if err != nil {
				return err
			}
			defer in.Close()

			out, err := os.Create(dst)
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, in); err != nil {
				out.Close()
				return err
			}
			if err := out.Close(); err != nil {
				return err
			}
			return os.Remove(src)
		}
		return err
	}
	return nil
}

func defaultSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
