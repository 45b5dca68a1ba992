package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"podhub/internal/domain"
)

const episodeColumns = `id, guid, podcast_url, COALESCE(podcast_title, ''), title, COALESCE(description, ''),
COALESCE(link, ''), COALESCE(image_url, ''), COALESCE(content_url, ''), COALESCE(mime_type, ''),
size_bytes, duration_ms, published_at, position_ms, played, download_state, download_percent,
COALESCE(download_task_id, ''), COALESCE(file_path, ''), last_updated`

// Stored order is the default feed order: newest first, then by title.
const episodeOrder = `ORDER BY
    CASE WHEN published_at IS NULL OR published_at = '' THEN 1 ELSE 0 END,
    published_at DESC,
    LOWER(title)`

func scanEpisode(row rowScanner) (*domain.Episode, error) {
	var ep domain.Episode
	var published, lastUpdated sql.NullString
	var durationMS, positionMS int64
	var played int
	var state string
	if err := row.Scan(&ep.ID, &ep.GUID, &ep.PodcastURL, &ep.PodcastTitle, &ep.Title, &ep.Description,
		&ep.Link, &ep.ImageURL, &ep.ContentURL, &ep.MimeType, &ep.SizeBytes, &durationMS, &published,
		&positionMS, &played, &state, &ep.DownloadPercent, &ep.DownloadTaskID, &ep.FilePath, &lastUpdated); err != nil {
		return nil, err
	}
	ep.Duration = time.Duration(durationMS) * time.Millisecond
	ep.Position = time.Duration(positionMS) * time.Millisecond
	ep.Played = played != 0
	ep.DownloadState = domain.DownloadState(state)
	ep.PublishedAt = parseTime(published)
	ep.LastUpdated = parseTime(lastUpdated)
	return &ep, nil
}

func (s *Store) queryEpisodes(ctx context.Context, query string, args ...any) ([]*domain.Episode, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	episodes := make([]*domain.Episode, 0, 32)
	for rows.Next() {
		ep, err := scanEpisode(rows)
		if err != nil {
			return nil, err
		}
		episodes = append(episodes, ep)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return episodes, nil
}

// EpisodesForPodcast returns the stored episodes of a feed in default order.
func (s *Store) EpisodesForPodcast(ctx context.Context, podcastURL string) ([]*domain.Episode, error) {
	return s.queryEpisodes(ctx, "SELECT "+episodeColumns+" FROM episodes WHERE podcast_url = ? "+episodeOrder, podcastURL)
}

func (s *Store) EpisodeByGUID(ctx context.Context, podcastURL, guid string) (*domain.Episode, error) {
	ep, err := scanEpisode(s.db.QueryRowContext(ctx, "SELECT "+episodeColumns+" FROM episodes WHERE podcast_url = ? AND guid = ?", podcastURL, guid))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return ep, err
}

func (s *Store) EpisodeByID(ctx context.Context, id int64) (*domain.Episode, error) {
	ep, err := scanEpisode(s.db.QueryRowContext(ctx, "SELECT "+episodeColumns+" FROM episodes WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return ep, err
}

// EpisodesByIDs returns the episodes in the order of ids; unknown ids are skipped.
func (s *Store) EpisodesByIDs(ctx context.Context, ids []int64) ([]*domain.Episode, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	found, err := s.queryEpisodes(ctx, "SELECT "+episodeColumns+" FROM episodes WHERE id IN ("+placeholders+")", args...)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]*domain.Episode, len(found))
	for _, ep := range found {
		byID[ep.ID] = ep
	}
	ordered := make([]*domain.Episode, 0, len(ids))
	for _, id := range ids {
		if ep, ok := byID[id]; ok {
			ordered = append(ordered, ep)
		}
	}
	return ordered, nil
}

// DownloadedEpisodes returns every episode with a completed download.
func (s *Store) DownloadedEpisodes(ctx context.Context) ([]*domain.Episode, error) {
	return s.queryEpisodes(ctx, "SELECT "+episodeColumns+" FROM episodes WHERE download_state = ? "+episodeOrder, string(domain.DownloadDownloaded))
}

const upsertEpisode = `INSERT INTO episodes
(guid, podcast_url, podcast_title, title, description, link, image_url, content_url, mime_type,
 size_bytes, duration_ms, published_at, position_ms, played, download_state, download_percent,
 download_task_id, file_path, last_updated)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(podcast_url, guid) DO UPDATE SET
    podcast_title = excluded.podcast_title,
    title = excluded.title,
    description = excluded.description,
    link = excluded.link,
    image_url = excluded.image_url,
    content_url = excluded.content_url,
    mime_type = excluded.mime_type,
    size_bytes = excluded.size_bytes,
    duration_ms = excluded.duration_ms,
    published_at = excluded.published_at,
    position_ms = excluded.position_ms,
    played = excluded.played,
    download_state = excluded.download_state,
    download_percent = excluded.download_percent,
    download_task_id = excluded.download_task_id,
    file_path = excluded.file_path,
    last_updated = excluded.last_updated
RETURNING id`

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) upsertEpisode(ctx context.Context, q queryRower, ep *domain.Episode) error {
	title := strings.TrimSpace(ep.Title)
	if title == "" {
		title = "Untitled Episode"
	}
	state := ep.DownloadState
	if state == "" {
		state = domain.DownloadNone
	}
	ep.LastUpdated = s.now()
	played := 0
	if ep.Played {
		played = 1
	}
	return q.QueryRowContext(ctx, upsertEpisode,
		ep.GUID, ep.PodcastURL, nullString(ep.PodcastTitle), title, nullString(ep.Description),
		nullString(ep.Link), nullString(ep.ImageURL), nullString(ep.ContentURL), nullString(ep.MimeType),
		ep.SizeBytes, ep.Duration.Milliseconds(), formatTime(ep.PublishedAt), ep.Position.Milliseconds(),
		played, string(state), ep.DownloadPercent, nullString(ep.DownloadTaskID), nullString(ep.FilePath),
		formatTime(ep.LastUpdated)).Scan(&ep.ID)
}

// SaveEpisode upserts a single episode keyed by (podcast_url, guid) and records
// its id.
func (s *Store) SaveEpisode(ctx context.Context, ep *domain.Episode) error {
	return s.withRetry(ctx, func() error {
		return s.upsertEpisode(ctx, s.db, ep)
	})
}

// SaveEpisodes upserts a batch of episodes in one transaction.
func (s *Store) SaveEpisodes(ctx context.Context, episodes []*domain.Episode) error {
	if len(episodes) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, ep := range episodes {
			if err := s.upsertEpisode(ctx, tx, ep); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteEpisodes removes every episode of a feed along with its download and
// queue rows.
func (s *Store) DeleteEpisodes(ctx context.Context, podcastURL string) (int64, error) {
	var affected int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		const ids = "SELECT id FROM episodes WHERE podcast_url = ?"
		if _, err := tx.ExecContext(ctx, "DELETE FROM queue WHERE episode_id IN ("+ids+")", podcastURL); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM downloads WHERE episode_id IN ("+ids+")", podcastURL); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, "DELETE FROM episodes WHERE podcast_url = ?", podcastURL)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}

// SetEpisodesPlayed marks every episode of a feed played or unplayed and
// resets playback positions.
func (s *Store) SetEpisodesPlayed(ctx context.Context, podcastURL string, played bool) (int64, error) {
	flag := 0
	if played {
		flag = 1
	}
	var affected int64
	err := s.withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, "UPDATE episodes SET played = ?, position_ms = 0, last_updated = ? WHERE podcast_url = ?",
			flag, formatTime(s.now()), podcastURL)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}

// UpdatePosition stores playback progress for an episode.
func (s *Store) UpdatePosition(ctx context.Context, episodeID int64, position time.Duration, played bool) error {
	flag := 0
	if played {
		flag = 1
	}
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, "UPDATE episodes SET position_ms = ?, played = ?, last_updated = ? WHERE id = ?",
			position.Milliseconds(), flag, formatTime(s.now()), episodeID)
		return err
	})
}

// DownloadUpdate describes a change to an episode's download columns.
type DownloadUpdate struct {
	State    domain.DownloadState
	Percent  int
	FilePath string
	TaskID   string
	Hash     string
}

func (s *Store) UpdateDownload(ctx context.Context, episodeID int64, update DownloadUpdate) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `UPDATE episodes SET
download_state = ?, download_percent = ?, file_path = ?, download_task_id = ?, hash = ?, last_updated = ?
WHERE id = ?`,
			string(update.State), update.Percent, nullString(update.FilePath), nullString(update.TaskID),
			nullString(update.Hash), formatTime(s.now()), episodeID)
		return err
	})
}

// UpdateDownloadProgress stores only the percentage of a running download.
func (s *Store) UpdateDownloadProgress(ctx context.Context, episodeID int64, percent int) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, "UPDATE episodes SET download_state = ?, download_percent = ? WHERE id = ?",
			string(domain.DownloadDownloading), percent, episodeID)
		return err
	})
}

// DeleteEpisode removes one episode along with its download and queue rows.
func (s *Store) DeleteEpisode(ctx context.Context, episodeID int64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM queue WHERE episode_id = ?", episodeID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM downloads WHERE episode_id = ?", episodeID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM episodes WHERE id = ?", episodeID)
		return err
	})
}
