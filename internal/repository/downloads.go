package repository

import (
	"context"
	"database/sql"
	"errors"

	"podhub/internal/domain"
)

// EnqueueDownload marks the episode queued under taskID and adds it to the
// download work queue.
func (s *Store) EnqueueDownload(ctx context.Context, episodeID int64, taskID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		now := formatTime(s.now())
		res, err := tx.ExecContext(ctx, `UPDATE episodes SET download_state = ?, download_percent = 0, download_task_id = ?, last_updated = ?
WHERE id = ?`, string(domain.DownloadQueued), taskID, now, episodeID)
		if err != nil {
			return err
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return ErrNotFound
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO downloads (episode_id, task_id, enqueued_at, priority, retry_count)
VALUES (?, ?, ?, 0, 0)
ON CONFLICT(episode_id) DO UPDATE SET task_id = excluded.task_id, enqueued_at = excluded.enqueued_at, retry_count = 0, claimed_at = NULL`,
			episodeID, taskID, now)
		return err
	})
}

// ClaimNextDownload reserves the oldest unclaimed download and returns its
// episode id, or ErrNoDownloadTask when the queue is empty.
func (s *Store) ClaimNextDownload(ctx context.Context) (int64, error) {
	var episodeID int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		episodeID = 0
		err := tx.QueryRowContext(ctx, `SELECT episode_id FROM downloads WHERE claimed_at IS NULL ORDER BY priority DESC, enqueued_at LIMIT 1`).Scan(&episodeID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNoDownloadTask
			}
			return err
		}

		res, err := tx.ExecContext(ctx, "UPDATE downloads SET claimed_at = ? WHERE episode_id = ? AND claimed_at IS NULL", formatTime(s.now()), episodeID)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return ErrNoDownloadTask
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return episodeID, nil
}

func (s *Store) RemoveDownload(ctx context.Context, episodeID int64) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, "DELETE FROM downloads WHERE episode_id = ?", episodeID)
		return err
	})
}

// RequeueDownload releases a claim so another worker can pick the row up.
func (s *Store) RequeueDownload(ctx context.Context, episodeID int64) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, "UPDATE downloads SET claimed_at = NULL, enqueued_at = ? WHERE episode_id = ?", formatTime(s.now()), episodeID)
		return err
	})
}

// ResetClaims releases every claim left behind by an interrupted run.
func (s *Store) ResetClaims(ctx context.Context) (int64, error) {
	var affected int64
	err := s.withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, "UPDATE downloads SET claimed_at = NULL WHERE claimed_at IS NOT NULL")
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}

// IncrementRetryCount bumps the retry counter of a queued download and returns
// the new value.
func (s *Store) IncrementRetryCount(ctx context.Context, episodeID int64) (int, error) {
	var count int
	err := s.withRetry(ctx, func() error {
		err := s.db.QueryRowContext(ctx, "UPDATE downloads SET retry_count = retry_count + 1 WHERE episode_id = ? RETURNING retry_count", episodeID).Scan(&count)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	})
	return count, err
}

// PendingDownloads counts queued rows, claimed or not.
func (s *Store) PendingDownloads(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM downloads").Scan(&count)
	return count, err
}
