package repository

import (
	"context"
	"database/sql"

	"podhub/internal/domain"
)

// LoadQueue returns the Up-Next episodes in play order.
func (s *Store) LoadQueue(ctx context.Context) ([]*domain.Episode, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT episode_id FROM queue ORDER BY position")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return s.EpisodesByIDs(ctx, ids)
}

// ReplaceQueue stores ids as the new Up-Next order.
func (s *Store) ReplaceQueue(ctx context.Context, ids []int64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM queue"); err != nil {
			return err
		}
		for i, id := range ids {
			if _, err := tx.ExecContext(ctx, "INSERT INTO queue (position, episode_id) VALUES (?, ?)", i, id); err != nil {
				return err
			}
		}
		return nil
	})
}
