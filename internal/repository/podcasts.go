package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"podhub/internal/domain"
)

const podcastColumns = `id, COALESCE(guid, ''), url, COALESCE(link, ''), title, COALESCE(description, ''),
COALESCE(author, ''), COALESCE(image_url, ''), COALESCE(copyright, ''), filter, sort, subscribed_at, last_updated`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPodcast(row rowScanner) (*domain.Podcast, error) {
	var p domain.Podcast
	var filter, sort string
	var subscribedAt, lastUpdated sql.NullString
	if err := row.Scan(&p.ID, &p.GUID, &p.URL, &p.Link, &p.Title, &p.Description, &p.Author,
		&p.ImageURL, &p.Copyright, &filter, &sort, &subscribedAt, &lastUpdated); err != nil {
		return nil, err
	}
	p.Filter = domain.EpisodeFilter(filter)
	p.Sort = domain.EpisodeSort(sort)
	p.SubscribedAt = parseTime(subscribedAt)
	p.LastUpdated = parseTime(lastUpdated)
	return &p, nil
}

// PodcastByURL returns the subscribed podcast with the given feed URL, without
// its episodes.
func (s *Store) PodcastByURL(ctx context.Context, url string) (*domain.Podcast, error) {
	p, err := scanPodcast(s.db.QueryRowContext(ctx, "SELECT "+podcastColumns+" FROM podcasts WHERE url = ?", url))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

func (s *Store) PodcastByID(ctx context.Context, id int64) (*domain.Podcast, error) {
	p, err := scanPodcast(s.db.QueryRowContext(ctx, "SELECT "+podcastColumns+" FROM podcasts WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// SavePodcast inserts or updates the podcast keyed by feed URL and records the
// resulting id on p.
func (s *Store) SavePodcast(ctx context.Context, p *domain.Podcast) (int64, error) {
	title := strings.TrimSpace(p.Title)
	if title == "" {
		title = "Untitled Podcast"
	}
	if p.SubscribedAt.IsZero() {
		p.SubscribedAt = s.now()
	}
	filter := p.Filter
	if filter == "" {
		filter = domain.FilterNone
	}
	sort := p.Sort
	if sort == "" {
		sort = domain.SortDefault
	}

	var id int64
	err := s.withRetry(ctx, func() error {
		return s.db.QueryRowContext(ctx, `INSERT INTO podcasts
(guid, url, link, title, description, author, image_url, copyright, filter, sort, subscribed_at, last_updated)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(url) DO UPDATE SET
    guid = excluded.guid,
    link = excluded.link,
    title = excluded.title,
    description = excluded.description,
    author = excluded.author,
    image_url = excluded.image_url,
    copyright = excluded.copyright,
    filter = excluded.filter,
    sort = excluded.sort,
    last_updated = excluded.last_updated
RETURNING id`,
			nullString(p.GUID), p.URL, nullString(p.Link), title, nullString(p.Description), nullString(p.Author),
			nullString(p.ImageURL), nullString(p.Copyright), string(filter), string(sort),
			formatTime(p.SubscribedAt), formatTime(p.LastUpdated)).Scan(&id)
	})
	if err != nil {
		return 0, err
	}
	p.ID = id
	return id, nil
}

// UpdatePodcastSettings persists the episode filter and sort of a subscription.
func (s *Store) UpdatePodcastSettings(ctx context.Context, url string, filter domain.EpisodeFilter, sort domain.EpisodeSort) error {
	return s.withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, "UPDATE podcasts SET filter = ?, sort = ? WHERE url = ?", string(filter), string(sort), url)
		if err != nil {
			return err
		}
		if affected, _ := res.RowsAffected(); affected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *Store) DeletePodcast(ctx context.Context, url string) (bool, error) {
	var affected int64
	err := s.withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, "DELETE FROM podcasts WHERE url = ?", url)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ListSubscriptions returns every subscribed podcast with episode counts,
// ordered by title.
func (s *Store) ListSubscriptions(ctx context.Context) ([]domain.SubscriptionSummary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT
p.id, COALESCE(p.guid, ''), p.url, COALESCE(p.link, ''), p.title, COALESCE(p.description, ''),
COALESCE(p.author, ''), COALESCE(p.image_url, ''), COALESCE(p.copyright, ''), p.filter, p.sort,
p.subscribed_at, p.last_updated,
COUNT(e.id) AS total_count,
COALESCE(SUM(CASE WHEN e.id IS NOT NULL AND e.played = 0 THEN 1 ELSE 0 END), 0) AS unplayed_count,
COALESCE(SUM(CASE WHEN e.download_state = ? THEN 1 ELSE 0 END), 0) AS downloaded_count
FROM podcasts p
LEFT JOIN episodes e ON e.podcast_url = p.url
GROUP BY p.id
ORDER BY LOWER(p.title)`, string(domain.DownloadDownloaded))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summaries := make([]domain.SubscriptionSummary, 0, 8)
	for rows.Next() {
		var summary domain.SubscriptionSummary
		var filter, sort string
		var subscribedAt, lastUpdated sql.NullString
		p := &summary.Podcast
		if err := rows.Scan(&p.ID, &p.GUID, &p.URL, &p.Link, &p.Title, &p.Description, &p.Author,
			&p.ImageURL, &p.Copyright, &filter, &sort, &subscribedAt, &lastUpdated,
			&summary.EpisodeCount, &summary.UnplayedCount, &summary.DownloadedCount); err != nil {
			return nil, err
		}
		p.Filter = domain.EpisodeFilter(filter)
		p.Sort = domain.EpisodeSort(sort)
		p.SubscribedAt = parseTime(subscribedAt)
		p.LastUpdated = parseTime(lastUpdated)
		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return summaries, nil
}

func (s *Store) HasSubscriptionByFeedURL(ctx context.Context, feedURL string) (bool, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM podcasts WHERE url = ?", feedURL).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *Store) ListPodcastExports(ctx context.Context) ([]domain.PodcastExport, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT title, url FROM podcasts ORDER BY LOWER(title)")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	exports := make([]domain.PodcastExport, 0, 16)
	for rows.Next() {
		var export domain.PodcastExport
		if err := rows.Scan(&export.Title, &export.FeedURL); err != nil {
			return nil, err
		}
		exports = append(exports, export)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return exports, nil
}
