package api

import (
	"time"

	"podhub/internal/browse"
	"podhub/internal/domain"
)

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// BaseResponse contains fields common to all API responses
type BaseResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type LoadRequest struct {
	URL               string `json:"url" binding:"required"`
	Title             string `json:"title,omitempty"`
	Refresh           bool   `json:"refresh,omitempty"`
	BackgroundRefresh *bool  `json:"background_refresh,omitempty"`
}

type ActionRequest struct {
	Action string `json:"action" binding:"required" example:"subscribe"`
}

type QueueRequest struct {
	GUID string `json:"guid" binding:"required"`
}

type MoveRequest struct {
	GUID       string `json:"guid" binding:"required"`
	PodcastURL string `json:"podcast_url,omitempty"`
	Index      *int   `json:"index" binding:"required"`
}

type Podcast struct {
	ID           int64      `json:"id,omitempty"`
	URL          string     `json:"url"`
	Title        string     `json:"title"`
	Author       string     `json:"author,omitempty"`
	Description  string     `json:"description,omitempty"`
	Link         string     `json:"link,omitempty"`
	ImageURL     string     `json:"image_url,omitempty"`
	Subscribed   bool       `json:"subscribed"`
	Filter       string     `json:"filter"`
	Sort         string     `json:"sort"`
	LastUpdated  *time.Time `json:"last_updated,omitempty"`
	EpisodeCount int        `json:"episode_count"`
}

type Episode struct {
	GUID            string     `json:"guid"`
	PodcastURL      string     `json:"podcast_url"`
	PodcastTitle    string     `json:"podcast_title,omitempty"`
	Title           string     `json:"title"`
	Description     string     `json:"description,omitempty"`
	ContentURL      string     `json:"content_url,omitempty"`
	PublishedAt     *time.Time `json:"published_at,omitempty"`
	DurationSec     int64      `json:"duration_seconds,omitempty"`
	PositionSec     int64      `json:"position_seconds"`
	Played          bool       `json:"played"`
	Highlight       bool       `json:"highlight"`
	DownloadState   string     `json:"download_state"`
	DownloadPercent int        `json:"download_percent"`
}

type Subscription struct {
	Podcast         Podcast `json:"podcast"`
	EpisodeCount    int     `json:"episode_count"`
	UnplayedCount   int     `json:"unplayed_count"`
	DownloadedCount int     `json:"downloaded_count"`
}

type PodcastResponse struct {
	BaseResponse
	PodcastStatus    browse.Status `json:"podcast_status"`
	EpisodesStatus   browse.Status `json:"episodes_status"`
	BackgroundStatus browse.Status `json:"background_status"`
	Podcast          *Podcast      `json:"podcast,omitempty"`
	Episodes         []Episode     `json:"episodes"`
	Error            string        `json:"error,omitempty"`
}

type SubscriptionsResponse struct {
	BaseResponse
	Subscriptions []Subscription `json:"subscriptions"`
	Count         int            `json:"count"`
}

type EpisodeResponse struct {
	BaseResponse
	Episode Episode `json:"episode"`
}

type EpisodesResponse struct {
	BaseResponse
	Episodes []Episode `json:"episodes"`
	Count    int       `json:"count"`
}

type QueueResponse struct {
	BaseResponse
	Playing  *Episode  `json:"playing,omitempty"`
	Paused   bool      `json:"paused"`
	Position int64     `json:"position_seconds"`
	Queue    []Episode `json:"queue"`
}

func toPodcast(p *domain.Podcast) *Podcast {
	if p == nil {
		return nil
	}
	out := &Podcast{
		ID:           p.ID,
		URL:          p.URL,
		Title:        p.Title,
		Author:       p.Author,
		Description:  p.Description,
		Link:         p.Link,
		ImageURL:     p.ImageURL,
		Subscribed:   p.Subscribed(),
		Filter:       string(p.Filter),
		Sort:         string(p.Sort),
		EpisodeCount: len(p.Episodes),
	}
	if !p.LastUpdated.IsZero() {
		t := p.LastUpdated
		out.LastUpdated = &t
	}
	return out
}

func toEpisode(ep *domain.Episode) Episode {
	out := Episode{
		GUID:            ep.GUID,
		PodcastURL:      ep.PodcastURL,
		PodcastTitle:    ep.PodcastTitle,
		Title:           ep.Title,
		Description:     ep.Description,
		ContentURL:      ep.ContentURL,
		DurationSec:     int64(ep.Duration / time.Second),
		PositionSec:     int64(ep.Position / time.Second),
		Played:          ep.Played,
		Highlight:       ep.Highlight,
		DownloadState:   string(ep.DownloadState),
		DownloadPercent: ep.DownloadPercent,
	}
	if out.DownloadState == "" {
		out.DownloadState = string(domain.DownloadNone)
	}
	if !ep.PublishedAt.IsZero() {
		t := ep.PublishedAt
		out.PublishedAt = &t
	}
	return out
}

func toEpisodes(episodes []*domain.Episode) []Episode {
	out := make([]Episode, 0, len(episodes))
	for _, ep := range episodes {
		out = append(out, toEpisode(ep))
	}
	return out
}

func toSubscriptions(subs []domain.SubscriptionSummary) []Subscription {
	out := make([]Subscription, 0, len(subs))
	for i := range subs {
		out = append(out, Subscription{
			Podcast:         *toPodcast(&subs[i].Podcast),
			EpisodeCount:    subs[i].EpisodeCount,
			UnplayedCount:   subs[i].UnplayedCount,
			DownloadedCount: subs[i].DownloadedCount,
		})
	}
	return out
}

func toPodcastResponse(snap browse.Snapshot) PodcastResponse {
	resp := PodcastResponse{
		BaseResponse:     BaseResponse{Status: StatusOK},
		PodcastStatus:    snap.Podcast.Status,
		EpisodesStatus:   snap.Episodes.Status,
		BackgroundStatus: snap.Background.Status,
		Podcast:          toPodcast(snap.Podcast.Podcast),
		Episodes:         toEpisodes(snap.Episodes.Episodes),
	}
	if snap.Podcast.Err != nil {
		resp.Error = snap.Podcast.Err.Error()
	}
	return resp
}

func toQueueResponse(state domain.QueueState) QueueResponse {
	resp := QueueResponse{
		BaseResponse: BaseResponse{Status: StatusOK},
		Paused:       state.Paused,
		Position:     int64(state.Position / time.Second),
		Queue:        make([]Episode, 0, len(state.Queue)),
	}
	if state.Playing != nil {
		playing := toEpisode(state.Playing)
		resp.Playing = &playing
	}
	for i := range state.Queue {
		resp.Queue = append(resp.Queue, toEpisode(&state.Queue[i]))
	}
	return resp
}
