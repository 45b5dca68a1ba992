package domain

import (
	"strings"
	"time"
)

// EpisodeFilter selects which episodes of a podcast are listed.
type EpisodeFilter string

const (
	FilterNone        EpisodeFilter = "none"
	FilterStarted     EpisodeFilter = "started"
	FilterNotFinished EpisodeFilter = "not_finished"
	FilterFinished    EpisodeFilter = "finished"
)

// ParseFilter maps user input onto a filter. Unknown values report false.
func ParseFilter(value string) (EpisodeFilter, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "none", "all":
		return FilterNone, true
	case "started", "in_progress", "in-progress":
		return FilterStarted, true
	case "not_finished", "not-finished", "unfinished", "unplayed":
		return FilterNotFinished, true
	case "finished", "played":
		return FilterFinished, true
	}
	return FilterNone, false
}

// EpisodeSort orders the episodes of a podcast.
type EpisodeSort string

const (
	SortDefault   EpisodeSort = "default"
	SortLatest    EpisodeSort = "latest"
	SortEarliest  EpisodeSort = "earliest"
	SortTitleAsc  EpisodeSort = "title_asc"
	SortTitleDesc EpisodeSort = "title_desc"
)

// ParseSort maps user input onto a sort order. Unknown values report false.
func ParseSort(value string) (EpisodeSort, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "default":
		return SortDefault, true
	case "latest", "newest":
		return SortLatest, true
	case "earliest", "oldest":
		return SortEarliest, true
	case "title_asc", "az", "a-z", "alpha":
		return SortTitleAsc, true
	case "title_desc", "za", "z-a":
		return SortTitleDesc, true
	}
	return SortDefault, false
}

// DownloadState tracks an episode through the download pipeline.
type DownloadState string

const (
	DownloadNone        DownloadState = "none"
	DownloadQueued      DownloadState = "queued"
	DownloadDownloading DownloadState = "downloading"
	DownloadDownloaded  DownloadState = "downloaded"
	DownloadFailed      DownloadState = "failed"
	DownloadCancelled   DownloadState = "cancelled"
)

// Podcast is a feed together with its episodes. ID is the subscription id and
// is zero while the podcast is not subscribed.
type Podcast struct {
	ID              int64
	GUID            string
	URL             string
	Link            string
	Title           string
	Description     string
	Author          string
	ImageURL        string
	Copyright       string
	Filter          EpisodeFilter
	Sort            EpisodeSort
	SubscribedAt    time.Time
	LastUpdated     time.Time
	NewEpisodes     bool
	UpdatedEpisodes bool
	Episodes        []*Episode
}

func (p *Podcast) Subscribed() bool {
	return p != nil && p.ID != 0
}

// Clone returns a copy that shares no episode pointers with p.
func (p *Podcast) Clone() *Podcast {
	if p == nil {
		return nil
	}
	c := *p
	c.Episodes = CloneEpisodes(p.Episodes)
	return &c
}

// EpisodeByGUID returns the episode with the given guid, or nil.
func (p *Podcast) EpisodeByGUID(guid string) *Episode {
	if p == nil {
		return nil
	}
	for _, ep := range p.Episodes {
		if ep.GUID == guid {
			return ep
		}
	}
	return nil
}

type Episode struct {
	ID              int64
	GUID            string
	PodcastURL      string
	PodcastTitle    string
	Title           string
	Description     string
	Link            string
	ImageURL        string
	ContentURL      string
	MimeType        string
	SizeBytes       int64
	Duration        time.Duration
	PublishedAt     time.Time
	Position        time.Duration
	Played          bool
	Highlight       bool
	DownloadState   DownloadState
	DownloadPercent int
	DownloadTaskID  string
	FilePath        string
	LastUpdated     time.Time
}

// Started reports whether playback has begun but not finished.
func (e *Episode) Started() bool {
	return e.Position > 0 && !e.Played
}

func (e *Episode) Downloaded() bool {
	return e.DownloadState == DownloadDownloaded && e.FilePath != ""
}

// Source is what a player should open: the local file when downloaded,
// otherwise the enclosure URL.
func (e *Episode) Source() string {
	if e.Downloaded() {
		return e.FilePath
	}
	return e.ContentURL
}

// CloneEpisodes deep-copies a slice of episodes.
func CloneEpisodes(episodes []*Episode) []*Episode {
	if episodes == nil {
		return nil
	}
	out := make([]*Episode, len(episodes))
	for i, ep := range episodes {
		c := *ep
		out[i] = &c
	}
	return out
}

type SubscriptionSummary struct {
	Podcast         Podcast
	EpisodeCount    int
	UnplayedCount   int
	DownloadedCount int
}

type PodcastExport struct {
	Title   string
	FeedURL string
}

// EpisodeEventKind distinguishes changes published on the episode bus.
type EpisodeEventKind int

const (
	EpisodeUpdated EpisodeEventKind = iota + 1
	EpisodeDeleted
)

// EpisodeEvent reports a change to a stored episode.
type EpisodeEvent struct {
	Kind    EpisodeEventKind
	Episode Episode
}

// EpisodeEventKey identifies the episode an event is about.
func EpisodeEventKey(ev EpisodeEvent) string {
	return ev.Episode.PodcastURL + "\x00" + ev.Episode.GUID
}

// QueueState is the currently playing episode and the Up-Next list.
type QueueState struct {
	Playing  *Episode
	Paused   bool
	Position time.Duration
	Queue    []Episode
}
