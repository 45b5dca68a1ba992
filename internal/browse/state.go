package browse

import (
	"fmt"
	"strings"

	"podhub/internal/domain"
)

// Status tags every published state.
type Status int

const (
	StatusEmpty Status = iota
	StatusLoading
	StatusPopulated
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusEmpty:
		return "empty"
	case StatusLoading:
		return "loading"
	case StatusPopulated:
		return "populated"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	for candidate := StatusEmpty; candidate <= StatusError; candidate++ {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", text)
}

// Feed asks the controller to load a podcast.
type Feed struct {
	Podcast *domain.Podcast
	// Refresh fetches from the network even for subscribed podcasts.
	Refresh bool
	// BackgroundRefresh refreshes a subscribed podcast after it has been shown
	// when its auto-update period has elapsed.
	BackgroundRefresh bool
	// Silent suppresses the loading state.
	Silent bool
	// ErrorSilently suppresses the error state.
	ErrorSilently bool
}

type PodcastState struct {
	Status  Status
	Podcast *domain.Podcast
	Err     error
}

// EpisodesState carries the current podcast's episodes with its filter and
// sort applied.
type EpisodesState struct {
	Status     Status
	PodcastURL string
	Episodes   []*domain.Episode
}

type SubscriptionsState struct {
	Status        Status
	Subscriptions []domain.SubscriptionSummary
	Err           error
}

// BackgroundState reports the progress of a background refresh.
type BackgroundState struct {
	Status     Status
	PodcastURL string
	Err        error
}

// Snapshot is every output at one instant.
type Snapshot struct {
	Podcast       PodcastState
	Episodes      EpisodesState
	Subscriptions SubscriptionsState
	Background    BackgroundState
}

// Action is a user operation on the current podcast.
type Action int

const (
	ActionSubscribe Action = iota + 1
	ActionUnsubscribe
	ActionMarkAllPlayed
	ActionClearAllPlayed
	ActionReloadSubscriptions
	ActionFilterNone
	ActionFilterStarted
	ActionFilterNotFinished
	ActionFilterFinished
	ActionSortDefault
	ActionSortLatest
	ActionSortEarliest
	ActionSortTitleAsc
	ActionSortTitleDesc
)

var actionNames = map[Action]string{
	ActionSubscribe:           "subscribe",
	ActionUnsubscribe:         "unsubscribe",
	ActionMarkAllPlayed:       "mark_all_played",
	ActionClearAllPlayed:      "clear_all_played",
	ActionReloadSubscriptions: "reload_subscriptions",
	ActionFilterNone:          "filter_none",
	ActionFilterStarted:       "filter_started",
	ActionFilterNotFinished:   "filter_not_finished",
	ActionFilterFinished:      "filter_finished",
	ActionSortDefault:         "sort_default",
	ActionSortLatest:          "sort_latest",
	ActionSortEarliest:        "sort_earliest",
	ActionSortTitleAsc:        "sort_title_asc",
	ActionSortTitleDesc:       "sort_title_desc",
}

func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// ParseAction maps an action name back to its Action.
func ParseAction(name string) (Action, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for action, candidate := range actionNames {
		if candidate == name {
			return action, true
		}
	}
	return 0, false
}

// FilterAction returns the action applying filter.
func FilterAction(filter domain.EpisodeFilter) Action {
	switch filter {
	case domain.FilterStarted:
		return ActionFilterStarted
	case domain.FilterNotFinished:
		return ActionFilterNotFinished
	case domain.FilterFinished:
		return ActionFilterFinished
	default:
		return ActionFilterNone
	}
}

// SortAction returns the action applying sort.
func SortAction(sort domain.EpisodeSort) Action {
	switch sort {
	case domain.SortLatest:
		return ActionSortLatest
	case domain.SortEarliest:
		return ActionSortEarliest
	case domain.SortTitleAsc:
		return ActionSortTitleAsc
	case domain.SortTitleDesc:
		return ActionSortTitleDesc
	default:
		return ActionSortDefault
	}
}

func (a Action) filter() (domain.EpisodeFilter, bool) {
	switch a {
	case ActionFilterNone:
		return domain.FilterNone, true
	case ActionFilterStarted:
		return domain.FilterStarted, true
	case ActionFilterNotFinished:
		return domain.FilterNotFinished, true
	case ActionFilterFinished:
		return domain.FilterFinished, true
	}
	return "", false
}

func (a Action) sort() (domain.EpisodeSort, bool) {
	switch a {
	case ActionSortDefault:
		return domain.SortDefault, true
	case ActionSortLatest:
		return domain.SortLatest, true
	case ActionSortEarliest:
		return domain.SortEarliest, true
	case ActionSortTitleAsc:
		return domain.SortTitleAsc, true
	case ActionSortTitleDesc:
		return domain.SortTitleDesc, true
	}
	return "", false
}
