package browse

import (
	"context"
	"log"

	"podhub/internal/domain"
	"podhub/internal/podcasts"
)

// Everything in this file runs on the loop goroutine.

func (c *Controller) startLoad(feed Feed) {
	c.seq++
	seq := c.seq

	// Actions must not reach the previous podcast once another one is requested.
	if c.podcast != nil && c.podcast.URL != feed.Podcast.URL {
		c.podcast = nil
	}

	if !feed.Silent {
		c.setPodcastState(PodcastState{Status: StatusLoading, Podcast: feed.Podcast.Clone()})
		c.setEpisodesState(EpisodesState{Status: StatusLoading, PodcastURL: feed.Podcast.URL})
	}

	req := podcasts.LoadRequest{Podcast: feed.Podcast.Clone(), Refresh: feed.Refresh}
	go func() {
		loaded, err := c.deps.Podcasts.Load(c.workCtx, req)
		c.post(func() { c.finishLoad(seq, feed, loaded, err) })
	}()
}

func (c *Controller) finishLoad(seq uint64, feed Feed, loaded *domain.Podcast, err error) {
	if seq != c.seq {
		log.Printf("[DEBUG] dropping superseded load of %s", feed.Podcast.URL)
		return
	}
	if err != nil {
		log.Printf("[WARN] load %s: %v", feed.Podcast.URL, err)
		if !feed.ErrorSilently {
			c.podcast = nil
			c.setPodcastState(PodcastState{Status: StatusError, Podcast: feed.Podcast.Clone(), Err: err})
			c.setEpisodesState(EpisodesState{Status: StatusError, PodcastURL: feed.Podcast.URL})
		}
		return
	}

	c.podcast = loaded
	c.publishPodcast()

	if c.shouldRefreshInBackground(feed, loaded) {
		c.startBackgroundRefresh(seq, loaded)
	}
}

// shouldRefreshInBackground applies the auto-update period to a podcast
// that was just shown from the store.
func (c *Controller) shouldRefreshInBackground(feed Feed, p *domain.Podcast) bool {
	if !feed.BackgroundRefresh || feed.Refresh || !p.Subscribed() || c.deps.Settings == nil {
		return false
	}
	period, ok := c.deps.Settings.AutoUpdatePeriod()
	if !ok {
		return false
	}
	if period == 0 {
		return true
	}
	return p.LastUpdated.Before(c.deps.Now().Add(-period))
}

func (c *Controller) startBackgroundRefresh(seq uint64, p *domain.Podcast) {
	c.setBackgroundState(BackgroundState{Status: StatusLoading, PodcastURL: p.URL})

	req := podcasts.LoadRequest{Podcast: p.Clone(), Refresh: true, HighlightNew: true}
	go func() {
		refreshed, err := c.deps.Podcasts.Load(c.workCtx, req)
		c.post(func() { c.finishBackgroundRefresh(seq, req.Podcast.URL, refreshed, err) })
	}()
}

func (c *Controller) finishBackgroundRefresh(seq uint64, url string, refreshed *domain.Podcast, err error) {
	if seq != c.seq {
		return
	}
	if err != nil {
		log.Printf("[WARN] background refresh %s: %v", url, err)
		c.setBackgroundState(BackgroundState{Status: StatusError, PodcastURL: url, Err: err})
		return
	}
	if refreshed.NewEpisodes || refreshed.UpdatedEpisodes {
		refreshed.Filter = c.podcast.Filter
		refreshed.Sort = c.podcast.Sort
		c.podcast = refreshed
		c.publishPodcast()
	}
	c.setBackgroundState(BackgroundState{Status: StatusPopulated, PodcastURL: url})
}

func (c *Controller) dispatch(action Action, reply chan<- error) {
	if action == ActionReloadSubscriptions {
		c.reloadSubscriptions(reply)
		return
	}
	if c.podcast == nil {
		reply <- ErrNoPodcast
		return
	}

	if filter, ok := action.filter(); ok {
		c.podcast.Filter = filter
		c.persistSettings(action, reply)
		return
	}
	if sort, ok := action.sort(); ok {
		c.podcast.Sort = sort
		c.persistSettings(action, reply)
		return
	}

	svc := c.deps.Podcasts
	switch action {
	case ActionSubscribe:
		c.runAction(action, reply, true, func(ctx context.Context, p *domain.Podcast) (*domain.Podcast, error) {
			return svc.Subscribe(ctx, p)
		})
	case ActionUnsubscribe:
		c.runAction(action, reply, true, func(ctx context.Context, p *domain.Podcast) (*domain.Podcast, error) {
			return svc.Unsubscribe(ctx, p)
		})
	case ActionMarkAllPlayed:
		c.runAction(action, reply, false, func(ctx context.Context, p *domain.Podcast) (*domain.Podcast, error) {
			return svc.SetAllPlayed(ctx, p, true)
		})
	case ActionClearAllPlayed:
		c.runAction(action, reply, false, func(ctx context.Context, p *domain.Podcast) (*domain.Podcast, error) {
			return svc.SetAllPlayed(ctx, p, false)
		})
	default:
		reply <- ErrUnknownAction
	}
}

// runAction calls the service off-loop with a copy of the current podcast and
// adopts the result if the same podcast is still current.
func (c *Controller) runAction(action Action, reply chan<- error, reloadSubs bool, work func(context.Context, *domain.Podcast) (*domain.Podcast, error)) {
	snapshot := c.podcast.Clone()
	go func() {
		result, err := work(c.workCtx, snapshot)
		c.post(func() {
			if err != nil {
				c.actionFailed(action, err)
				reply <- err
				return
			}
			if c.podcast != nil && c.podcast.URL == snapshot.URL && result != nil {
				result.Filter = c.podcast.Filter
				result.Sort = c.podcast.Sort
				c.podcast = result
				c.publishPodcast()
			}
			log.Printf("[INFO] %s %s", action, snapshot.URL)
			reply <- nil
			if reloadSubs {
				c.reloadSubscriptions(nil)
			}
		})
	}()
}

// persistSettings republishes with the new filter or sort and stores it.
func (c *Controller) persistSettings(action Action, reply chan<- error) {
	c.publishPodcast()
	snapshot := c.podcast.Clone()
	go func() {
		err := c.deps.Podcasts.Save(c.workCtx, snapshot)
		c.post(func() {
			if err != nil {
				c.actionFailed(action, err)
			}
			reply <- err
		})
	}()
}

func (c *Controller) reloadSubscriptions(reply chan<- error) {
	if c.subsState.Status != StatusPopulated {
		c.setSubscriptionsState(SubscriptionsState{Status: StatusLoading, Subscriptions: c.subsState.Subscriptions})
	}
	go func() {
		subs, err := c.deps.Podcasts.Subscriptions(c.workCtx)
		c.post(func() {
			switch {
			case err != nil:
				log.Printf("[WARN] reload subscriptions: %v", err)
				c.setSubscriptionsState(SubscriptionsState{Status: StatusError, Subscriptions: c.subsState.Subscriptions, Err: err})
			case len(subs) == 0:
				c.setSubscriptionsState(SubscriptionsState{Status: StatusEmpty})
			default:
				c.setSubscriptionsState(SubscriptionsState{Status: StatusPopulated, Subscriptions: subs})
			}
			if reply != nil {
				reply <- err
			}
		})
	}()
}

func (c *Controller) actionFailed(action Action, err error) {
	log.Printf("[ERROR] %s: %v", action, err)
	var current *domain.Podcast
	if c.podcast != nil {
		current = c.podcast.Clone()
	}
	c.setPodcastState(PodcastState{Status: StatusError, Podcast: current, Err: err})
}

// applyEpisodeEvent folds a stored-episode change into the current podcast.
func (c *Controller) applyEpisodeEvent(ev domain.EpisodeEvent) {
	if c.podcast == nil || ev.Episode.PodcastURL != c.podcast.URL {
		return
	}
	for i, ep := range c.podcast.Episodes {
		if ep.GUID != ev.Episode.GUID {
			continue
		}
		switch ev.Kind {
		case domain.EpisodeDeleted:
			if !c.podcast.Subscribed() {
				return
			}
			c.podcast.Episodes = append(c.podcast.Episodes[:i:i], c.podcast.Episodes[i+1:]...)
		default:
			updated := ev.Episode
			updated.Highlight = ep.Highlight && !updated.Played
			if updated.PodcastTitle == "" {
				updated.PodcastTitle = ep.PodcastTitle
			}
			c.podcast.Episodes[i] = &updated
		}
		c.publishEpisodes()
		return
	}
}

func (c *Controller) publishPodcast() {
	c.setPodcastState(PodcastState{Status: StatusPopulated, Podcast: c.podcast.Clone()})
	c.publishEpisodes()
}

func (c *Controller) publishEpisodes() {
	visible := podcasts.View(c.podcast.Clone())
	status := StatusPopulated
	if len(visible) == 0 {
		status = StatusEmpty
	}
	c.setEpisodesState(EpisodesState{Status: status, PodcastURL: c.podcast.URL, Episodes: visible})
}

func (c *Controller) setPodcastState(state PodcastState) {
	c.podcastState = state
	c.podcastBus.Publish(state)
}

func (c *Controller) setEpisodesState(state EpisodesState) {
	c.episodesState = state
	c.episodesBus.Publish(state)
}

func (c *Controller) setSubscriptionsState(state SubscriptionsState) {
	c.subsState = state
	c.subscriptionsBus.Publish(state)
}

func (c *Controller) setBackgroundState(state BackgroundState) {
	c.bgState = state
	c.backgroundBus.Publish(state)
}
