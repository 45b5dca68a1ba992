package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"podhub/internal/browse"
	"podhub/internal/domain"
	"podhub/internal/downloads"
	"podhub/internal/feeds"
	"podhub/internal/player"
	"podhub/internal/podcasts"
)

func getHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    StatusOK,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func getSubscriptions(deps Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if err := deps.Controller.Do(ctx, browse.ActionReloadSubscriptions); err != nil {
			respondError(c, err)
			return
		}
		snap, err := deps.Controller.Snapshot(ctx)
		if err != nil {
			respondError(c, err)
			return
		}
		subs := toSubscriptions(snap.Subscriptions.Subscriptions)
		c.JSON(http.StatusOK, SubscriptionsResponse{
			BaseResponse:  BaseResponse{Status: StatusOK},
			Subscriptions: subs,
			Count:         len(subs),
		})
	}
}

func getPodcast(deps Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap, err := deps.Controller.Snapshot(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, toPodcastResponse(snap))
	}
}

func postLoad(deps Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req LoadRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"status":  StatusError,
				"message": "Invalid request body",
				"details": err.Error(),
			})
			return
		}

		background := true
		if req.BackgroundRefresh != nil {
			background = *req.BackgroundRefresh
		}
		feed := browse.Feed{
			Podcast:           &domain.Podcast{URL: strings.TrimSpace(req.URL), Title: req.Title},
			Refresh:           req.Refresh,
			BackgroundRefresh: background,
		}
		snap, err := deps.Loader.LoadPodcast(c.Request.Context(), feed)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, toPodcastResponse(snap))
	}
}

func postAction(deps Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ActionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"status":  StatusError,
				"message": "Invalid request body",
				"details": err.Error(),
			})
			return
		}
		action, ok := browse.ParseAction(req.Action)
		if !ok {
			c.JSON(http.StatusBadRequest, BaseResponse{Status: StatusError, Message: "Unknown action: " + req.Action})
			return
		}

		ctx := c.Request.Context()
		if err := deps.Controller.Do(ctx, action); err != nil {
			respondError(c, err)
			return
		}
		snap, err := deps.Controller.Snapshot(ctx)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, toPodcastResponse(snap))
	}
}

func getSearch(deps Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		term := strings.TrimSpace(c.Query("q"))
		if term == "" {
			c.JSON(http.StatusBadRequest, BaseResponse{Status: StatusError, Message: "Query parameter q is required"})
			return
		}
		matches, err := deps.Controller.Search(c.Request.Context(), term)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, EpisodesResponse{
			BaseResponse: BaseResponse{Status: StatusOK},
			Episodes:     toEpisodes(matches),
			Count:        len(matches),
		})
	}
}

func postEpisode(deps Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		guid := c.Param("guid")

		if c.Param("op") == "queue" {
			state, err := deps.Controller.QueueUpNext(ctx, guid)
			if err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusOK, toQueueResponse(state))
			return
		}

		var op func(context.Context, string) (*domain.Episode, error)
		switch c.Param("op") {
		case "download":
			op = deps.Controller.Download
		case "played":
			op = func(ctx context.Context, guid string) (*domain.Episode, error) {
				return deps.Controller.SetPlayed(ctx, guid, true)
			}
		case "unplayed":
			op = func(ctx context.Context, guid string) (*domain.Episode, error) {
				return deps.Controller.SetPlayed(ctx, guid, false)
			}
		case "play":
			op = deps.Controller.Play
		default:
			c.JSON(http.StatusNotFound, BaseResponse{Status: StatusError, Message: "Unknown episode operation: " + c.Param("op")})
			return
		}

		ep, err := op(ctx, guid)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, EpisodeResponse{BaseResponse: BaseResponse{Status: StatusOK}, Episode: toEpisode(ep)})
	}
}

func deleteDownload(deps Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		ep, err := deps.Controller.DeleteDownload(c.Request.Context(), c.Param("guid"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, EpisodeResponse{BaseResponse: BaseResponse{Status: StatusOK}, Episode: toEpisode(ep)})
	}
}

func getQueue(deps Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, toQueueResponse(deps.Player.Queue()))
	}
}

func postQueue(deps Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req QueueRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"status":  StatusError,
				"message": "Invalid request body",
				"details": err.Error(),
			})
			return
		}
		state, err := deps.Controller.QueueUpNext(c.Request.Context(), req.GUID)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, toQueueResponse(state))
	}
}

// deleteQueue removes the entry named by ?guid=, or clears the queue.
func deleteQueue(deps Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		guid := strings.TrimSpace(c.Query("guid"))
		if guid == "" {
			if err := deps.Player.ClearQueue(ctx); err != nil {
				respondError(c, err)
				return
			}
			c.JSON(http.StatusOK, toQueueResponse(deps.Player.Queue()))
			return
		}

		podcastURL := c.Query("podcast_url")
		if podcastURL == "" {
			podcastURL = queuedPodcastURL(deps.Player.Queue(), guid)
		}
		state, err := deps.Player.RemoveUpNext(ctx, podcastURL, guid)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, toQueueResponse(state))
	}
}

func postQueueMove(deps Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req MoveRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"status":  StatusError,
				"message": "Invalid request body",
				"details": err.Error(),
			})
			return
		}
		podcastURL := req.PodcastURL
		if podcastURL == "" {
			podcastURL = queuedPodcastURL(deps.Player.Queue(), req.GUID)
		}
		state, err := deps.Player.MoveUpNext(c.Request.Context(), podcastURL, req.GUID, *req.Index)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, toQueueResponse(state))
	}
}

func postPlayer(deps Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		var err error
		switch c.Param("op") {
		case "pause":
			err = deps.Player.Pause(ctx)
		case "resume":
			err = deps.Player.Resume(ctx)
		case "stop":
			err = deps.Player.Stop(ctx)
		default:
			c.JSON(http.StatusNotFound, BaseResponse{Status: StatusError, Message: "Unknown player operation: " + c.Param("op")})
			return
		}
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, toQueueResponse(deps.Player.Queue()))
	}
}

// queuedPodcastURL finds the feed of the first queued episode with guid.
func queuedPodcastURL(state domain.QueueState, guid string) string {
	for _, ep := range state.Queue {
		if ep.GUID == guid {
			return ep.PodcastURL
		}
	}
	return ""
}

func respondError(c *gin.Context, err error) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		log.Printf("[ERROR] %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.JSON(status, BaseResponse{Status: StatusError, Message: err.Error()})
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, browse.ErrEpisodeNotFound), errors.Is(err, player.ErrNotQueued):
		return http.StatusNotFound
	case errors.Is(err, browse.ErrNoPodcast), errors.Is(err, player.ErrNothingPlaying), errors.Is(err, podcasts.ErrNotSubscribed):
		return http.StatusConflict
	case errors.Is(err, browse.ErrUnknownAction), errors.Is(err, podcasts.ErrMissingFeedURL):
		return http.StatusBadRequest
	case errors.Is(err, feeds.ErrNotFeed), errors.Is(err, player.ErrNoSource), errors.Is(err, downloads.ErrNoContentURL):
		return http.StatusUnprocessableEntity
	case errors.Is(err, browse.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
