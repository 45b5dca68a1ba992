package api

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"podhub/internal/browse"
	"podhub/internal/domain"
)

// Loader loads a podcast and waits for the result.
type Loader interface {
	LoadPodcast(ctx context.Context, feed browse.Feed) (browse.Snapshot, error)
}

// Controller is the part of the browse controller the API drives.
type Controller interface {
	Snapshot(ctx context.Context) (browse.Snapshot, error)
	Do(ctx context.Context, action browse.Action) error
	Download(ctx context.Context, guid string) (*domain.Episode, error)
	DeleteDownload(ctx context.Context, guid string) (*domain.Episode, error)
	SetPlayed(ctx context.Context, guid string, played bool) (*domain.Episode, error)
	Play(ctx context.Context, guid string) (*domain.Episode, error)
	QueueUpNext(ctx context.Context, guid string) (domain.QueueState, error)
	Search(ctx context.Context, term string) ([]*domain.Episode, error)
}

type Player interface {
	Queue() domain.QueueState
	RemoveUpNext(ctx context.Context, podcastURL, guid string) (domain.QueueState, error)
	MoveUpNext(ctx context.Context, podcastURL, guid string, index int) (domain.QueueState, error)
	ClearQueue(ctx context.Context) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Stop(ctx context.Context) error
}

type Dependencies struct {
	Loader     Loader
	Controller Controller
	Player     Player
}

// Server represents the HTTP server
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
}

// NewServer creates a server listening on address with every route registered.
func NewServer(address string, deps Dependencies) *Server {
	engine := gin.New()
	engine.Use(gin.LoggerWithWriter(log.Writer()), gin.Recovery())
	RegisterRoutes(engine, deps)

	return &Server{
		engine: engine,
		httpServer: &http.Server{
			Addr:           address,
			Handler:        engine,
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   2 * time.Minute,
			IdleTimeout:    30 * time.Second,
			MaxHeaderBytes: 1 << 20,
		},
	}
}

// Engine returns the Gin engine for testing
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	log.Printf("[INFO] API listening on %s", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// RegisterRoutes registers all API routes
func RegisterRoutes(engine *gin.Engine, deps Dependencies) {
	engine.GET("/health", getHealth)
	engine.GET("/subscriptions", getSubscriptions(deps))

	podcast := engine.Group("/podcast")
	podcast.GET("", getPodcast(deps))
	podcast.POST("/load", postLoad(deps))
	podcast.POST("/actions", postAction(deps))
	podcast.GET("/search", getSearch(deps))

	episodes := engine.Group("/episodes/:guid")
	episodes.POST("/:op", postEpisode(deps))
	episodes.DELETE("/download", deleteDownload(deps))

	queue := engine.Group("/queue")
	queue.GET("", getQueue(deps))
	queue.POST("", postQueue(deps))
	queue.DELETE("", deleteQueue(deps))
	queue.POST("/move", postQueueMove(deps))

	engine.POST("/player/:op", postPlayer(deps))

	engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, BaseResponse{Status: StatusError, Message: "Endpoint not found"})
	})
}
