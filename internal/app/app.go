package app

import (
	"context"
	"crypto/tls"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kballard/go-shellquote"

	"podhub/internal/browse"
	"podhub/internal/config"
	"podhub/internal/domain"
	"podhub/internal/downloads"
	"podhub/internal/events"
	"podhub/internal/feeds"
	"podhub/internal/itunes"
	"podhub/internal/player"
	"podhub/internal/podcasts"
	"podhub/internal/repository"
)

const searchLimit = 25

var ErrInvalidIndex = errors.New("invalid index")

type commandHandler func(context.Context, []string) (CommandResult, error)

type command struct {
	name    string
	usage   string
	summary string
	handler commandHandler
}

// CommandResult is what a command hands back to the REPL. Message is always
// printable; the other fields carry the same data for richer front ends.
type CommandResult struct {
	Message       string
	Quit          bool
	SearchResults []itunes.Podcast
	Subscriptions []domain.SubscriptionSummary
	Episodes      []*domain.Episode
	Queue         *domain.QueueState
}

// App wires the services together and exposes them as shell-style commands.
type App struct {
	settings    *config.Settings
	db          *sql.DB
	httpClient  *http.Client
	itunes      *itunes.Client
	episodeBus  *events.Bus[domain.EpisodeEvent]
	podcasts    *podcasts.Service
	downloads   *downloads.Service
	downloadMgr *downloads.Manager
	player      *player.Service
	browser     *browse.Controller
	commands    map[string]*command

	stopBrowser context.CancelFunc
	browserDone chan struct{}

	mu sync.Mutex
	// picks are the podcasts listed by the last search or list command,
	// addressable as #n.
	picks []*domain.Podcast
}

type OPMLImportResult = podcasts.ImportResult

type Dependencies struct {
	HTTPClient *http.Client
	ITunes     *itunes.Client
	Sleep      downloads.SleepFunc
	Player     player.Backend
	Now        func() time.Time
}

func New(cfg config.Config, configPath string, db *sql.DB) *App {
	return NewWithDependencies(cfg, configPath, db, Dependencies{})
}

func NewWithDependencies(cfg config.Config, configPath string, db *sql.DB, deps Dependencies) *App {
	settings := config.NewSettings(cfg, configPath)
	cfg = settings.Config()

	httpClient := deps.HTTPClient
	if httpClient == nil {
		httpClient = newHTTPClient(cfg)
	}

	itunesClient := deps.ITunes
	if itunesClient == nil {
		itunesClient = itunes.NewClient(httpClient, "").WithUserAgent(cfg.UserAgent)
	}

	store := repository.New(db)
	bus := events.NewKeyedBus(64, domain.EpisodeEventKey)

	podcastsSvc := podcasts.NewService(store, feeds.NewClient(httpClient, cfg.UserAgent), bus, podcasts.Options{
		RefreshConcurrency: cfg.RefreshConcurrency,
		RefreshPerMinute:   cfg.RefreshPerMinute,
		Now:                deps.Now,
	})
	downloadsSvc := downloads.NewService(settings, store, httpClient, bus, deps.Sleep)

	backend := deps.Player
	if backend == nil {
		backend = player.NewMPV(cfg.PlayerCommand)
	}
	playerSvc := player.NewService(backend, store, settings, downloadsSvc, bus)

	browser := browse.New(browse.Deps{
		Podcasts:  podcastsSvc,
		Downloads: downloadsSvc,
		Player:    playerSvc,
		Settings:  settings,
		Episodes:  bus,
		Now:       deps.Now,
	})

	application := &App{
		settings:    settings,
		db:          db,
		httpClient:  httpClient,
		itunes:      itunesClient,
		episodeBus:  bus,
		podcasts:    podcastsSvc,
		downloads:   downloadsSvc,
		player:      playerSvc,
		browser:     browser,
		commands:    make(map[string]*command),
		browserDone: make(chan struct{}),
	}
	application.registerCommands()

	runCtx, cancel := context.WithCancel(context.Background())
	application.stopBrowser = cancel
	go func() {
		defer close(application.browserDone)
		if err := browser.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("[ERROR] browse loop: %v", err)
		}
	}()

	application.downloadMgr = downloads.NewManager(downloadsSvc, store, cfg.ParallelDownloads)
	application.downloadMgr.Notify()

	return application
}

func newHTTPClient(cfg config.Config) *http.Client {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: !cfg.TLSVerify},
	}
	if proxyURL := strings.TrimSpace(cfg.Proxy); proxyURL != "" {
		if parsed, err := url.Parse(proxyURL); err == nil {
			transport.Proxy = http.ProxyURL(parsed)
		}
	}
	return &http.Client{Timeout: 15 * time.Second, Transport: transport}
}

func (a *App) Config() config.Config {
	return a.settings.Config()
}

func (a *App) Settings() *config.Settings {
	return a.settings
}

func (a *App) Controller() *browse.Controller {
	return a.browser
}

func (a *App) Player() *player.Service {
	return a.player
}

func (a *App) Podcasts() *podcasts.Service {
	return a.podcasts
}

func (a *App) Downloads() *downloads.Service {
	return a.downloads
}

func (a *App) CommandNames() []string {
	names := make([]string, 0, len(a.commands))
	for name := range a.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (a *App) Close() error {
	a.browser.Close()
	a.stopBrowser()
	<-a.browserDone
	a.downloadMgr.Stop()
	if err := a.player.Close(); err != nil {
		log.Printf("[WARN] close player: %v", err)
	}
	a.episodeBus.Close()
	if a.db != nil {
		return a.db.Close()
	}
	return nil
}

// Initialize requeues interrupted downloads, restores the Up-Next queue and
// publishes the subscription list.
func (a *App) Initialize(ctx context.Context) error {
	if _, err := a.downloads.ResumePending(ctx); err != nil {
		return fmt.Errorf("resume downloads: %w", err)
	}
	a.downloadMgr.Notify()
	if err := a.player.Restore(ctx); err != nil {
		return fmt.Errorf("restore queue: %w", err)
	}
	if err := a.browser.Do(ctx, browse.ActionReloadSubscriptions); err != nil {
		return fmt.Errorf("load subscriptions: %w", err)
	}
	return nil
}

func (a *App) Execute(ctx context.Context, input string) (CommandResult, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return CommandResult{}, nil
	}

	args, err := shellquote.Split(input)
	if err != nil {
		return CommandResult{}, err
	}
	if len(args) == 0 {
		return CommandResult{}, nil
	}

	cmdName := strings.ToLower(args[0])
	cmd, ok := a.commands[cmdName]
	if !ok {
		return CommandResult{Message: fmt.Sprintf("unknown command: %s", args[0])}, nil
	}

	result, err := cmd.handler(ctx, args[1:])
	if err != nil {
		if msg, ok := userMessage(err); ok {
			return CommandResult{Message: msg}, nil
		}
		return CommandResult{}, err
	}
	return result, nil
}

// userMessage turns the errors a user can act on into plain advice.
func userMessage(err error) (string, bool) {
	switch {
	case errors.Is(err, browse.ErrNoPodcast):
		return "No podcast open. Use 'open <url|itunes-id|#n>' first.", true
	case errors.Is(err, browse.ErrEpisodeNotFound):
		return "Unknown episode. Use 'episodes' to list them.", true
	case errors.Is(err, ErrInvalidIndex):
		return err.Error(), true
	case errors.Is(err, podcasts.ErrMissingFeedURL):
		return "That podcast has no feed URL.", true
	case errors.Is(err, podcasts.ErrNotSubscribed):
		return "You are not subscribed to that podcast.", true
	case errors.Is(err, podcasts.ErrNoSubscriptionsToExport):
		return "No subscriptions to export.", true
	case errors.Is(err, podcasts.ErrNoSubscriptionsInOPML):
		return "No subscriptions found in OPML file.", true
	case errors.Is(err, feeds.ErrNotFeed):
		return "That URL is not a podcast feed.", true
	case errors.Is(err, itunes.ErrNotFound):
		return "Podcast not found.", true
	case errors.Is(err, player.ErrNothingPlaying):
		return "Nothing is playing.", true
	case errors.Is(err, player.ErrNotQueued):
		return "That episode is not in the Up-Next queue.", true
	case errors.Is(err, player.ErrNoSource):
		return "That episode has no audio to play.", true
	case errors.Is(err, downloads.ErrNoContentURL):
		return "That episode has no download URL.", true
	}
	return "", false
}

func (a *App) registerCommands() {
	a.registerCommand("help", "help [command]", "List commands or show the usage of one", a.helpCommand, "?")
	a.registerCommand("search", "search <query>", "Search the iTunes directory for podcasts", a.searchCommand, "s")
	a.registerCommand("open", "open <url|itunes-id|#n> [--refresh]", "Open a podcast from a feed URL, iTunes id or listed result", a.openCommand, "o")
	a.registerCommand("refresh", "refresh [all]", "Refresh the open podcast, or every subscription", a.refreshCommand, "r")
	a.registerCommand("subscribe", "subscribe", "Subscribe to the open podcast", a.subscribeCommand, "sub")
	a.registerCommand("unsubscribe", "unsubscribe", "Unsubscribe from the open podcast", a.unsubscribeCommand, "unsub")
	a.registerCommand("list", "list [filter]", "List subscriptions (optionally filtered)", a.listCommand, "ls")
	a.registerCommand("episodes", "episodes", "List the episodes of the open podcast", a.episodesCommand, "e")
	a.registerCommand("filter", "filter <none|started|not_finished|finished>", "Filter the episode list", a.filterCommand)
	a.registerCommand("sort", "sort <default|latest|earliest|title_asc|title_desc>", "Sort the episode list", a.sortCommand)
	a.registerCommand("find", "find <term>", "Search the episodes of the open podcast", a.findCommand, "f")
	a.registerCommand("played", "played <#n|guid>", "Mark an episode played", a.playedCommand)
	a.registerCommand("unplayed", "unplayed <#n|guid>", "Mark an episode unplayed", a.unplayedCommand)
	a.registerCommand("markall", "markall", "Mark every episode of the open podcast played", a.markAllCommand)
	a.registerCommand("clearall", "clearall", "Mark every episode of the open podcast unplayed", a.clearAllCommand)
	a.registerCommand("download", "download <#n|guid>", "Queue an episode for download", a.downloadCommand, "d")
	a.registerCommand("delete", "delete <#n|guid>", "Delete a downloaded episode", a.deleteCommand)
	a.registerCommand("play", "play <#n|guid>", "Play an episode", a.playCommand, "p")
	a.registerCommand("pause", "pause", "Pause playback", a.pauseCommand)
	a.registerCommand("resume", "resume", "Resume playback", a.resumeCommand)
	a.registerCommand("stop", "stop", "Stop playback and remember the position", a.stopCommand)
	a.registerCommand("queue", "queue [add <#n|guid> | remove <#n|guid> | move <#n|guid> <position> | clear]", "Show or edit the Up-Next queue", a.queueCommand, "q")
	a.registerCommand("import", "import <file>", "Import subscriptions from an OPML file", a.importCommand)
	a.registerCommand("export", "export <file>", "Export subscriptions to an OPML file", a.exportCommand)
	a.registerCommand("config", "config [show]", "View or edit application configuration", a.configCommand)
	a.registerCommand("exit", "exit", "Exit the application", a.exitCommand, "quit")
}

func (a *App) registerCommand(name, usage, summary string, handler commandHandler, aliases ...string) {
	cmd := &command{name: name, usage: usage, summary: summary, handler: handler}
	names := append([]string{name}, aliases...)
	for _, alias := range names {
		a.commands[alias] = cmd
	}
}

// setPicks remembers podcasts for later #n references.
func (a *App) setPicks(picks []*domain.Podcast) {
	a.mu.Lock()
	a.picks = picks
	a.mu.Unlock()
}

func (a *App) pick(index int) (*domain.Podcast, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if index < 1 || index > len(a.picks) {
		return nil, fmt.Errorf("%w: #%d (last list has %d entries)", ErrInvalidIndex, index, len(a.picks))
	}
	return a.picks[index-1].Clone(), nil
}
