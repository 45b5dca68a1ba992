package app

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"podhub/internal/browse"
	"podhub/internal/config"
	"podhub/internal/domain"
	"podhub/internal/itunes"
	"podhub/internal/search"
)

func (a *App) helpCommand(_ context.Context, args []string) (CommandResult, error) {
	if len(args) > 0 {
		cmd, ok := a.commands[strings.ToLower(args[0])]
		if !ok {
			return CommandResult{Message: fmt.Sprintf("unknown command: %s", args[0])}, nil
		}
		return CommandResult{Message: fmt.Sprintf("Usage: %s\n%s", cmd.usage, cmd.summary)}, nil
	}

	seen := make(map[*command]bool, len(a.commands))
	unique := make([]*command, 0, len(a.commands))
	for _, cmd := range a.commands {
		if !seen[cmd] {
			seen[cmd] = true
			unique = append(unique, cmd)
		}
	}
	sort.Slice(unique, func(i, j int) bool { return unique[i].name < unique[j].name })

	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, cmd := range unique {
		fmt.Fprintf(&b, "  %-40s %s\n", cmd.usage, cmd.summary)
	}
	return CommandResult{Message: strings.TrimRight(b.String(), "\n")}, nil
}

func (a *App) searchCommand(ctx context.Context, args []string) (CommandResult, error) {
	if len(args) == 0 {
		return CommandResult{Message: "Usage: search <query>"}, nil
	}
	term := strings.Join(args, " ")
	results, err := a.itunes.Search(ctx, term, searchLimit)
	if err != nil {
		return CommandResult{}, err
	}
	if len(results) == 0 {
		return CommandResult{Message: fmt.Sprintf("No podcasts found for '%s'.", term)}, nil
	}

	// The directory matches on more than titles; keep its order for the rest.
	ranked := search.Rank(results, term, func(p itunes.Podcast) []string {
		return []string{p.Title, p.Author}
	})
	ranked = appendMissing(ranked, results)

	picks := make([]*domain.Podcast, len(ranked))
	for i, result := range ranked {
		picks[i] = result.Domain()
	}
	a.setPicks(picks)

	return CommandResult{
		Message:       formatSearchResults(ranked),
		SearchResults: ranked,
	}, nil
}

func appendMissing(ranked, all []itunes.Podcast) []itunes.Podcast {
	seen := make(map[string]bool, len(ranked))
	for _, p := range ranked {
		seen[p.ID] = true
	}
	for _, p := range all {
		if !seen[p.ID] {
			ranked = append(ranked, p)
		}
	}
	return ranked
}

func (a *App) openCommand(ctx context.Context, args []string) (CommandResult, error) {
	var (
		target  string
		refresh bool
	)
	for _, arg := range args {
		switch arg {
		case "--refresh", "-r":
			refresh = true
		default:
			target = arg
		}
	}
	if target == "" {
		return CommandResult{Message: "Usage: open <url|itunes-id|#n> [--refresh]"}, nil
	}

	podcast, err := a.resolvePodcast(ctx, target)
	if err != nil {
		return CommandResult{}, err
	}
	snap, err := a.LoadPodcast(ctx, browse.Feed{Podcast: podcast, Refresh: refresh, BackgroundRefresh: true})
	if err != nil {
		return CommandResult{}, err
	}
	return episodesResult(snap), nil
}

// resolvePodcast accepts a feed URL, a numeric iTunes id or #n from the last
// search or list.
func (a *App) resolvePodcast(ctx context.Context, target string) (*domain.Podcast, error) {
	if index, ok := parseIndex(target); ok {
		return a.pick(index)
	}
	if strings.Contains(target, "://") {
		return &domain.Podcast{URL: target}, nil
	}
	if _, err := strconv.ParseUint(target, 10, 64); err == nil {
		result, err := a.itunes.LookupPodcast(ctx, target)
		if err != nil {
			return nil, err
		}
		return result.Domain(), nil
	}
	return nil, fmt.Errorf("%w: %q is not a URL, iTunes id or #n", ErrInvalidIndex, target)
}

// LoadPodcast asks the controller for feed and waits until it has been
// populated or has failed.
func (a *App) LoadPodcast(ctx context.Context, feed browse.Feed) (browse.Snapshot, error) {
	sub := a.browser.Podcast()
	defer sub.Close()

	if err := a.browser.Load(ctx, feed); err != nil {
		return browse.Snapshot{}, err
	}
	url := strings.TrimSpace(feed.Podcast.URL)
	started := feed.Silent
	for {
		select {
		case <-ctx.Done():
			return browse.Snapshot{}, ctx.Err()
		case state, ok := <-sub.C:
			if !ok {
				return browse.Snapshot{}, browse.ErrClosed
			}
			if state.Podcast == nil || state.Podcast.URL != url {
				continue
			}
			switch state.Status {
			case browse.StatusLoading:
				started = true
			case browse.StatusError:
				if started {
					return browse.Snapshot{}, state.Err
				}
			case browse.StatusPopulated:
				if started {
					return a.browser.Snapshot(ctx)
				}
			}
		}
	}
}

func (a *App) refreshCommand(ctx context.Context, args []string) (CommandResult, error) {
	if len(args) > 0 && strings.EqualFold(args[0], "all") {
		report, err := a.podcasts.RefreshAll(ctx)
		if err != nil {
			return CommandResult{}, err
		}
		if err := a.browser.Do(ctx, browse.ActionReloadSubscriptions); err != nil {
			log.Printf("[WARN] reload subscriptions after refresh: %v", err)
		}
		return CommandResult{Message: formatRefreshReport(report)}, nil
	}

	snap, err := a.browser.Snapshot(ctx)
	if err != nil {
		return CommandResult{}, err
	}
	if snap.Podcast.Podcast == nil {
		return CommandResult{}, browse.ErrNoPodcast
	}
	snap, err = a.LoadPodcast(ctx, browse.Feed{Podcast: snap.Podcast.Podcast, Refresh: true})
	if err != nil {
		return CommandResult{}, err
	}
	return episodesResult(snap), nil
}

func (a *App) subscribeCommand(ctx context.Context, _ []string) (CommandResult, error) {
	snap, err := a.doAction(ctx, browse.ActionSubscribe)
	if err != nil {
		return CommandResult{}, err
	}
	return CommandResult{Message: fmt.Sprintf("Subscribed to %s.", snap.Podcast.Podcast.Title)}, nil
}

func (a *App) unsubscribeCommand(ctx context.Context, _ []string) (CommandResult, error) {
	snap, err := a.doAction(ctx, browse.ActionUnsubscribe)
	if err != nil {
		return CommandResult{}, err
	}
	return CommandResult{Message: fmt.Sprintf("Unsubscribed from %s.", snap.Podcast.Podcast.Title)}, nil
}

// doAction runs action and returns the resulting snapshot.
func (a *App) doAction(ctx context.Context, action browse.Action) (browse.Snapshot, error) {
	if err := a.browser.Do(ctx, action); err != nil {
		return browse.Snapshot{}, err
	}
	snap, err := a.browser.Snapshot(ctx)
	if err != nil {
		return browse.Snapshot{}, err
	}
	if snap.Podcast.Podcast == nil {
		return browse.Snapshot{}, browse.ErrNoPodcast
	}
	return snap, nil
}

func (a *App) listCommand(ctx context.Context, args []string) (CommandResult, error) {
	summaries, err := a.podcasts.Subscriptions(ctx)
	if err != nil {
		return CommandResult{}, err
	}
	if len(summaries) == 0 {
		return CommandResult{Message: "No subscriptions yet."}, nil
	}

	if len(args) > 0 {
		filter := strings.Join(args, " ")
		summaries = search.Subscriptions(summaries, filter)
		if len(summaries) == 0 {
			return CommandResult{Message: fmt.Sprintf("No subscriptions matching '%s'.", filter)}, nil
		}
	}

	picks := make([]*domain.Podcast, len(summaries))
	for i := range summaries {
		picks[i] = summaries[i].Podcast.Clone()
	}
	a.setPicks(picks)

	return CommandResult{
		Message:       formatSubscriptions(summaries),
		Subscriptions: summaries,
	}, nil
}

func (a *App) episodesCommand(ctx context.Context, _ []string) (CommandResult, error) {
	snap, err := a.browser.Snapshot(ctx)
	if err != nil {
		return CommandResult{}, err
	}
	if snap.Podcast.Podcast == nil {
		return CommandResult{}, browse.ErrNoPodcast
	}
	return episodesResult(snap), nil
}

func (a *App) filterCommand(ctx context.Context, args []string) (CommandResult, error) {
	if len(args) != 1 {
		return CommandResult{Message: "Usage: filter <none|started|not_finished|finished>"}, nil
	}
	filter, ok := domain.ParseFilter(args[0])
	if !ok {
		return CommandResult{Message: fmt.Sprintf("unknown filter: %s", args[0])}, nil
	}
	snap, err := a.doAction(ctx, browse.FilterAction(filter))
	if err != nil {
		return CommandResult{}, err
	}
	return episodesResult(snap), nil
}

func (a *App) sortCommand(ctx context.Context, args []string) (CommandResult, error) {
	if len(args) != 1 {
		return CommandResult{Message: "Usage: sort <default|latest|earliest|title_asc|title_desc>"}, nil
	}
	order, ok := domain.ParseSort(args[0])
	if !ok {
		return CommandResult{Message: fmt.Sprintf("unknown sort order: %s", args[0])}, nil
	}
	snap, err := a.doAction(ctx, browse.SortAction(order))
	if err != nil {
		return CommandResult{}, err
	}
	return episodesResult(snap), nil
}

func (a *App) findCommand(ctx context.Context, args []string) (CommandResult, error) {
	if len(args) == 0 {
		return CommandResult{Message: "Usage: find <term>"}, nil
	}
	term := strings.Join(args, " ")
	matches, err := a.browser.Search(ctx, term)
	if err != nil {
		return CommandResult{}, err
	}
	if len(matches) == 0 {
		return CommandResult{Message: fmt.Sprintf("No episodes matching '%s'.", term)}, nil
	}
	return CommandResult{Message: formatEpisodes(matches), Episodes: matches}, nil
}

func (a *App) playedCommand(ctx context.Context, args []string) (CommandResult, error) {
	return a.setPlayed(ctx, args, true)
}

func (a *App) unplayedCommand(ctx context.Context, args []string) (CommandResult, error) {
	return a.setPlayed(ctx, args, false)
}

func (a *App) setPlayed(ctx context.Context, args []string, played bool) (CommandResult, error) {
	if len(args) != 1 {
		if played {
			return CommandResult{Message: "Usage: played <#n|guid>"}, nil
		}
		return CommandResult{Message: "Usage: unplayed <#n|guid>"}, nil
	}
	guid, err := a.episodeGUID(ctx, args[0])
	if err != nil {
		return CommandResult{}, err
	}
	ep, err := a.browser.SetPlayed(ctx, guid, played)
	if err != nil {
		return CommandResult{}, err
	}
	if played {
		return CommandResult{Message: fmt.Sprintf("Marked %s played.", ep.Title)}, nil
	}
	return CommandResult{Message: fmt.Sprintf("Marked %s unplayed.", ep.Title)}, nil
}

func (a *App) markAllCommand(ctx context.Context, _ []string) (CommandResult, error) {
	snap, err := a.doAction(ctx, browse.ActionMarkAllPlayed)
	if err != nil {
		return CommandResult{}, err
	}
	return CommandResult{Message: fmt.Sprintf("Marked every episode of %s played.", snap.Podcast.Podcast.Title)}, nil
}

func (a *App) clearAllCommand(ctx context.Context, _ []string) (CommandResult, error) {
	snap, err := a.doAction(ctx, browse.ActionClearAllPlayed)
	if err != nil {
		return CommandResult{}, err
	}
	return CommandResult{Message: fmt.Sprintf("Marked every episode of %s unplayed.", snap.Podcast.Podcast.Title)}, nil
}

func (a *App) downloadCommand(ctx context.Context, args []string) (CommandResult, error) {
	if len(args) != 1 {
		return CommandResult{Message: "Usage: download <#n|guid>"}, nil
	}
	guid, err := a.episodeGUID(ctx, args[0])
	if err != nil {
		return CommandResult{}, err
	}
	ep, err := a.browser.Download(ctx, guid)
	if err != nil {
		return CommandResult{}, err
	}
	return CommandResult{Message: fmt.Sprintf("Queued %s for download.", ep.Title)}, nil
}

func (a *App) deleteCommand(ctx context.Context, args []string) (CommandResult, error) {
	if len(args) != 1 {
		return CommandResult{Message: "Usage: delete <#n|guid>"}, nil
	}
	guid, err := a.episodeGUID(ctx, args[0])
	if err != nil {
		return CommandResult{}, err
	}
	ep, err := a.browser.DeleteDownload(ctx, guid)
	if err != nil {
		return CommandResult{}, err
	}
	return CommandResult{Message: fmt.Sprintf("Deleted the download of %s.", ep.Title)}, nil
}

func (a *App) playCommand(ctx context.Context, args []string) (CommandResult, error) {
	if len(args) != 1 {
		return CommandResult{Message: "Usage: play <#n|guid>"}, nil
	}
	guid, err := a.episodeGUID(ctx, args[0])
	if err != nil {
		return CommandResult{}, err
	}
	ep, err := a.browser.Play(ctx, guid)
	if err != nil {
		return CommandResult{}, err
	}
	msg := fmt.Sprintf("Playing %s", ep.Title)
	if !ep.Played && ep.Position > 0 {
		msg += " from " + formatDuration(ep.Position)
	}
	return CommandResult{Message: msg + "."}, nil
}

func (a *App) pauseCommand(ctx context.Context, _ []string) (CommandResult, error) {
	if err := a.player.Pause(ctx); err != nil {
		return CommandResult{}, err
	}
	return CommandResult{Message: "Paused."}, nil
}

func (a *App) resumeCommand(ctx context.Context, _ []string) (CommandResult, error) {
	if err := a.player.Resume(ctx); err != nil {
		return CommandResult{}, err
	}
	return CommandResult{Message: "Resumed."}, nil
}

func (a *App) stopCommand(ctx context.Context, _ []string) (CommandResult, error) {
	if err := a.player.Stop(ctx); err != nil {
		return CommandResult{}, err
	}
	return CommandResult{Message: "Stopped."}, nil
}

func (a *App) queueCommand(ctx context.Context, args []string) (CommandResult, error) {
	if len(args) == 0 {
		return queueResult(a.player.Queue()), nil
	}

	switch strings.ToLower(args[0]) {
	case "add":
		if len(args) != 2 {
			return CommandResult{Message: "Usage: queue add <#n|guid>"}, nil
		}
		guid, err := a.episodeGUID(ctx, args[1])
		if err != nil {
			return CommandResult{}, err
		}
		state, err := a.browser.QueueUpNext(ctx, guid)
		if err != nil {
			return CommandResult{}, err
		}
		return queueResult(state), nil
	case "remove", "rm":
		if len(args) != 2 {
			return CommandResult{Message: "Usage: queue remove <#n|guid>"}, nil
		}
		queued, err := queuedEpisode(a.player.Queue(), args[1])
		if err != nil {
			return CommandResult{}, err
		}
		state, err := a.player.RemoveUpNext(ctx, queued.PodcastURL, queued.GUID)
		if err != nil {
			return CommandResult{}, err
		}
		return queueResult(state), nil
	case "move", "mv":
		if len(args) != 3 {
			return CommandResult{Message: "Usage: queue move <#n|guid> <position>"}, nil
		}
		queued, err := queuedEpisode(a.player.Queue(), args[1])
		if err != nil {
			return CommandResult{}, err
		}
		position, err := strconv.Atoi(strings.TrimPrefix(args[2], "#"))
		if err != nil || position < 1 {
			return CommandResult{Message: fmt.Sprintf("invalid position: %s", args[2])}, nil
		}
		state, err := a.player.MoveUpNext(ctx, queued.PodcastURL, queued.GUID, position-1)
		if err != nil {
			return CommandResult{}, err
		}
		return queueResult(state), nil
	case "clear":
		if err := a.player.ClearQueue(ctx); err != nil {
			return CommandResult{}, err
		}
		return CommandResult{Message: "Up-Next queue cleared."}, nil
	default:
		return CommandResult{Message: fmt.Sprintf("unknown queue command: %s", args[0])}, nil
	}
}

func (a *App) exportCommand(ctx context.Context, args []string) (CommandResult, error) {
	if len(args) != 1 {
		return CommandResult{Message: "Usage: export <file>"}, nil
	}
	count, err := a.ExportOPML(ctx, args[0])
	if err != nil {
		return CommandResult{}, err
	}
	return CommandResult{Message: fmt.Sprintf("Exported %d subscriptions.", count)}, nil
}

func (a *App) importCommand(ctx context.Context, args []string) (CommandResult, error) {
	if len(args) != 1 {
		return CommandResult{Message: "Usage: import <file>"}, nil
	}
	result, err := a.ImportOPML(ctx, args[0])
	if err != nil {
		return CommandResult{}, err
	}
	msg := fmt.Sprintf("Imported %d subscriptions", result.Imported)
	if result.Skipped > 0 {
		msg += fmt.Sprintf(", skipped %d", result.Skipped)
	}
	if len(result.Errors) > 0 {
		msg += fmt.Sprintf(", %d errors", len(result.Errors))
	}
	return CommandResult{Message: msg}, nil
}

// ExportOPML writes every subscription to filePath.
func (a *App) ExportOPML(ctx context.Context, filePath string) (int, error) {
	f, err := os.Create(filePath)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", filePath, err)
	}
	count, err := a.podcasts.ExportOPML(ctx, f)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(filePath)
		return 0, err
	}
	log.Printf("[INFO] exported %d subscriptions to %s", count, filePath)
	return count, nil
}

// ImportOPML subscribes to every feed in filePath and refreshes the
// subscription list.
func (a *App) ImportOPML(ctx context.Context, filePath string) (OPMLImportResult, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return OPMLImportResult{}, fmt.Errorf("open %s: %w", filePath, err)
	}
	defer f.Close()

	result, err := a.podcasts.ImportOPML(ctx, f)
	if err != nil {
		return OPMLImportResult{}, err
	}
	if err := a.browser.Do(ctx, browse.ActionReloadSubscriptions); err != nil {
		log.Printf("[WARN] reload subscriptions after import: %v", err)
	}
	return result, nil
}

func (a *App) configCommand(ctx context.Context, args []string) (CommandResult, error) {
	if len(args) > 0 && strings.EqualFold(args[0], "show") {
		data, err := yaml.Marshal(a.settings.Config())
		if err != nil {
			return CommandResult{}, err
		}
		return CommandResult{Message: strings.TrimRight(string(data), "\n")}, nil
	}
	return a.editConfig(ctx)
}

func (a *App) editConfig(ctx context.Context) (CommandResult, error) {
	updated, err := config.EditInteractive(ctx, a.settings.Config())
	if err != nil {
		return CommandResult{}, err
	}
	if err := a.settings.Update(updated); err != nil {
		return CommandResult{}, err
	}
	log.Println("[INFO] configuration updated")
	return CommandResult{Message: "Configuration saved."}, nil
}

func (a *App) exitCommand(_ context.Context, _ []string) (CommandResult, error) {
	return CommandResult{Quit: true}, nil
}

// episodeGUID resolves #n against the visible episode list; anything else is
// taken as a guid.
func (a *App) episodeGUID(ctx context.Context, arg string) (string, error) {
	index, ok := parseIndex(arg)
	if !ok {
		return arg, nil
	}
	snap, err := a.browser.Snapshot(ctx)
	if err != nil {
		return "", err
	}
	if snap.Podcast.Podcast == nil {
		return "", browse.ErrNoPodcast
	}
	visible := snap.Episodes.Episodes
	if index < 1 || index > len(visible) {
		return "", fmt.Errorf("%w: #%d (%d episodes listed)", ErrInvalidIndex, index, len(visible))
	}
	return visible[index-1].GUID, nil
}

func queuedEpisode(state domain.QueueState, arg string) (domain.Episode, error) {
	if index, ok := parseIndex(arg); ok {
		if index < 1 || index > len(state.Queue) {
			return domain.Episode{}, fmt.Errorf("%w: #%d (%d queued)", ErrInvalidIndex, index, len(state.Queue))
		}
		return state.Queue[index-1], nil
	}
	for _, ep := range state.Queue {
		if ep.GUID == arg {
			return ep, nil
		}
	}
	return domain.Episode{GUID: arg}, nil
}

// parseIndex reads "#n".
func parseIndex(arg string) (int, bool) {
	if !strings.HasPrefix(arg, "#") {
		return 0, false
	}
	n, err := strconv.Atoi(arg[1:])
	if err != nil {
		return 0, false
	}
	return n, true
}

func episodesResult(snap browse.Snapshot) CommandResult {
	var b strings.Builder
	b.WriteString(formatPodcast(snap.Podcast.Podcast))
	if len(snap.Episodes.Episodes) == 0 {
		b.WriteString("\nNo episodes to show.")
	} else {
		b.WriteString("\n")
		b.WriteString(formatEpisodes(snap.Episodes.Episodes))
	}
	return CommandResult{Message: b.String(), Episodes: snap.Episodes.Episodes}
}

func queueResult(state domain.QueueState) CommandResult {
	return CommandResult{Message: formatQueue(state), Queue: &state}
}
