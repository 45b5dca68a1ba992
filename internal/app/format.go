package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"podhub/internal/domain"
	"podhub/internal/itunes"
	"podhub/internal/podcasts"
)

func formatSearchResults(results []itunes.Podcast) string {
	var b strings.Builder
	for i, p := range results {
		fmt.Fprintf(&b, "#%-3d %s", i+1, p.Title)
		if p.Author != "" {
			fmt.Fprintf(&b, " by %s", p.Author)
		}
		if p.Genre != "" {
			fmt.Fprintf(&b, " [%s]", p.Genre)
		}
		fmt.Fprintf(&b, " (id %s)\n", p.ID)
	}
	b.WriteString("Use 'open #n' to browse a result.")
	return b.String()
}

func formatSubscriptions(subs []domain.SubscriptionSummary) string {
	var b strings.Builder
	for i, s := range subs {
		fmt.Fprintf(&b, "#%-3d %s  %d episodes, %d unplayed", i+1, s.Podcast.Title, s.EpisodeCount, s.UnplayedCount)
		if s.DownloadedCount > 0 {
			fmt.Fprintf(&b, ", %d downloaded", s.DownloadedCount)
		}
		if !s.Podcast.LastUpdated.IsZero() {
			fmt.Fprintf(&b, ", updated %s", humanize.Time(s.Podcast.LastUpdated))
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatPodcast(p *domain.Podcast) string {
	if p == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(p.Title)
	if p.Author != "" {
		fmt.Fprintf(&b, " by %s", p.Author)
	}
	if p.Subscribed() {
		b.WriteString(" (subscribed")
		if !p.LastUpdated.IsZero() {
			fmt.Fprintf(&b, ", updated %s", humanize.Time(p.LastUpdated))
		}
		b.WriteString(")")
	}
	if p.Filter != "" && p.Filter != domain.FilterNone {
		fmt.Fprintf(&b, " filter=%s", p.Filter)
	}
	if p.Sort != "" && p.Sort != domain.SortDefault {
		fmt.Fprintf(&b, " sort=%s", p.Sort)
	}
	return b.String()
}

func formatEpisodes(episodes []*domain.Episode) string {
	var b strings.Builder
	for i, ep := range episodes {
		b.WriteString(formatEpisode(i+1, ep))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatEpisode(n int, ep *domain.Episode) string {
	marker := " "
	if ep.Highlight {
		marker = "*"
	}
	line := fmt.Sprintf("#%-3d%s %s", n, marker, ep.Title)
	var details []string
	if !ep.PublishedAt.IsZero() {
		details = append(details, humanize.Time(ep.PublishedAt))
	}
	if ep.Duration > 0 {
		details = append(details, formatDuration(ep.Duration))
	}
	if state := episodeState(ep); state != "" {
		details = append(details, state)
	}
	if len(details) > 0 {
		line += "  (" + strings.Join(details, ", ") + ")"
	}
	return line
}

func episodeState(ep *domain.Episode) string {
	var parts []string
	switch {
	case ep.Played:
		parts = append(parts, "played")
	case ep.Started():
		parts = append(parts, "at "+formatDuration(ep.Position))
	}
	switch ep.DownloadState {
	case domain.DownloadQueued:
		parts = append(parts, "queued")
	case domain.DownloadDownloading:
		parts = append(parts, fmt.Sprintf("downloading %d%%", ep.DownloadPercent))
	case domain.DownloadDownloaded:
		if ep.SizeBytes > 0 {
			parts = append(parts, "downloaded "+humanize.Bytes(uint64(ep.SizeBytes)))
		} else {
			parts = append(parts, "downloaded")
		}
	case domain.DownloadFailed:
		parts = append(parts, "download failed")
	}
	return strings.Join(parts, ", ")
}

func formatQueue(state domain.QueueState) string {
	var b strings.Builder
	if state.Playing != nil {
		verb := "Playing"
		if state.Paused {
			verb = "Paused"
		}
		fmt.Fprintf(&b, "%s: %s", verb, state.Playing.Title)
		if state.Position > 0 {
			fmt.Fprintf(&b, " at %s", formatDuration(state.Position))
		}
		b.WriteString("\n")
	}
	if len(state.Queue) == 0 {
		b.WriteString("Up-Next queue is empty.")
		return b.String()
	}
	b.WriteString("Up next:\n")
	for i := range state.Queue {
		ep := state.Queue[i]
		fmt.Fprintf(&b, "#%-3d %s", i+1, ep.Title)
		if ep.PodcastTitle != "" {
			fmt.Fprintf(&b, " (%s)", ep.PodcastTitle)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatRefreshReport(report podcasts.RefreshReport) string {
	msg := fmt.Sprintf("Refreshed %d podcasts, %d new episodes", report.Refreshed, report.NewEpisodes)
	if len(report.Updated) > 0 {
		msg += fmt.Sprintf(" (%s)", strings.Join(report.Updated, ", "))
	}
	msg += "."
	for _, e := range report.Errors {
		msg += "\n  " + e
	}
	return msg
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d / time.Hour)
	m := int(d%time.Hour) / int(time.Minute)
	s := int(d%time.Minute) / int(time.Second)
	if h > 0 {
		return fmt.Sprintf("%dh%02dm", h, m)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%02ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
