package repl

import (
	"context"

	tea "github.com/charmbracelet/bubbletea"

	"podhub/internal/app"
	"podhub/internal/theme"
)

// Run starts the interactive REPL session.
func Run(ctx context.Context, application *app.App) error {
	ctrl := application.Controller()
	podcastSub := ctrl.Podcast()
	defer podcastSub.Close()
	backgroundSub := ctrl.Background()
	defer backgroundSub.Close()
	queueSub := application.Player().Subscribe()
	defer queueSub.Close()

	m := newModel(ctx, application, Feeds{
		Podcast:    podcastSub.C,
		Background: backgroundSub.C,
		Queue:      queueSub.C,
	}, theme.ForName(application.Config().ColorTheme))
	if snap, err := ctrl.Snapshot(ctx); err == nil {
		m.status.podcast = snap.Podcast
		m.status.background = snap.Background
	}
	m.status.queue = application.Player().Queue()

	program := tea.NewProgram(m, tea.WithContext(ctx))
	_, err := program.Run()
	return err
}
