package repl

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"

	"podhub/internal/app"
	"podhub/internal/browse"
	"podhub/internal/domain"
	"podhub/internal/theme"
)

const maxMessages = 200

// Executor runs one command line.
type Executor interface {
	Execute(ctx context.Context, input string) (app.CommandResult, error)
	CommandNames() []string
}

// Feeds are the state streams shown in the status line. Nil channels are
// not watched.
type Feeds struct {
	Podcast    <-chan browse.PodcastState
	Background <-chan browse.BackgroundState
	Queue      <-chan domain.QueueState
}

type executedMsg struct {
	result app.CommandResult
	err    error
}

type podcastMsg browse.PodcastState

type backgroundMsg browse.BackgroundState

type queueMsg domain.QueueState

type status struct {
	podcast    browse.PodcastState
	background browse.BackgroundState
	queue      domain.QueueState
}

type model struct {
	ctx      context.Context
	exec     Executor
	feeds    Feeds
	theme    theme.Theme
	input    textinput.Model
	history  []string
	histPos  int
	messages []string
	status   status
	busy     bool
	quitting bool
}

func newModel(ctx context.Context, exec Executor, feeds Feeds, th theme.Theme) model {
	ti := textinput.New()
	ti.Placeholder = "help"
	ti.Focus()
	ti.Prompt = th.Prompt.Render("podhub> ")
	ti.CharLimit = 512
	ti.Width = 80

	return model{
		ctx:     ctx,
		exec:    exec,
		feeds:   feeds,
		theme:   th,
		input:   ti,
		history: make([]string, 0, 32),
		messages: []string{
			th.Status.Render("podhub ready. Type 'help' for assistance."),
		},
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		waitPodcast(m.feeds.Podcast),
		waitBackground(m.feeds.Background),
		waitQueue(m.feeds.Queue),
	)
}

func waitPodcast(ch <-chan browse.PodcastState) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		state, ok := <-ch
		if !ok {
			return nil
		}
		return podcastMsg(state)
	}
}

func waitBackground(ch <-chan browse.BackgroundState) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		state, ok := <-ch
		if !ok {
			return nil
		}
		return backgroundMsg(state)
	}
}

func waitQueue(ch <-chan domain.QueueState) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		state, ok := <-ch
		if !ok {
			return nil
		}
		return queueMsg(state)
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			m.quitting = true
			return m, tea.Quit
		case tea.KeyEnter:
			return m.handleSubmit()
		case tea.KeyUp:
			return m.recall(-1), nil
		case tea.KeyDown:
			return m.recall(1), nil
		case tea.KeyTab:
			return m.complete(), nil
		}
	case tea.WindowSizeMsg:
		if msg.Width > 10 {
			m.input.Width = msg.Width - 10
		}
		return m, nil
	case executedMsg:
		return m.handleResult(msg)
	case podcastMsg:
		m.status.podcast = browse.PodcastState(msg)
		return m, waitPodcast(m.feeds.Podcast)
	case backgroundMsg:
		m.status.background = browse.BackgroundState(msg)
		return m, waitBackground(m.feeds.Background)
	case queueMsg:
		m.status.queue = domain.QueueState(msg)
		return m, waitQueue(m.feeds.Queue)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m model) View() string {
	var b strings.Builder
	for _, message := range m.messages {
		b.WriteString(message)
		b.WriteString("\n")
	}
	b.WriteString(m.statusLine())
	b.WriteString("\n")
	b.WriteString(m.input.View())
	if !m.quitting {
		b.WriteString("\n")
	}
	return b.String()
}

func (m model) handleSubmit() (tea.Model, tea.Cmd) {
	if m.busy {
		return m, nil
	}
	line := strings.TrimSpace(m.input.Value())
	m.input.SetValue("")
	if line == "" {
		return m, nil
	}

	m.history = append(m.history, line)
	m.histPos = len(m.history)
	m.appendMessage(m.theme.Echo.Render("> " + line))
	m.busy = true

	exec, ctx := m.exec, m.ctx
	return m, func() tea.Msg {
		result, err := exec.Execute(ctx, line)
		return executedMsg{result: result, err: err}
	}
}

func (m model) handleResult(msg executedMsg) (tea.Model, tea.Cmd) {
	m.busy = false
	if msg.err != nil {
		m.appendMessage(m.theme.Error.Render(msg.err.Error()))
		return m, nil
	}
	if msg.result.Message != "" {
		m.appendMessage(m.theme.Message.Render(msg.result.Message))
	}
	if msg.result.Quit {
		m.quitting = true
		return m, tea.Quit
	}
	return m, nil
}

func (m *model) appendMessage(message string) {
	m.messages = append(m.messages, message)
	if len(m.messages) > maxMessages {
		m.messages = m.messages[len(m.messages)-maxMessages:]
	}
}

// recall walks the command history; moving past the newest entry clears
// the input.
func (m model) recall(delta int) model {
	if len(m.history) == 0 {
		return m
	}
	pos := m.histPos + delta
	if pos < 0 {
		pos = 0
	}
	if pos >= len(m.history) {
		m.histPos = len(m.history)
		m.input.SetValue("")
		return m
	}
	m.histPos = pos
	m.input.SetValue(m.history[pos])
	m.input.CursorEnd()
	return m
}

// complete extends the command word to the longest prefix shared by every
// matching command.
func (m model) complete() model {
	value := m.input.Value()
	if value == "" || strings.Contains(value, " ") {
		return m
	}
	var matches []string
	for _, name := range m.exec.CommandNames() {
		if strings.HasPrefix(name, value) {
			matches = append(matches, name)
		}
	}
	if len(matches) == 0 {
		return m
	}
	sort.Strings(matches)
	if len(matches) == 1 {
		m.input.SetValue(matches[0] + " ")
		m.input.CursorEnd()
		return m
	}
	prefix := matches[0]
	for _, match := range matches[1:] {
		for !strings.HasPrefix(match, prefix) {
			prefix = prefix[:len(prefix)-1]
		}
	}
	if len(prefix) > len(value) {
		m.input.SetValue(prefix)
		m.input.CursorEnd()
		return m
	}
	m.appendMessage(m.theme.Dim.Render(strings.Join(matches, "  ")))
	return m
}

func (m model) statusLine() string {
	parts := []string{m.podcastStatus()}
	switch m.status.background.Status {
	case browse.StatusLoading:
		parts = append(parts, m.theme.Busy.Render("refreshing…"))
	case browse.StatusError:
		parts = append(parts, m.theme.Error.Render("refresh failed"))
	}
	if playing := m.playingStatus(); playing != "" {
		parts = append(parts, playing)
	}
	if m.busy {
		parts = append(parts, m.theme.Busy.Render("working…"))
	}
	return strings.Join(parts, m.theme.Dim.Render(" | "))
}

func (m model) podcastStatus() string {
	state := m.status.podcast
	switch state.Status {
	case browse.StatusLoading:
		return m.theme.Busy.Render("loading " + podcastName(state.Podcast) + "…")
	case browse.StatusError:
		msg := "error"
		if state.Err != nil {
			msg = "error: " + state.Err.Error()
		}
		return m.theme.Error.Render(msg)
	case browse.StatusPopulated:
		p := state.Podcast
		text := fmt.Sprintf("%s · %d episodes", podcastName(p), len(p.Episodes))
		if p.Subscribed() && !p.LastUpdated.IsZero() {
			text += " · updated " + humanize.Time(p.LastUpdated)
		}
		return m.theme.Status.Render(text)
	default:
		return m.theme.Dim.Render("no podcast open")
	}
}

func (m model) playingStatus() string {
	queue := m.status.queue
	if queue.Playing == nil {
		if len(queue.Queue) > 0 {
			return m.theme.Dim.Render(fmt.Sprintf("%d up next", len(queue.Queue)))
		}
		return ""
	}
	icon := "▶"
	if queue.Paused {
		icon = "⏸"
	}
	text := icon + " " + queue.Playing.Title
	if len(queue.Queue) > 0 {
		text += fmt.Sprintf(" (+%d up next)", len(queue.Queue))
	}
	return m.theme.Playing.Render(text)
}

func podcastName(p *domain.Podcast) string {
	if p == nil {
		return "podcast"
	}
	if p.Title != "" {
		return p.Title
	}
	return p.URL
}
