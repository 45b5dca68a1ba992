package theme

import (
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Theme captures the lipgloss styles used by the REPL.
type Theme struct {
	Message lipgloss.Style
	Echo    lipgloss.Style
	Prompt  lipgloss.Style
	Status  lipgloss.Style
	Playing lipgloss.Style
	Busy    lipgloss.Style
	Dim     lipgloss.Style
	Error   lipgloss.Style
}

// Default is the canonical name of the built-in default theme.
const Default = "default"

var themes = map[string]Theme{
	Default: {
		Message: lipgloss.NewStyle().Foreground(lipgloss.Color("252")),
		Echo:    lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		Prompt:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("99")),
		Status:  lipgloss.NewStyle().Foreground(lipgloss.Color("69")),
		Playing: lipgloss.NewStyle().Foreground(lipgloss.Color("46")).Bold(true),
		Busy:    lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		Dim:     lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		Error:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	},
	"high_contrast": {
		Message: lipgloss.NewStyle().Foreground(lipgloss.Color("15")),
		Echo:    lipgloss.NewStyle().Foreground(lipgloss.Color("7")),
		Prompt:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
		Status:  lipgloss.NewStyle().Foreground(lipgloss.Color("51")).Bold(true),
		Playing: lipgloss.NewStyle().Foreground(lipgloss.Color("118")).Bold(true),
		Busy:    lipgloss.NewStyle().Foreground(lipgloss.Color("220")).Bold(true),
		Dim:     lipgloss.NewStyle().Foreground(lipgloss.Color("7")),
		Error:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
	},
	"plain": {
		Message: lipgloss.NewStyle(),
		Echo:    lipgloss.NewStyle(),
		Prompt:  lipgloss.NewStyle(),
		Status:  lipgloss.NewStyle(),
		Playing: lipgloss.NewStyle(),
		Busy:    lipgloss.NewStyle(),
		Dim:     lipgloss.NewStyle(),
		Error:   lipgloss.NewStyle(),
	},
}

// Names returns the sorted list of available theme names.
func Names() []string {
	names := make([]string, 0, len(themes))
	for name := range themes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ForName returns the theme with the provided name, defaulting if unknown.
func ForName(name string) Theme {
	key := strings.ToLower(strings.TrimSpace(name))
	if theme, ok := themes[key]; ok {
		return theme
	}
	return themes[Default]
}
