package repl

import "github.com/charmbracelet/lipgloss"

var (
	promptStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("141"))
	statusStyle = lipgloss.NewStyle().Faint(true)

	cmdStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	fileStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	skillStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	toolStyle  = lipgloss.NewStyle().Faint(true)

	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	infoStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)
