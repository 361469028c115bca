package main

import "github.com/charmbracelet/lipgloss"

// Centralized style definitions for terminal output.
var (
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)

	toolNameStyle = lipgloss.NewStyle().Bold(true)
	okStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("2")) // green
	warnStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("3")) // yellow
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1")) // red
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("8")) // gray

	guidanceBlockStyle = lipgloss.NewStyle().
				PaddingLeft(1).
				BorderLeft(true).
				BorderStyle(lipgloss.ThickBorder()).
				BorderForeground(lipgloss.Color("6"))
)

// statusStyle colors a status word by how healthy it is.
func statusStyle(status string) lipgloss.Style {
	switch status {
	case "succeeded", "connected", "ok":
		return okStyle
	case "skipped", "connecting", "stale":
		return warnStyle
	case "failed", "backoff", "disconnected":
		return errorStyle
	default:
		return dimStyle
	}
}
