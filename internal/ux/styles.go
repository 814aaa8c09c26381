// Package ux renders styled command output for update and validation runs.
package ux

import (
	"github.com/charmbracelet/lipgloss"
)

// Semantic colors.
var (
	successColor = lipgloss.Color("#8BC34A")
	errorColor   = lipgloss.Color("#e53935")
	warnColor    = lipgloss.Color("#FFC107")
	mutedColor   = lipgloss.Color("#808080")
)

// Styles holds the output styles.
type Styles struct {
	Title   lipgloss.Style
	Success lipgloss.Style
	Error   lipgloss.Style
	Warning lipgloss.Style
	Muted   lipgloss.Style
	Bold    lipgloss.Style
}

// DefaultStyles returns the default style set.
func DefaultStyles() Styles {
	return Styles{
		Title:   lipgloss.NewStyle().Bold(true).Underline(true),
		Success: lipgloss.NewStyle().Foreground(successColor),
		Error:   lipgloss.NewStyle().Foreground(errorColor).Bold(true),
		Warning: lipgloss.NewStyle().Foreground(warnColor),
		Muted:   lipgloss.NewStyle().Foreground(mutedColor),
		Bold:    lipgloss.NewStyle().Bold(true),
	}
}
