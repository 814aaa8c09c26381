package ux

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"taf/internal/updater"
)

// Table renders static rows with aligned columns.
type Table struct {
	Title   string
	Headers []string
	Rows    [][]string
}

// NewTable creates a table with the given title and headers.
func NewTable(title string, headers ...string) *Table {
	return &Table{Title: title, Headers: headers}
}

// AddRow appends a row.
func (t *Table) AddRow(cells ...string) {
	t.Rows = append(t.Rows, cells)
}

// View renders the table.
func (t *Table) View(styles Styles) string {
	if len(t.Rows) == 0 {
		return ""
	}

	var sb strings.Builder
	if t.Title != "" {
		sb.WriteString(styles.Title.Render(t.Title))
		sb.WriteString("\n")
	}

	widths := make([]int, len(t.Headers))
	for i, h := range t.Headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range t.Rows {
		for i, cell := range row {
			if i < len(widths) && lipgloss.Width(cell) > widths[i] {
				widths[i] = lipgloss.Width(cell)
			}
		}
	}
	for i := range widths {
		widths[i] += 2
	}

	headerStyle := styles.Bold.Padding(0, 1)
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	for i, h := range t.Headers {
		sb.WriteString(headerStyle.Width(widths[i]).Render(h))
	}
	sb.WriteString("\n")
	for _, row := range t.Rows {
		for i, cell := range row {
			if i < len(widths) {
				sb.WriteString(cellStyle.Width(widths[i]).Render(cell))
			}
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

// RenderResult renders an update or validation result for the terminal.
func RenderResult(res *updater.Result, verb string) string {
	styles := DefaultStyles()
	var sb strings.Builder

	sb.WriteString(styles.Bold.Render(verb + " " + res.AuthRepo))
	sb.WriteString("\n")
	sb.WriteString(styles.Muted.Render(
		"run " + res.RunID + ", head " + shorten(res.HeadCommit)))
	sb.WriteString("\n")

	if len(res.Targets) > 0 {
		table := NewTable("", "REPOSITORY", "COMMIT", "STATUS")
		for _, t := range res.Targets {
			status := t.Action
			if t.Err != nil {
				status = styles.Error.Render("failed: " + t.Err.Error())
			} else {
				status = styles.Success.Render(status)
			}
			table.AddRow(t.Name, shorten(t.Commit), status)
		}
		sb.WriteString(table.View(styles))
	}
	return sb.String()
}

func shorten(sha string) string {
	if len(sha) > 10 {
		return sha[:10]
	}
	return sha
}
