package ui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Table renders run state as a compact fixed-width terminal table. Columns
// size themselves to their content, capped by MaxWidth. CellStyle, when set,
// picks a style per cell so state and check columns can carry the lifecycle
// colors.
type Table struct {
	Headers  []string
	Rows     [][]string
	MaxWidth int // cap per column (0 = content width)

	// CellStyle overrides the default cell style for a column/value pair.
	// Return ok=false to fall back to the plain text style.
	CellStyle func(col int, value string) (lipgloss.Style, bool)
}

// ColumnWidths sizes each column to its widest header or cell, capped by
// MaxWidth.
func (t *Table) ColumnWidths() []int {
	widths := make([]int, len(t.Headers))
	for i, h := range t.Headers {
		widths[i] = len(h)
	}
	for _, row := range t.Rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}
	if t.MaxWidth > 0 {
		for i := range widths {
			if widths[i] > t.MaxWidth {
				widths[i] = t.MaxWidth
			}
		}
	}
	return widths
}

// Render outputs the table to a string.
func (t *Table) Render() string {
	if len(t.Headers) == 0 {
		return ""
	}

	widths := t.ColumnWidths()
	headerStyle := lipgloss.NewStyle().Bold(true).Foreground(ColorPrimary)
	textStyle := lipgloss.NewStyle().Foreground(ColorText)

	var sb strings.Builder
	writeLine := func(cells []string) {
		sb.WriteString(" " + strings.Join(cells, "  ") + "\n")
	}

	headers := make([]string, len(t.Headers))
	for i, h := range t.Headers {
		headers[i] = headerStyle.Render(pad(h, widths[i]))
	}
	writeLine(headers)

	rules := make([]string, len(widths))
	for i, w := range widths {
		rules[i] = StyleSubtle.Render(strings.Repeat("─", w))
	}
	sb.WriteString(" " + strings.Join(rules, "──") + "\n")

	for _, row := range t.Rows {
		cells := make([]string, len(t.Headers))
		for i := range t.Headers {
			val := ""
			if i < len(row) {
				val = row[i]
			}
			style := textStyle
			if t.CellStyle != nil {
				if s, ok := t.CellStyle(i, val); ok {
					style = s
				}
			}
			cells[i] = style.Render(pad(fit(val, widths[i]), widths[i]))
		}
		writeLine(cells)
	}

	return sb.String()
}

// fit truncates a value to the column width, marking the cut with an
// ellipsis.
func fit(s string, width int) string {
	if len(s) <= width {
		return s
	}
	if width < 2 {
		return "…"
	}
	return s[:width-1] + "…"
}

func pad(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}

// TruncateID shortens an ID for display (first 8 chars).
func TruncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
