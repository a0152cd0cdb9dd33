package ui

import (
	"strings"
	"testing"

	"github.com/charmbracelet/lipgloss"
	"github.com/stretchr/testify/assert"
)

func TestTable_ColumnWidths(t *testing.T) {
	tbl := Table{
		Headers: []string{"STEP", "STATE"},
		Rows: [][]string{
			{"fetch_metrics", "committed"},
			{"publish", "gated"},
		},
	}

	widths := tbl.ColumnWidths()
	assert.Equal(t, []int{13, 9}, widths)
}

func TestTable_MaxWidthTruncates(t *testing.T) {
	tbl := Table{
		Headers:  []string{"ID"},
		Rows:     [][]string{{"0123456789abcdef"}},
		MaxWidth: 8,
	}

	out := tbl.Render()
	assert.Contains(t, out, "0123456…")
	assert.NotContains(t, out, "9abcdef")
}

func TestTable_RenderIncludesAllRows(t *testing.T) {
	tbl := Table{
		Headers: []string{"STEP", "STATE"},
		Rows: [][]string{
			{"s1", "committed"},
			{"s2", "pending"},
		},
	}

	out := tbl.Render()
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	assert.Len(t, lines, 4) // header, separator, two rows
}

func TestTable_CellStyleSeesEveryCell(t *testing.T) {
	type call struct {
		col   int
		value string
	}
	var calls []call
	tbl := Table{
		Headers: []string{"STEP", "STATE"},
		Rows:    [][]string{{"s1", "committed"}, {"s2", "gated"}},
		CellStyle: func(col int, value string) (lipgloss.Style, bool) {
			calls = append(calls, call{col, value})
			return StepStateStyle(value), col == 1
		},
	}

	out := tbl.Render()
	assert.Contains(t, out, "committed")
	assert.Contains(t, out, "gated")
	assert.Equal(t, []call{
		{0, "s1"}, {1, "committed"},
		{0, "s2"}, {1, "gated"},
	}, calls)
}

func TestTruncateID(t *testing.T) {
	assert.Equal(t, "short", TruncateID("short"))
	assert.Equal(t, "0123abcd", TruncateID("0123abcd-ffff"))
}
