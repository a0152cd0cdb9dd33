// Package ui holds terminal rendering helpers for the CLI: lipgloss styles
// and a compact table.
package ui

import "github.com/charmbracelet/lipgloss"

var (
	// Colors
	ColorPrimary   = lipgloss.Color("205") // Pink
	ColorSecondary = lipgloss.Color("241") // Gray
	ColorSuccess   = lipgloss.Color("42")  // Green
	ColorError     = lipgloss.Color("160") // Red
	ColorWarning   = lipgloss.Color("214") // Orange/Yellow
	ColorText      = lipgloss.Color("252") // White/Gray

	// Base Styles
	StyleTitle   = lipgloss.NewStyle().Foreground(ColorText).Bold(true)
	StyleSubtle  = lipgloss.NewStyle().Foreground(ColorSecondary)
	StylePrimary = lipgloss.NewStyle().Foreground(ColorPrimary)
	StyleSuccess = lipgloss.NewStyle().Foreground(ColorSuccess)
	StyleError   = lipgloss.NewStyle().Foreground(ColorError)
	StyleWarning = lipgloss.NewStyle().Foreground(ColorWarning)

	StyleSectionTitle = lipgloss.NewStyle().
				Foreground(ColorPrimary).
				Bold(true).
				Underline(true)
)

// StepStateStyle picks a style for a step lifecycle state.
func StepStateStyle(state string) lipgloss.Style {
	switch state {
	case "committed", "promoted":
		return StyleSuccess
	case "invalidated", "compensating":
		return StyleError
	case "gated", "re_pending":
		return StyleWarning
	default:
		return StyleSubtle
	}
}

// SeverityStyle picks a style for an escalation severity class.
func SeverityStyle(severity string) lipgloss.Style {
	switch severity {
	case "S4":
		return StyleError
	case "S3":
		return StyleWarning
	default:
		return StyleSubtle
	}
}

// CheckOutcomeStyle styles a rendered verification outcome cell.
func CheckOutcomeStyle(outcome string) lipgloss.Style {
	switch outcome {
	case "pass":
		return StyleSuccess
	case "FAIL":
		return StyleError
	default:
		return StyleSubtle
	}
}
