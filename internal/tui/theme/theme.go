// Package theme provides the Lip Gloss palette and shared styles for the
// tradebridge TUI. It is a leaf package with no internal imports.
package theme

import "github.com/charmbracelet/lipgloss"

// Category colors.
var (
	ColorConfirms = lipgloss.Color("#22c55e")
	ColorOPU      = lipgloss.Color("#3b82f6")
	ColorWOU      = lipgloss.Color("#d97706")
	ColorDefault  = lipgloss.Color("#9ca3af")
)

// Deal status colors.
var (
	ColorAccepted = lipgloss.Color("#16a34a")
	ColorRejected = lipgloss.Color("#dc2626")
	ColorUpdated  = lipgloss.Color("#06b6d4")
	ColorDeleted  = lipgloss.Color("#6b7280")
)

// UI chrome colors.
var (
	ColorBorder  = lipgloss.Color("#4b5563")
	ColorFocus   = lipgloss.Color("#a855f7")
	ColorDimmed  = lipgloss.Color("#6b7280")
	ColorBright  = lipgloss.Color("#f9fafb")
	ColorHealthy = lipgloss.Color("#22c55e")
	ColorWarning = lipgloss.Color("#d97706")
	ColorDanger  = lipgloss.Color("#dc2626")
)

// CategoryColor returns the color for a category name (CONFIRMS, OPU, WOU).
func CategoryColor(category string) lipgloss.Color {
	switch category {
	case "CONFIRMS":
		return ColorConfirms
	case "OPU":
		return ColorOPU
	case "WOU":
		return ColorWOU
	default:
		return ColorDefault
	}
}

// StatusColor colors a deal or position status field.
func StatusColor(status string) lipgloss.Color {
	switch status {
	case "ACCEPTED", "OPEN":
		return ColorAccepted
	case "REJECTED":
		return ColorRejected
	case "UPDATED", "AMENDED":
		return ColorUpdated
	case "DELETED":
		return ColorDeleted
	default:
		return ColorDefault
	}
}

// StatusGlyph returns a one-cell marker for a status.
func StatusGlyph(status string) string {
	switch status {
	case "ACCEPTED", "OPEN":
		return "●"
	case "REJECTED":
		return "✗"
	case "UPDATED", "AMENDED":
		return "↻"
	case "DELETED":
		return "○"
	default:
		return "·"
	}
}

// Reusable styles.
var (
	StyleBorder = lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(ColorBorder)

	StyleFocused = lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(ColorFocus)

	StyleHeader = lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorBright)

	StyleDimmed = lipgloss.NewStyle().
		Foreground(ColorDimmed)
)
