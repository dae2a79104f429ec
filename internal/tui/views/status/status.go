package status

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/tradebridge/tradebridge/internal/envelope"
	"github.com/tradebridge/tradebridge/internal/transport/wsbridge"
	"github.com/tradebridge/tradebridge/internal/tui/theme"
)

// Model holds the status bar state.
type Model struct {
	Connected map[envelope.Category]bool
	Bridge    *wsbridge.Status
	Err       error
	Width     int
}

// New creates a status bar model.
func New() Model {
	return Model{Connected: make(map[envelope.Category]bool)}
}

// View renders the status bar.
func (m Model) View() string {
	width := m.Width
	if width < 40 {
		width = 40
	}

	var conns []string
	for _, c := range envelope.Categories() {
		glyph, color := "○", theme.ColorDanger
		if m.Connected[c] {
			glyph, color = "●", theme.CategoryColor(string(c))
		}
		conns = append(conns, lipgloss.NewStyle().Foreground(color).Render(glyph+" "+string(c)))
	}
	sep := lipgloss.NewStyle().Foreground(theme.ColorBorder).Render(" | ")
	content := strings.Join(conns, "  ")

	switch {
	case m.Err != nil:
		content += sep + lipgloss.NewStyle().Foreground(theme.ColorWarning).Render("status: "+m.Err.Error())
	case m.Bridge != nil:
		content += sep + sessionText(m.Bridge.Session)
		if r := m.Bridge.Session.Router; r != nil {
			content += sep + routerText(r.Updates, r.Published, r.Failed)
		}
		content += sep + theme.StyleDimmed.Render(fmt.Sprintf("%d clients  %s  up %s",
			m.Bridge.Clients, FormatBytes(m.Bridge.Process.RSSBytes), m.Bridge.Uptime))
	}

	return lipgloss.NewStyle().
		Width(width).
		Padding(0, 1).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(theme.ColorBorder).
		Render(content)
}

func sessionText(s wsbridge.SessionStatus) string {
	color := theme.ColorDimmed
	switch s.State {
	case "connected":
		color = theme.ColorHealthy
	case "disconnected":
		color = theme.ColorDanger
	}
	text := "session " + s.State
	if s.AccountID != "" {
		text += " " + s.AccountID
	}
	return lipgloss.NewStyle().Foreground(color).Render(text)
}

func routerText(updates uint64, published, failed map[envelope.Category]uint64) string {
	var total, bad uint64
	for _, n := range published {
		total += n
	}
	for _, n := range failed {
		bad += n
	}
	text := fmt.Sprintf("%d updates  %d published", updates, total)
	if bad > 0 {
		return text + lipgloss.NewStyle().Foreground(theme.ColorDanger).Render(fmt.Sprintf("  %d failed", bad))
	}
	return text
}

// FormatBytes renders a byte count with a binary unit.
func FormatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
