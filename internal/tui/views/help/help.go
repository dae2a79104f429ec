// Package help renders the keyboard reference overlay from markdown.
package help

import (
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/tradebridge/tradebridge/internal/tui/theme"
)

const body = `# tradebridge

Three panes follow the bridged trade channels: **CONFIRMS**, **OPU** and **WOU**.
The bar next to each title shows recent activity.

## Keys

| key | action |
|-----|--------|
| tab / shift+tab | focus next / previous pane |
| 1 2 3 | focus CONFIRMS, OPU, WOU |
| w | wait on the focused pane for ` + "`key=value`" + ` |
| s | refresh bridge status |
| ? | toggle this help |
| esc | close overlay or prompt |
| q | quit |

## Waits

A wait subscribes a fresh channel and reports the first envelope whose field
equals the value. Numbers and booleans are compared as JSON, so ` + "`size=2`" + `
matches ` + "`2.0`" + `. Results are listed under the panes.
`

// Model caches the rendered help for one width.
type Model struct {
	width    int
	rendered string
}

// New creates a help model.
func New() Model {
	return Model{}
}

// View renders the help panel at the given outer width.
func (m *Model) View(width int) string {
	innerW := max(width-4, 30)
	if m.rendered == "" || m.width != innerW {
		m.rendered = Render(innerW)
		m.width = innerW
	}
	return lipgloss.NewStyle().
		Padding(0, 1).
		BorderStyle(lipgloss.DoubleBorder()).
		BorderForeground(theme.ColorBorder).
		Render(m.rendered)
}

// Render renders the help markdown wrapped at width. It falls back to the
// raw markdown when glamour fails.
func Render(width int) string {
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("dark"),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return body
	}
	out, err := r.Render(body)
	if err != nil {
		return body
	}
	return strings.TrimRight(out, "\n")
}
