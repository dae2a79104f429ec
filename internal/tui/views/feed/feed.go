// Package feed renders one live category pane: the most recent envelopes and
// a spring-animated activity gauge.
package feed

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/harmonica"
	"github.com/charmbracelet/lipgloss"

	"github.com/tradebridge/tradebridge/internal/envelope"
	"github.com/tradebridge/tradebridge/internal/tui/theme"
)

const (
	maxEntries = 200

	// FPS is the gauge animation rate; the app ticks panes at this rate.
	FPS = 30

	bump  = 0.35
	decay = 0.97
)

// summaryFields are shown, in order, when present in an envelope.
var summaryFields = []string{"dealId", "epic", "direction", "size", "level"}

// Entry is a received envelope.
type Entry struct {
	At    time.Time
	Event envelope.Envelope
}

// Model holds one pane.
type Model struct {
	Category  envelope.Category
	Entries   []Entry
	Count     int
	Connected bool

	spring   harmonica.Spring
	level    float64
	velocity float64
	target   float64
}

// New creates an empty pane for a category.
func New(c envelope.Category) Model {
	return Model{
		Category: c,
		spring:   harmonica.NewSpring(harmonica.FPS(FPS), 6.0, 0.5),
	}
}

// Add appends an envelope, caps the buffer and kicks the gauge.
func (m *Model) Add(at time.Time, ev envelope.Envelope) {
	m.Entries = append(m.Entries, Entry{At: at, Event: ev})
	if len(m.Entries) > maxEntries {
		m.Entries = m.Entries[len(m.Entries)-maxEntries:]
	}
	m.Count++
	m.target = min(m.target+bump, 1)
}

// Tick advances the gauge by one frame. It reports whether the gauge is
// still moving.
func (m *Model) Tick() bool {
	m.level, m.velocity = m.spring.Update(m.level, m.velocity, m.target)
	m.target *= decay
	if m.target < 0.001 {
		m.target = 0
	}
	return m.target > 0 || abs(m.level) > 0.001 || abs(m.velocity) > 0.001
}

// Level is the gauge position, clamped to [0, 1].
func (m Model) Level() float64 {
	return max(0, min(m.level, 1))
}

// View renders the pane into a box of the given outer size.
func (m Model) View(width, height int, focused bool) string {
	innerW := max(width-2, 20)
	innerH := max(height-2, 3)

	style := theme.StyleBorder
	if focused {
		style = theme.StyleFocused
	}

	color := theme.CategoryColor(string(m.Category))
	title := lipgloss.NewStyle().Foreground(color).Bold(true).Render(string(m.Category))
	conn := lipgloss.NewStyle().Foreground(theme.ColorHealthy).Render("●")
	if !m.Connected {
		conn = lipgloss.NewStyle().Foreground(theme.ColorDanger).Render("○")
	}
	count := theme.StyleDimmed.Render(fmt.Sprintf("%d", m.Count))
	header := fmt.Sprintf("%s %s %s", conn, title, count)

	gaugeW := innerW - lipgloss.Width(header) - 1
	if gaugeW > 0 {
		header += " " + renderGauge(m.Level(), gaugeW, color)
	}

	lines := []string{header}
	visible := innerH - 1
	start := max(len(m.Entries)-visible, 0)
	for _, e := range m.Entries[start:] {
		lines = append(lines, renderEntry(e, innerW))
	}
	if len(m.Entries) == 0 {
		lines = append(lines, theme.StyleDimmed.Render("waiting for updates"))
	}

	return style.Width(innerW).Height(innerH).Render(strings.Join(lines, "\n"))
}

func renderGauge(level float64, width int, color lipgloss.Color) string {
	filled := int(level*float64(width) + 0.5)
	filled = max(0, min(filled, width))
	return lipgloss.NewStyle().Foreground(color).Render(strings.Repeat("█", filled)) +
		theme.StyleDimmed.Render(strings.Repeat("░", width-filled))
}

func renderEntry(e Entry, width int) string {
	status := Status(e.Event)
	glyph := lipgloss.NewStyle().Foreground(theme.StatusColor(status)).Render(theme.StatusGlyph(status))
	ts := theme.StyleDimmed.Render(e.At.Format("15:04:05"))
	text := truncate(Summary(e.Event), width-11)
	return fmt.Sprintf("%s %s %s", ts, glyph, text)
}

// Status picks the status shown for an envelope: dealStatus for
// confirmations, status otherwise.
func Status(ev envelope.Envelope) string {
	for _, k := range []string{"dealStatus", "status"} {
		if v, ok := ev.Get(k); ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}

// Summary is a one-line description of an envelope.
func Summary(ev envelope.Envelope) string {
	var parts []string
	for _, k := range summaryFields {
		if v, ok := ev.Get(k); ok {
			parts = append(parts, fmt.Sprint(v))
		}
	}
	if s := Status(ev); s != "" {
		parts = append(parts, s)
	}
	if len(parts) == 0 {
		return ev.String()
	}
	return strings.Join(parts, " ")
}

func truncate(s string, n int) string {
	if n <= 1 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
