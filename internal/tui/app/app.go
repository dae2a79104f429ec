package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/tradebridge/tradebridge/internal/envelope"
	"github.com/tradebridge/tradebridge/internal/queue"
	"github.com/tradebridge/tradebridge/internal/tui/client"
	"github.com/tradebridge/tradebridge/internal/tui/theme"
	"github.com/tradebridge/tradebridge/internal/tui/views/feed"
	"github.com/tradebridge/tradebridge/internal/tui/views/help"
	"github.com/tradebridge/tradebridge/internal/tui/views/status"
)

const (
	statusInterval = 5 * time.Second
	maxWaitLines   = 4
)

type frameMsg struct{}

type statusTickMsg struct{}

// waitEntry is one armed or finished wait.
type waitEntry struct {
	ID       int
	Category envelope.Category
	Key      string
	Value    string
	Armed    bool
	Done     bool
	Event    envelope.Envelope
	Err      error
}

// Model is the root Bubble Tea model.
type Model struct {
	client *client.Client
	ctx    context.Context
	cancel context.CancelFunc

	keys   KeyMap
	width  int
	height int

	panes  [3]feed.Model
	focus  int
	queues map[envelope.Category]*queue.Queue

	statusBar status.Model
	help      *help.Model
	showHelp  bool

	prompt    textinput.Model
	prompting bool
	waits     []waitEntry
	nextWait  int
	notice    string

	animating bool
}

// New creates the root model.
func New(c *client.Client) Model {
	ctx, cancel := context.WithCancel(context.Background())

	ti := textinput.New()
	ti.Prompt = "wait> "
	ti.Placeholder = "dealId=DIAAAA"
	ti.CharLimit = 256

	m := Model{
		client:    c,
		ctx:       ctx,
		cancel:    cancel,
		keys:      DefaultKeyMap(),
		queues:    make(map[envelope.Category]*queue.Queue),
		statusBar: status.New(),
		help:      &help.Model{},
		prompt:    ti,
		nextWait:  1,
	}
	for i, cat := range envelope.Categories() {
		m.panes[i] = feed.New(cat)
	}
	return m
}

// Init subscribes every category and starts status polling.
func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{m.client.FetchStatus(), statusTick()}
	for _, cat := range envelope.Categories() {
		cmds = append(cmds, m.client.Listen(m.ctx, cat))
	}
	return tea.Batch(cmds...)
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.statusBar.Width = msg.Width
		m.prompt.Width = max(msg.Width-10, 10)
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case client.ConnectedMsg:
		if old := m.queues[msg.Category]; old != nil {
			old.Stop()
		}
		m.queues[msg.Category] = msg.Queue
		m.setConnected(msg.Category, true)
		return m, m.client.ReadLoop(m.ctx, msg.Category, msg.Queue)

	case client.DisconnectedMsg:
		if q := m.queues[msg.Category]; q != nil {
			q.Stop()
			delete(m.queues, msg.Category)
		}
		m.setConnected(msg.Category, false)
		if m.ctx.Err() != nil {
			return m, nil
		}
		return m, m.client.Listen(m.ctx, msg.Category)

	case client.EventMsg:
		if i := paneIndex(msg.Category); i >= 0 {
			m.panes[i].Add(msg.At, msg.Event)
		}
		cmds := []tea.Cmd{}
		if q := m.queues[msg.Category]; q != nil {
			cmds = append(cmds, m.client.ReadLoop(m.ctx, msg.Category, q))
		}
		if !m.animating {
			m.animating = true
			cmds = append(cmds, animate())
		}
		return m, tea.Batch(cmds...)

	case frameMsg:
		moving := false
		for i := range m.panes {
			if m.panes[i].Tick() {
				moving = true
			}
		}
		m.animating = moving
		if moving {
			return m, animate()
		}
		return m, nil

	case client.WaitArmedMsg:
		if m.ctx.Err() != nil {
			msg.Channel.Close()
			return m, nil
		}
		for i := range m.waits {
			if m.waits[i].ID == msg.ID {
				m.waits[i].Armed = true
			}
		}
		return m, m.client.Wait(m.ctx, msg)

	case client.WaitResultMsg:
		for i := range m.waits {
			if m.waits[i].ID == msg.ID {
				m.waits[i].Done = true
				m.waits[i].Event = msg.Event
				m.waits[i].Err = msg.Err
			}
		}
		return m, nil

	case client.StatusMsg:
		m.statusBar.Err = msg.Err
		if msg.Err == nil {
			m.statusBar.Bridge = msg.Status
		}
		return m, nil

	case statusTickMsg:
		return m, tea.Batch(m.client.FetchStatus(), statusTick())
	}

	if m.prompting {
		var cmd tea.Cmd
		m.prompt, cmd = m.prompt.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.Type == tea.KeyCtrlC {
		return m.quit()
	}

	if m.prompting {
		switch {
		case key.Matches(msg, m.keys.Escape):
			m.closePrompt()
			return m, nil
		case key.Matches(msg, m.keys.Submit):
			return m.submitWait()
		}
		var cmd tea.Cmd
		m.prompt, cmd = m.prompt.Update(msg)
		return m, cmd
	}

	if m.showHelp {
		if key.Matches(msg, m.keys.Escape) || key.Matches(msg, m.keys.Help) {
			m.showHelp = false
		}
		return m, nil
	}

	switch {
	case key.Matches(msg, m.keys.Quit):
		return m.quit()

	case key.Matches(msg, m.keys.Next):
		m.focus = (m.focus + 1) % len(m.panes)
	case key.Matches(msg, m.keys.Prev):
		m.focus = (m.focus - 1 + len(m.panes)) % len(m.panes)
	case key.Matches(msg, m.keys.Confirms):
		m.focus = paneIndex(envelope.Confirms)
	case key.Matches(msg, m.keys.OPU):
		m.focus = paneIndex(envelope.OPU)
	case key.Matches(msg, m.keys.WOU):
		m.focus = paneIndex(envelope.WOU)

	case key.Matches(msg, m.keys.Wait):
		m.prompting = true
		m.notice = ""
		m.prompt.SetValue("")
		return m, m.prompt.Focus()

	case key.Matches(msg, m.keys.Status):
		return m, m.client.FetchStatus()

	case key.Matches(msg, m.keys.Help):
		m.showHelp = true

	case key.Matches(msg, m.keys.Escape):
		m.notice = ""
	}
	return m, nil
}

func (m Model) submitWait() (tea.Model, tea.Cmd) {
	k, v, err := client.ParseWait(m.prompt.Value())
	if err != nil {
		m.notice = err.Error()
		return m, nil
	}
	m.closePrompt()

	cat := m.panes[m.focus].Category
	id := m.nextWait
	m.nextWait++
	m.waits = append(m.waits, waitEntry{ID: id, Category: cat, Key: k, Value: v})
	return m, m.client.Arm(m.ctx, id, cat, k, v)
}

func (m *Model) closePrompt() {
	m.prompting = false
	m.prompt.Blur()
	m.prompt.SetValue("")
}

func (m Model) quit() (tea.Model, tea.Cmd) {
	m.cancel()
	for _, q := range m.queues {
		q.Stop()
	}
	return m, tea.Quit
}

func (m *Model) setConnected(c envelope.Category, connected bool) {
	if i := paneIndex(c); i >= 0 {
		m.panes[i].Connected = connected
	}
	m.statusBar.Connected[c] = connected
}

// Focused returns the category of the focused pane.
func (m Model) Focused() envelope.Category {
	return m.panes[m.focus].Category
}

// View renders the full TUI.
func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	bar := m.statusBar.View()
	waits := m.renderWaits()
	footer := m.renderFooter()

	used := lipgloss.Height(bar) + lipgloss.Height(footer)
	if waits != "" {
		used += lipgloss.Height(waits)
	}
	bodyH := max(m.height-used, 5)

	var body string
	if m.showHelp {
		body = m.help.View(m.width)
	} else {
		body = m.renderPanes(bodyH)
	}

	sections := []string{bar, body}
	if waits != "" {
		sections = append(sections, waits)
	}
	sections = append(sections, footer)
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) renderPanes(height int) string {
	paneW := m.width / len(m.panes)
	// Too narrow for three columns: show the focused pane only.
	if paneW < 40 {
		return m.panes[m.focus].View(m.width, height, true)
	}
	views := make([]string, len(m.panes))
	for i, p := range m.panes {
		views[i] = p.View(paneW, height, i == m.focus)
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, views...)
}

func (m Model) renderWaits() string {
	if len(m.waits) == 0 {
		return ""
	}
	start := max(len(m.waits)-maxWaitLines, 0)
	var lines []string
	for _, w := range m.waits[start:] {
		label := fmt.Sprintf("#%d %s %s=%s", w.ID, w.Category, w.Key, w.Value)
		label = lipgloss.NewStyle().Foreground(theme.CategoryColor(string(w.Category))).Render(label)
		var state string
		switch {
		case !w.Armed && !w.Done:
			state = theme.StyleDimmed.Render("subscribing")
		case !w.Done:
			state = theme.StyleDimmed.Render("waiting")
		case w.Err != nil:
			state = lipgloss.NewStyle().Foreground(theme.ColorDanger).Render(w.Err.Error())
		default:
			state = lipgloss.NewStyle().Foreground(theme.ColorHealthy).Render("matched " + feed.Summary(w.Event))
		}
		lines = append(lines, "  "+label+"  "+state)
	}
	return strings.Join(lines, "\n")
}

func (m Model) renderFooter() string {
	if m.prompting {
		line := m.prompt.View()
		if m.notice != "" {
			line += "  " + lipgloss.NewStyle().Foreground(theme.ColorWarning).Render(m.notice)
		}
		return line
	}
	if m.notice != "" {
		return lipgloss.NewStyle().Foreground(theme.ColorWarning).Render("  " + m.notice)
	}
	return theme.StyleDimmed.Render("  tab:pane  1/2/3:focus  w:wait  s:status  ?:help  q:quit")
}

func paneIndex(c envelope.Category) int {
	for i, cat := range envelope.Categories() {
		if cat == c {
			return i
		}
	}
	return -1
}

func animate() tea.Cmd {
	return tea.Tick(time.Second/feed.FPS, func(time.Time) tea.Msg { return frameMsg{} })
}

func statusTick() tea.Cmd {
	return tea.Tick(statusInterval, func(time.Time) tea.Msg { return statusTickMsg{} })
}
