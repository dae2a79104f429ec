package app

import "github.com/charmbracelet/bubbles/key"

// KeyMap defines all keyboard bindings for the TUI.
type KeyMap struct {
	Next     key.Binding
	Prev     key.Binding
	Confirms key.Binding
	OPU      key.Binding
	WOU      key.Binding
	Wait     key.Binding
	Submit   key.Binding
	Status   key.Binding
	Help     key.Binding
	Escape   key.Binding
	Quit     key.Binding
}

// DefaultKeyMap returns the default key bindings.
func DefaultKeyMap() KeyMap {
	return KeyMap{
		Next: key.NewBinding(
			key.WithKeys("tab", "l", "right"),
			key.WithHelp("tab", "next pane"),
		),
		Prev: key.NewBinding(
			key.WithKeys("shift+tab", "h", "left"),
			key.WithHelp("shift+tab", "prev pane"),
		),
		Confirms: key.NewBinding(
			key.WithKeys("1"),
			key.WithHelp("1", "confirms"),
		),
		OPU: key.NewBinding(
			key.WithKeys("2"),
			key.WithHelp("2", "positions"),
		),
		WOU: key.NewBinding(
			key.WithKeys("3"),
			key.WithHelp("3", "working orders"),
		),
		Wait: key.NewBinding(
			key.WithKeys("w"),
			key.WithHelp("w", "wait for key=value"),
		),
		Submit: key.NewBinding(
			key.WithKeys("enter"),
			key.WithHelp("enter", "arm wait"),
		),
		Status: key.NewBinding(
			key.WithKeys("s"),
			key.WithHelp("s", "refresh status"),
		),
		Help: key.NewBinding(
			key.WithKeys("?"),
			key.WithHelp("?", "help"),
		),
		Escape: key.NewBinding(
			key.WithKeys("esc"),
			key.WithHelp("esc", "close overlay"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
	}
}
