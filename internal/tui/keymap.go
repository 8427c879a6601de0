package tui

import (
	"charm.land/bubbles/v2/key"
)

type keyMap struct {
	Quit       key.Binding
	Refresh    key.Binding
	RunCycle   key.Binding
	Resume     key.Binding
	ToggleHelp key.Binding
}

func newKeyMap() keyMap {
	return keyMap{
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
		Refresh: key.NewBinding(
			key.WithKeys("r"),
			key.WithHelp("r", "refresh"),
		),
		RunCycle: key.NewBinding(
			key.WithKeys("c"),
			key.WithHelp("c", "run cycle"),
		),
		Resume: key.NewBinding(
			key.WithKeys("p"),
			key.WithHelp("p", "resume loop"),
		),
		ToggleHelp: key.NewBinding(
			key.WithKeys("?"),
			key.WithHelp("?", "toggle help"),
		),
	}
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.RunCycle, k.Refresh, k.ToggleHelp, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.RunCycle, k.Resume, k.Refresh},
		{k.ToggleHelp, k.Quit},
	}
}
