package tui

import "charm.land/lipgloss/v2"

type theme struct {
	brand lipgloss.Style

	headerBox lipgloss.Style
	headerSub lipgloss.Style

	panelTitle   lipgloss.Style
	panelSubtle  lipgloss.Style
	panelWarn    lipgloss.Style
	panelError   lipgloss.Style
	panelSuccess lipgloss.Style

	footerBox  lipgloss.Style
	footerInfo lipgloss.Style
	footerErr  lipgloss.Style
	footerOK   lipgloss.Style

	chipWarn    lipgloss.Style
	chipError   lipgloss.Style
	chipSuccess lipgloss.Style

	tableHeader lipgloss.Style
	barFull     lipgloss.Style
	barEmpty    lipgloss.Style

	spinner lipgloss.Style
}

func newTheme() theme {
	border := lipgloss.Color("238")
	text := lipgloss.Color("252")
	muted := lipgloss.Color("246")
	subtle := lipgloss.Color("240")
	accent := lipgloss.Color("111")
	success := lipgloss.Color("78")
	warn := lipgloss.Color("214")
	danger := lipgloss.Color("203")

	return theme{
		brand: lipgloss.NewStyle().Bold(true).Foreground(accent),

		headerBox: lipgloss.NewStyle().
			Border(lipgloss.NormalBorder(), false, false, true, false).
			BorderForeground(border).
			Padding(0, 1),
		headerSub: lipgloss.NewStyle().Foreground(muted),

		panelTitle:   lipgloss.NewStyle().Bold(true).Foreground(accent),
		panelSubtle:  lipgloss.NewStyle().Foreground(muted),
		panelWarn:    lipgloss.NewStyle().Foreground(warn),
		panelError:   lipgloss.NewStyle().Foreground(danger),
		panelSuccess: lipgloss.NewStyle().Foreground(success),

		footerBox: lipgloss.NewStyle().
			Border(lipgloss.NormalBorder(), true, false, false, false).
			BorderForeground(border).
			Padding(0, 1),
		footerInfo: lipgloss.NewStyle().Foreground(text),
		footerErr:  lipgloss.NewStyle().Bold(true).Foreground(danger),
		footerOK:   lipgloss.NewStyle().Bold(true).Foreground(success),

		chipWarn:    lipgloss.NewStyle().Bold(true).Foreground(warn),
		chipError:   lipgloss.NewStyle().Bold(true).Foreground(danger),
		chipSuccess: lipgloss.NewStyle().Bold(true).Foreground(success),

		tableHeader: lipgloss.NewStyle().Bold(true).Foreground(accent),
		barFull:     lipgloss.NewStyle().Foreground(accent),
		barEmpty:    lipgloss.NewStyle().Foreground(subtle),

		spinner: lipgloss.NewStyle().Bold(true).Foreground(warn),
	}
}
