package tui

import (
	"fmt"
	"strings"

	"charm.land/lipgloss/v2"

	"github.com/dwizi/needloop/internal/adminclient"
	"github.com/dwizi/needloop/internal/loop"
)

const needBarWidth = 20

func (m model) renderView() string {
	if m.quitting {
		return "needloop tui closed\n"
	}
	t := newTheme()
	width := maxInt(60, m.width)

	sections := []string{m.renderHeader(t, width)}
	if !m.loaded {
		sections = append(sections, t.panelSubtle.Render("waiting for "+m.cfg.APIURL))
	} else {
		sections = append(sections,
			m.renderNeeds(t),
			m.renderWindows(t, width),
			m.renderCycles(t, width),
		)
	}
	sections = append(sections, m.renderFooter(t, width))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m model) renderHeader(t theme, width int) string {
	chip := t.chipSuccess.Render("READY")
	switch {
	case m.errorText != "":
		chip = t.chipError.Render("ERROR")
	case m.busy():
		chip = t.chipWarn.Render(m.spinner.View() + " BUSY")
	case m.state.Scheduler != nil && m.state.Scheduler.Paused:
		chip = t.chipWarn.Render("PAUSED")
	}
	contentWidth := maxInt(1, width-t.headerBox.GetHorizontalFrameSize())

	sub := "env: " + fallbackText(m.cfg.Environment, "unset") + " | phase: " + fallbackText(m.state.Phase, "unknown")
	if status := m.state.Scheduler; status != nil {
		sub += " | " + status.Mode + " " + status.Cadence
		if status.Paused {
			sub += " | paused: " + status.PausedReason
		}
	}
	right := ""
	if !m.lastRefresh.IsZero() {
		right = "updated " + m.lastRefresh.Format("15:04:05")
	}
	line1 := fillLine(t.brand.Render("needloop"), chip, contentWidth)
	line2 := fillLine(t.headerSub.Render(trimToWidth(sub, contentWidth*2/3)), t.headerSub.Render(right), contentWidth)
	return t.headerBox.Width(width).Render(line1 + "\n" + line2)
}

func (m model) renderNeeds(t theme) string {
	lines := []string{t.panelTitle.Render("Needs")}
	if len(m.state.Needs) == 0 {
		lines = append(lines, t.panelSubtle.Render("no needs reported"))
	}
	for _, need := range m.state.Needs {
		lines = append(lines, fmt.Sprintf("%-14s %s %6.1f  deficit %5.1f",
			need.Kind, needBar(t, need.Value), need.Value, need.Deficit))
	}
	return strings.Join(lines, "\n")
}

func needBar(t theme, value float64) string {
	filled := int(value / 100 * needBarWidth)
	filled = minInt(needBarWidth, maxInt(0, filled))
	return t.barFull.Render(strings.Repeat("█", filled)) + t.barEmpty.Render(strings.Repeat("░", needBarWidth-filled))
}

func (m model) renderWindows(t theme, width int) string {
	lines := []string{t.panelTitle.Render("Rate windows")}
	if len(m.state.Windows) == 0 {
		lines = append(lines, t.panelSubtle.Render("no windows tracked"))
	}
	for _, window := range m.state.Windows {
		line := fmt.Sprintf("%-34s %4d/%-4d headroom %-4d resets %s",
			trimToWidth(window.Key, 34), window.CurrentCount+window.Reserved, window.MaxCount,
			window.Headroom, window.ResetsAt.Local().Format("15:04:05"))
		lines = append(lines, styleHeadroom(t, window).Render(trimToWidth(line, width)))
	}
	return strings.Join(lines, "\n")
}

func styleHeadroom(t theme, window adminclient.Window) lipgloss.Style {
	switch {
	case window.Headroom <= 0:
		return t.panelError
	case window.MaxCount > 0 && window.Headroom*10 < window.MaxCount:
		return t.panelWarn
	default:
		return t.panelSubtle
	}
}

func (m model) renderCycles(t theme, width int) string {
	lines := []string{t.panelTitle.Render("Recent cycles")}
	if len(m.cycles) == 0 {
		lines = append(lines, t.panelSubtle.Render("no cycles recorded"))
	}
	for _, cycle := range m.cycles {
		line := fmt.Sprintf("%s  %-8s %-12s %s",
			cycle.StartedAt.Local().Format("15:04:05"), shortID(cycle.ID), cycle.Outcome, cycle.Status)
		lines = append(lines, styleOutcome(t, cycle.Outcome).Render(trimToWidth(line, width)))
	}
	return strings.Join(lines, "\n")
}

func styleOutcome(t theme, outcome string) lipgloss.Style {
	switch loop.Outcome(outcome) {
	case loop.OutcomeExecuted:
		return t.panelSuccess
	case loop.OutcomeFailed, loop.OutcomeAborted:
		return t.panelError
	case loop.OutcomeRateLimited:
		return t.panelWarn
	default:
		return t.panelSubtle
	}
}

func (m model) renderFooter(t theme, width int) string {
	contentWidth := maxInt(1, width-t.footerBox.GetHorizontalFrameSize())
	status := t.footerInfo.Render(trimToWidth(fallbackText(m.statusText, "ready"), contentWidth))
	if m.errorText != "" {
		status = t.footerErr.Render(trimToWidth("error: "+m.errorText, contentWidth))
	} else if m.statusText != "" && !m.busy() {
		status = t.footerOK.Render(trimToWidth(m.statusText, contentWidth))
	}
	return t.footerBox.Width(width).Render(m.help.View(m.keys) + "\n" + status)
}

func fillLine(left, right string, width int) string {
	lw := lipgloss.Width(left)
	rw := lipgloss.Width(right)
	if lw+rw+1 > width {
		return left + " " + right
	}
	return left + strings.Repeat(" ", width-lw-rw) + right
}

func trimToWidth(value string, width int) string {
	if width <= 0 {
		return ""
	}
	runes := []rune(strings.TrimSpace(value))
	if len(runes) <= width {
		return string(runes)
	}
	if width <= 3 {
		return string(runes[:width])
	}
	return string(runes[:width-3]) + "..."
}

func fallbackText(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
