package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"tunstack/internal/storage/models"
)

var tabNames = []string{"Pools", "Runs", "Settings"}

func renderHeader(activeTab int, run *models.Run, width int) string {
	logo := logoStyle.Render("TUNSTACK")

	var pill string
	switch {
	case run == nil:
		pill = stoppedPillStyle.Render(" NO RUNS ")
	case run.Running():
		pill = runningPillStyle.Render(fmt.Sprintf(" RUN %d · %s ", run.ID, run.Backend))
	case run.Leaks != "":
		pill = leakedPillStyle.Render(fmt.Sprintf(" RUN %d LEAKED ", run.ID))
	default:
		pill = stoppedPillStyle.Render(fmt.Sprintf(" RUN %d STOPPED ", run.ID))
	}

	var tabs []string
	for i, name := range tabNames {
		if i == activeTab {
			tabs = append(tabs, activeTabStyle.Render(name))
		} else {
			tabs = append(tabs, inactiveTabStyle.Render(name))
		}
	}
	tabBar := lipgloss.JoinHorizontal(lipgloss.Bottom, tabs...)

	gap := max(width-lipgloss.Width(logo)-lipgloss.Width(pill), 1)
	topRow := logo + strings.Repeat(" ", gap) + pill

	sep := lipgloss.NewStyle().
		Foreground(colorBorder).
		Render(strings.Repeat("─", max(width, 0)))

	return lipgloss.JoinVertical(lipgloss.Left, topRow, tabBar, sep)
}

func renderFooter(helpText string, width int) string {
	sep := lipgloss.NewStyle().
		Foreground(colorBorder).
		Render(strings.Repeat("─", max(width, 0)))
	return lipgloss.JoinVertical(lipgloss.Left, sep, helpBarStyle.Render(helpText))
}

func renderHelpBar(showFull bool) string {
	if showFull {
		return renderFullHelp()
	}
	return renderShortHelp()
}

func renderShortHelp() string {
	bindings := keys.ShortHelp()
	var parts []string
	for _, b := range bindings {
		if !b.Enabled() {
			continue
		}
		k := helpKeyStyle.Render(b.Help().Key)
		d := helpDescStyle.Render(b.Help().Desc)
		parts = append(parts, k+" "+d)
	}
	return strings.Join(parts, helpSepStyle.Render(" | "))
}

func renderFullHelp() string {
	groups := keys.FullHelp()
	var lines []string
	for _, group := range groups {
		var parts []string
		for _, b := range group {
			if !b.Enabled() {
				continue
			}
			k := helpKeyStyle.Render(b.Help().Key)
			d := helpDescStyle.Render(b.Help().Desc)
			parts = append(parts, k+" "+d)
		}
		lines = append(lines, strings.Join(parts, helpSepStyle.Render("  ")))
	}
	return strings.Join(lines, "\n")
}
