package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/docker/go-units"

	"tunstack/internal/storage/models"
)

// poolsModel shows the newest sample of the newest run.
type poolsModel struct {
	width  int
	height int

	run    *models.Run
	sample *models.Sample
	bar    progress.Model
}

func newPoolsModel() poolsModel {
	return poolsModel{
		bar: progress.New(
			progress.WithDefaultGradient(),
			progress.WithoutPercentage(),
			progress.WithWidth(24),
		),
	}
}

func (pm *poolsModel) setSize(w, h int) {
	pm.width = w
	pm.height = h
	pm.bar.Width = min(max(w/4, 10), 40)
}

func (pm *poolsModel) setLatest(run *models.Run, sample *models.Sample) {
	pm.run = run
	pm.sample = sample
}

func (pm *poolsModel) Update(msg tea.Msg, root *Model) tea.Cmd {
	return nil
}

func (pm *poolsModel) View() string {
	if pm.run == nil {
		return forceHeight(pm.viewEmpty("No runs recorded yet", "Start one with 'tunstack run'"), pm.width, pm.height)
	}
	if pm.sample == nil {
		return forceHeight(pm.viewEmpty(fmt.Sprintf("Run %d has no samples", pm.run.ID), "Samples are taken every sample_interval"), pm.width, pm.height)
	}

	s := pm.sample
	heap := lipgloss.JoinVertical(lipgloss.Left,
		cardTitleStyle.Render("Heap"),
		row("Used", fmt.Sprintf("%s / %s", units.BytesSize(float64(s.HeapUsed)), units.BytesSize(float64(s.HeapSize)))),
		row("Peak", units.BytesSize(float64(s.HeapPeak))),
		row("Failures", failures(s.HeapFailures)),
		"",
		pm.bar.ViewAs(fraction(s.HeapUsed, s.HeapSize)),
	)
	traffic := lipgloss.JoinVertical(lipgloss.Left,
		cardTitleStyle.Render("Stack"),
		row("TCP conns", fmt.Sprintf("%d", s.TCPConns)),
		row("UDP flows", fmt.Sprintf("%d", s.UDPFlows)),
		row("Drops", fmt.Sprintf("%d", s.Drops)),
		row("Sampled", s.TakenAt.Format(time.TimeOnly)),
	)

	w := max(pm.width-6, 30)
	var cards string
	if pm.width > 80 {
		half := (w - 4) / 2
		cards = lipgloss.JoinHorizontal(lipgloss.Top,
			cardStyle.Width(half).Render(heap), "  ", cardStyle.Width(half).Render(traffic))
	} else {
		cards = lipgloss.JoinVertical(lipgloss.Left, cardStyle.Width(w).Render(heap), cardStyle.Width(w).Render(traffic))
	}

	return forceHeight(lipgloss.JoinVertical(lipgloss.Left, cards, "", pm.viewPools()), pm.width, pm.height)
}

func (pm *poolsModel) viewPools() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Pools"))
	b.WriteString("\n")
	b.WriteString(dimStyle.Render(fmt.Sprintf("%-16s %7s %7s %7s %9s  ", "KIND", "USED", "CAP", "HIGH", "FAILURES")))
	b.WriteString("\n")

	for _, p := range pm.sample.Pools {
		frac := fraction(p.Used, p.Capacity)
		line := fmt.Sprintf("%-16s %7d %7d %7d %9d  ", p.Kind, p.Used, p.Capacity, p.HighWater, p.Failures)
		b.WriteString(usageStyle(frac).Render(line))
		b.WriteString(pm.bar.ViewAs(frac))
		b.WriteString("\n")
	}
	return b.String()
}

func (pm *poolsModel) viewEmpty(title, hint string) string {
	content := lipgloss.JoinVertical(lipgloss.Left,
		cardTitleStyle.Render("Pool Occupancy"),
		"",
		dimStyle.Render(title),
		"",
		dimStyle.Render(hint),
	)
	return cardStyle.Width(max(pm.width-6, 30)).Render(content)
}

func row(label, value string) string {
	return cardLabelStyle.Render(label+":") + " " + cardValueStyle.Render(value)
}

func fraction(used, capacity int) float64 {
	if capacity <= 0 {
		return 0
	}
	return min(float64(used)/float64(capacity), 1)
}

func failures(n uint64) string {
	if n == 0 {
		return "0"
	}
	return errorStyle.Render(fmt.Sprintf("%d", n))
}
