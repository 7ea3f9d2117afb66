package tui

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"tunstack/internal/storage/models"
)

// runItem implements list.Item for the runs list.
type runItem struct {
	run *models.Run
}

func (i runItem) Title() string {
	return fmt.Sprintf("#%d %s on %s", i.run.ID, i.run.Backend, deviceLabel(i.run.Device))
}

func (i runItem) FilterValue() string { return i.run.Backend + " " + i.run.Device }

func (i runItem) Description() string {
	parts := []string{i.run.StartedAt.Format(time.DateTime), i.run.Platform}
	switch {
	case i.run.Running():
		parts = append(parts, "running")
	case i.run.Leaks != "":
		parts = append(parts, "leaked")
	default:
		parts = append(parts, formatDuration(i.run.EndedAt.Sub(i.run.StartedAt)))
	}
	return strings.Join(parts, " | ")
}

// runItemDelegate renders each run item.
type runItemDelegate struct{}

func (d runItemDelegate) Height() int                             { return 2 }
func (d runItemDelegate) Spacing() int                            { return 0 }
func (d runItemDelegate) Update(_ tea.Msg, _ *list.Model) tea.Cmd { return nil }
func (d runItemDelegate) Render(w io.Writer, m list.Model, index int, item list.Item) {
	ri, ok := item.(runItem)
	if !ok {
		return
	}

	title, desc := ri.Title(), ri.Description()
	if index == m.Index() {
		title = lipgloss.NewStyle().Bold(true).Foreground(colorPurple).Render("> " + title)
	} else {
		title = lipgloss.NewStyle().Foreground(colorFg).Render("  " + title)
	}
	if ri.run.Leaks != "" {
		desc = lipgloss.NewStyle().Foreground(colorRed).PaddingLeft(2).Render(desc)
	} else {
		desc = lipgloss.NewStyle().Foreground(colorDimFg).PaddingLeft(2).Render(desc)
	}
	fmt.Fprintf(w, "%s\n%s", title, desc)
}

// runsModel lists recorded runs; enter shows the sample history of one.
type runsModel struct {
	list   list.Model
	width  int
	height int

	detail  *models.Run
	samples []*models.Sample
}

func newRunsModel() runsModel {
	l := list.New(nil, runItemDelegate{}, 0, 0)
	l.Title = "Runs"
	l.SetShowHelp(false)
	l.SetShowStatusBar(true)
	l.SetFilteringEnabled(true)
	l.Styles.Title = titleStyle
	l.Styles.FilterPrompt = lipgloss.NewStyle().Foreground(colorPurple)
	l.Styles.FilterCursor = lipgloss.NewStyle().Foreground(colorPurple)
	return runsModel{list: l}
}

func (rm *runsModel) setSize(w, h int) {
	rm.width = w
	rm.height = h
	rm.list.SetSize(w, h)
}

func (rm *runsModel) setRuns(runs []*models.Run) {
	items := make([]list.Item, len(runs))
	for i, r := range runs {
		items[i] = runItem{run: r}
	}
	rm.list.SetItems(items)
}

func (rm *runsModel) setHistory(msg historyLoadedMsg) {
	if rm.detail == nil || rm.detail.ID != msg.runID {
		return
	}
	rm.samples = msg.samples
}

func (rm *runsModel) filtering() bool {
	return rm.list.FilterState() == list.Filtering
}

func (rm *runsModel) Update(msg tea.Msg, root *Model) tea.Cmd {
	if km, ok := msg.(tea.KeyMsg); ok {
		if rm.detail != nil {
			if key.Matches(km, keys.Back) {
				rm.detail, rm.samples = nil, nil
			}
			return nil
		}
		if key.Matches(km, keys.Enter) && !rm.filtering() {
			if item, ok := rm.list.SelectedItem().(runItem); ok {
				rm.detail = item.run
				return loadHistory(root.store, item.run.ID)
			}
			return nil
		}
	}

	var cmd tea.Cmd
	rm.list, cmd = rm.list.Update(msg)
	return cmd
}

func (rm *runsModel) View() string {
	if rm.detail == nil {
		return rm.list.View()
	}

	r := rm.detail
	var b strings.Builder
	b.WriteString(titleStyle.Render(runItem{run: r}.Title()))
	b.WriteString("\n")
	b.WriteString(dimStyle.Render(runItem{run: r}.Description()))
	b.WriteString("\n\n")

	if r.Leaks != "" {
		b.WriteString(errorStyle.Render("Leaked at shutdown: "))
		b.WriteString(r.Leaks)
		b.WriteString("\n\n")
	}

	if len(rm.samples) == 0 {
		b.WriteString(dimStyle.Render("No samples"))
	} else {
		heap := make([]int, len(rm.samples))
		conns := make([]int, len(rm.samples))
		for i, s := range rm.samples {
			heap[i], conns[i] = s.HeapUsed, s.TCPConns
		}
		last := rm.samples[len(rm.samples)-1]
		b.WriteString(row("Heap used", sparkline(heap, last.HeapSize)))
		b.WriteString("\n")
		b.WriteString(row("TCP conns", sparkline(conns, 0)))
		b.WriteString("\n\n")
		b.WriteString(dimStyle.Render(fmt.Sprintf("%d samples, %s to %s",
			len(rm.samples),
			rm.samples[0].TakenAt.Format(time.TimeOnly),
			last.TakenAt.Format(time.TimeOnly))))
	}
	b.WriteString("\n\n")
	b.WriteString(dimStyle.Render("esc to go back"))
	return forceHeight(b.String(), rm.width, rm.height)
}

var sparkBlocks = []rune("▁▂▃▄▅▆▇█")

// sparkline renders values scaled to top, or to their maximum when top is
// zero.
func sparkline(values []int, top int) string {
	if top <= 0 {
		for _, v := range values {
			top = max(top, v)
		}
	}
	var b strings.Builder
	for _, v := range values {
		i := 0
		if top > 0 {
			i = min(v*(len(sparkBlocks)-1)/top, len(sparkBlocks)-1)
		}
		b.WriteRune(sparkBlocks[max(i, 0)])
	}
	return b.String()
}

func deviceLabel(name string) string {
	if name == "" {
		return "default device"
	}
	return name
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
