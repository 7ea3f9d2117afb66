package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"tunstack/internal/storage"
	"tunstack/internal/storage/models"
)

// Tab indices.
const (
	tabPools    = 0
	tabRuns     = 1
	tabSettings = 2
	tabCount    = 3
)

// DefaultInterval is how often the monitor polls storage for new samples.
const DefaultInterval = 2 * time.Second

const runsLimit = 50

// Model is the root BubbleTea model.
type Model struct {
	store    storage.Storage
	interval time.Duration

	width  int
	height int

	activeTab int
	showHelp  bool
	paused    bool
	loading   bool

	run    *models.Run
	sample *models.Sample

	poolsTab    poolsModel
	runsTab     runsModel
	settingsTab settingsModel

	notification    string
	notificationErr bool
	notifVersion    int

	spinner spinner.Model
}

// Deps holds all dependencies injected into the TUI.
type Deps struct {
	Storage  storage.Storage
	Interval time.Duration
}

// NewModel creates a new root Model.
func NewModel(deps Deps) *Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = spinnerStyle

	interval := deps.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	return &Model{
		store:       deps.Storage,
		interval:    interval,
		activeTab:   tabPools,
		loading:     true,
		spinner:     s,
		poolsTab:    newPoolsModel(),
		runsTab:     newRunsModel(),
		settingsTab: newSettingsModel(),
	}
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(
		loadLatest(m.store),
		loadRuns(m.store, runsLimit),
		loadSettings(m.store),
		pollTick(m.interval),
		m.spinner.Tick,
	)
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	prevNotifVersion := m.notifVersion

	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		ch := m.contentHeight()
		m.poolsTab.setSize(msg.Width, ch)
		m.runsTab.setSize(msg.Width, ch)
		m.settingsTab.setSize(msg.Width, ch)
		return m, nil

	case tea.KeyMsg:
		if cmd := m.handleGlobalKey(msg); cmd != nil {
			return m, cmd
		}

	case latestLoadedMsg:
		m.loading = false
		if msg.err != nil {
			m.setNotification(fmt.Sprintf("Load failed: %v", msg.err), true)
			break
		}
		started := msg.run != nil && (m.run == nil || m.run.ID != msg.run.ID)
		m.run, m.sample = msg.run, msg.sample
		m.poolsTab.setLatest(msg.run, msg.sample)
		if started {
			cmds = append(cmds, loadRuns(m.store, runsLimit))
		}
	case runsLoadedMsg:
		if msg.err == nil {
			m.runsTab.setRuns(msg.runs)
		}
	case historyLoadedMsg:
		if msg.err != nil {
			m.setNotification(fmt.Sprintf("History failed: %v", msg.err), true)
		} else {
			m.runsTab.setHistory(msg)
		}
	case settingsLoadedMsg:
		if msg.err == nil {
			m.settingsTab.setSettings(msg.settings)
		}

	case pollTickMsg:
		if !m.paused {
			cmds = append(cmds, loadLatest(m.store))
			if d := m.runsTab.detail; d != nil && d.Running() {
				cmds = append(cmds, loadHistory(m.store, d.ID))
			}
		}
		cmds = append(cmds, pollTick(m.interval))

	case settingSavedMsg:
		if msg.err != nil {
			m.setNotification(fmt.Sprintf("Save failed: %v", msg.err), true)
		} else {
			m.setNotification(fmt.Sprintf("Saved %s (applies to the next run)", msg.key), false)
		}

	case clearNotificationMsg:
		if msg.version == m.notifVersion {
			m.notification = ""
			m.notificationErr = false
		}
	}

	if m.loading {
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
	}

	if m.notifVersion > prevNotifVersion && m.notification != "" {
		cmds = append(cmds, clearNotification(4*time.Second, m.notifVersion))
	}

	switch m.activeTab {
	case tabPools:
		cmds = append(cmds, m.poolsTab.Update(msg, m))
	case tabRuns:
		cmds = append(cmds, m.runsTab.Update(msg, m))
	case tabSettings:
		cmds = append(cmds, m.settingsTab.Update(msg, m))
	}

	return m, tea.Batch(cmds...)
}

func (m *Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	header := renderHeader(m.activeTab, m.run, m.width)

	var content string
	switch {
	case m.loading:
		content = forceHeight(m.spinner.View()+" Reading samples...", m.width, m.contentHeight())
	case m.activeTab == tabPools:
		content = m.poolsTab.View()
	case m.activeTab == tabRuns:
		content = m.runsTab.View()
	case m.activeTab == tabSettings:
		content = m.settingsTab.View()
	}

	var notif string
	switch {
	case m.notification != "" && m.notificationErr:
		notif = notifErrorStyle.Render("! " + m.notification)
	case m.notification != "":
		notif = notifSuccessStyle.Render("* " + m.notification)
	case m.paused:
		notif = warningStyle.Padding(0, 1).Render("polling paused")
	}

	footer := renderFooter(renderHelpBar(m.showHelp), m.width)

	parts := []string{header}
	if notif != "" {
		parts = append(parts, notif)
	}
	parts = append(parts, content, footer)

	// Force exactly m.height lines to prevent BubbleTea rendering drift.
	return forceHeight(lipgloss.JoinVertical(lipgloss.Left, parts...), m.width, m.height)
}

// forceHeight pads or truncates s to exactly height lines of width columns,
// so switching tabs leaves no stale lines behind.
func forceHeight(s string, width, height int) string {
	lines := strings.Split(s, "\n")
	if len(lines) > height {
		lines = lines[:height]
	}
	blank := strings.Repeat(" ", width)
	for len(lines) < height {
		lines = append(lines, blank)
	}
	return strings.Join(lines, "\n")
}

func (m *Model) contentHeight() int {
	overhead := 5
	if m.showHelp {
		overhead += 3
	}
	return max(m.height-overhead, 1)
}

func (m *Model) handleGlobalKey(msg tea.KeyMsg) tea.Cmd {
	if m.activeTab == tabSettings && m.settingsTab.editing {
		return nil
	}
	if m.activeTab == tabRuns && m.runsTab.filtering() {
		return nil
	}

	switch {
	case key.Matches(msg, keys.Quit):
		return tea.Quit

	case key.Matches(msg, keys.Help):
		m.showHelp = !m.showHelp
		ch := m.contentHeight()
		m.poolsTab.setSize(m.width, ch)
		m.runsTab.setSize(m.width, ch)
		m.settingsTab.setSize(m.width, ch)
		return nil

	case key.Matches(msg, keys.TabNext):
		m.activeTab = (m.activeTab + 1) % tabCount
		return nil

	case key.Matches(msg, keys.TabPrev):
		m.activeTab = (m.activeTab - 1 + tabCount) % tabCount
		return nil

	case key.Matches(msg, keys.Pause):
		m.paused = !m.paused
		return nil

	case key.Matches(msg, keys.Refresh):
		return tea.Batch(
			loadLatest(m.store),
			loadRuns(m.store, runsLimit),
			loadSettings(m.store),
		)
	}

	return nil
}

func (m *Model) setNotification(text string, isErr bool) {
	m.notification = text
	m.notificationErr = isErr
	m.notifVersion++
}

// NewProgram creates a bubbletea program with alt screen.
func NewProgram(deps Deps) *tea.Program {
	return tea.NewProgram(NewModel(deps), tea.WithAltScreen())
}
