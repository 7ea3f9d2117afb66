package tui

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tunstack/internal/storage/models"
	"tunstack/internal/storage/sqlite"
)

func newTestModel(t *testing.T) (*Model, *sqlite.DB) {
	t.Helper()
	db, err := sqlite.New(filepath.Join(t.TempDir(), "tunstack.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	m := NewModel(Deps{Storage: db, Interval: time.Second})
	m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	return m, db
}

func seedRun(t *testing.T, db *sqlite.DB) *models.Run {
	t.Helper()
	ctx := context.Background()
	run := &models.Run{Backend: "native", Device: "tun0", Platform: "linux/amd64", Options: "{}"}
	require.NoError(t, db.CreateRun(ctx, run))
	for i := 0; i < 3; i++ {
		require.NoError(t, db.RecordSample(ctx, &models.Sample{
			RunID:    run.ID,
			TakenAt:  time.Date(2026, 1, 1, 0, 0, i*10, 0, time.UTC),
			HeapSize: 1 << 21,
			HeapUsed: 1024 * (i + 1),
			TCPConns: i,
			Pools: []models.PoolSample{
				{Kind: "tcp_pcb", Capacity: 1024, Used: i, HighWater: i},
				{Kind: "pbuf_pool", Capacity: 32, Used: 32, HighWater: 32, Failures: 7},
			},
		}))
	}
	return run
}

func TestEmptyStore(t *testing.T) {
	m, _ := newTestModel(t)

	m.Update(loadLatest(m.store)())
	assert.False(t, m.loading)
	assert.Nil(t, m.run)
	assert.Contains(t, m.View(), "No runs recorded yet")
}

func TestPoolsShowsLatestSample(t *testing.T) {
	m, db := newTestModel(t)
	run := seedRun(t, db)

	m.Update(loadLatest(m.store)())
	require.NotNil(t, m.run)
	assert.Equal(t, run.ID, m.run.ID)
	require.NotNil(t, m.sample)
	assert.Equal(t, 2, m.sample.TCPConns)

	view := m.View()
	assert.Contains(t, view, "tcp_pcb")
	assert.Contains(t, view, "pbuf_pool")
	assert.Contains(t, view, "RUN 1")
}

func TestTabsCycle(t *testing.T) {
	m, _ := newTestModel(t)

	m.Update(tea.KeyMsg{Type: tea.KeyTab})
	assert.Equal(t, tabRuns, m.activeTab)
	m.Update(tea.KeyMsg{Type: tea.KeyTab})
	assert.Equal(t, tabSettings, m.activeTab)
	m.Update(tea.KeyMsg{Type: tea.KeyShiftTab})
	assert.Equal(t, tabRuns, m.activeTab)
}

func TestPauseStopsPolling(t *testing.T) {
	m, _ := newTestModel(t)

	m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("p")})
	require.True(t, m.paused)

	_, cmd := m.Update(pollTickMsg{})
	assert.NotNil(t, cmd, "the next tick is still scheduled")
}

func TestRunHistory(t *testing.T) {
	m, db := newTestModel(t)
	run := seedRun(t, db)

	m.Update(loadLatest(m.store)())
	m.Update(loadRuns(m.store, runsLimit)())
	m.activeTab = tabRuns

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	require.NotNil(t, m.runsTab.detail)
	assert.Equal(t, run.ID, m.runsTab.detail.ID)
	require.NotNil(t, cmd)

	m.Update(loadHistory(m.store, run.ID)())
	require.Len(t, m.runsTab.samples, 3)
	assert.Contains(t, m.View(), "3 samples")

	m.Update(tea.KeyMsg{Type: tea.KeyEsc})
	assert.Nil(t, m.runsTab.detail)
}

func TestSettingValidation(t *testing.T) {
	m, db := newTestModel(t)
	m.Update(loadSettings(m.store)())
	m.activeTab = tabSettings
	m.settingsTab.cursor = 3 // sample_interval

	m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	require.True(t, m.settingsTab.editing)
	m.settingsTab.input.SetValue("soon")
	m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	assert.True(t, m.notificationErr)
	assert.Equal(t, "10s", m.settingsTab.settings["sample_interval"])

	m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m.settingsTab.input.SetValue("30s")
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	require.NotNil(t, cmd)

	v, err := db.GetSetting(context.Background(), "sample_interval")
	require.NoError(t, err)
	assert.Equal(t, "10s", v, "saved asynchronously by the returned command")
	m.Update(saveSetting(m.store, "sample_interval", "30s")())
	v, err = db.GetSetting(context.Background(), "sample_interval")
	require.NoError(t, err)
	assert.Equal(t, "30s", v)
}

func TestSparkline(t *testing.T) {
	assert.Equal(t, "▁▄█", sparkline([]int{0, 5, 10}, 0))
	assert.Equal(t, "▁▁▁", sparkline([]int{0, 0, 0}, 0))
	assert.Equal(t, "▁█", sparkline([]int{0, 20}, 10))
}
