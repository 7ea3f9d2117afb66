package tui

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"tunstack/internal/storage"
)

// historyLen is how many samples of a run the runs tab charts.
const historyLen = 60

// loadLatest fetches the newest run and its newest sample.
func loadLatest(store storage.Storage) tea.Cmd {
	return func() tea.Msg {
		ctx := context.Background()
		run, err := store.GetLatestRun(ctx)
		if err != nil || run == nil {
			return latestLoadedMsg{err: err}
		}
		sample, err := store.GetLatestSample(ctx, run.ID)
		return latestLoadedMsg{run: run, sample: sample, err: err}
	}
}

// loadRuns fetches the most recent runs.
func loadRuns(store storage.Storage, limit int) tea.Cmd {
	return func() tea.Msg {
		runs, err := store.GetRuns(context.Background(), limit)
		return runsLoadedMsg{runs: runs, err: err}
	}
}

// loadHistory fetches the latest samples of one run, oldest first.
func loadHistory(store storage.Storage, runID int64) tea.Cmd {
	return func() tea.Msg {
		samples, err := store.GetSamples(context.Background(), runID, historyLen)
		return historyLoadedMsg{runID: runID, samples: samples, err: err}
	}
}

// loadSettings fetches all application settings.
func loadSettings(store storage.Storage) tea.Cmd {
	return func() tea.Msg {
		settings, err := store.GetAllSettings(context.Background())
		return settingsLoadedMsg{settings: settings, err: err}
	}
}

// saveSetting persists a setting value.
func saveSetting(store storage.Storage, key, value string) tea.Cmd {
	return func() tea.Msg {
		err := store.SetSetting(context.Background(), key, value)
		return settingSavedMsg{key: key, err: err}
	}
}

func pollTick(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(time.Time) tea.Msg {
		return pollTickMsg{}
	})
}

func clearNotification(d time.Duration, version int) tea.Cmd {
	return tea.Tick(d, func(time.Time) tea.Msg {
		return clearNotificationMsg{version: version}
	})
}
