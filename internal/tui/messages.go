package tui

import "tunstack/internal/storage/models"

// Data loading messages.

type latestLoadedMsg struct {
	run    *models.Run
	sample *models.Sample
	err    error
}

type runsLoadedMsg struct {
	runs []*models.Run
	err  error
}

type historyLoadedMsg struct {
	runID   int64
	samples []*models.Sample
	err     error
}

type settingsLoadedMsg struct {
	settings map[string]string
	err      error
}

// Polling.

type pollTickMsg struct{}

// Settings update messages.

type settingSavedMsg struct {
	key string
	err error
}

// Notification message.

type clearNotificationMsg struct {
	version int
}
