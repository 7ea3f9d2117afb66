package models

import "time"

// Run is one engine session, from start to shutdown.
type Run struct {
	ID        int64      `json:"id"`
	Backend   string     `json:"backend"`  // native, tun2socks
	Device    string     `json:"device"`   // TUN device name
	Platform  string     `json:"platform"` // GOOS/GOARCH
	Options   string     `json:"options"`  // JSON of the effective options
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"` // NULL while running
	Leaks     string     `json:"leaks,omitempty"`    // leak report from shutdown, empty when clean
}

// Running reports whether the run has not recorded a shutdown.
func (r *Run) Running() bool {
	return r.EndedAt == nil
}
