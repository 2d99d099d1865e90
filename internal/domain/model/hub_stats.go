package model

// HubStats is a point-in-time snapshot of the local delivery registry,
// exposed on the health endpoint and scraped into metrics.
type HubStats struct {
	ActiveUsers    int    `json:"active_users"`
	ActiveSessions int    `json:"active_sessions"`
	DroppedEvents  uint64 `json:"dropped_events"`
}
