package engine

import "time"

// SystemStatus describes the running process.
type SystemStatus struct {
	Version     string    `json:"version"`
	PaperMode   bool      `json:"paper_mode"`
	Brokers     []string  `json:"brokers"`
	Strategies  []string  `json:"strategies"`
	RunningBots int       `json:"running_bots"`
	Sessions    int       `json:"sessions"`
	StartedAt   time.Time `json:"started_at"`
	ServerTime  time.Time `json:"server_time"`
	Uptime      string    `json:"uptime"`
}
