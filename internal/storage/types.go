package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines history plus a snapshot/journal key/value file
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//   - "memory": process-local, lost on exit
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Deployment records one provisioning attempt.
type Deployment struct {
	ID          string    `json:"id"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	AccountID   string    `json:"account_id,omitempty"`
	NamespaceID string    `json:"namespace_id,omitempty"`
	ScriptName  string    `json:"script_name,omitempty"`
	Cron        string    `json:"cron"`
	Timezone    string    `json:"timezone"`
	Notify      string    `json:"notify,omitempty"`
	Success     bool      `json:"success"`
	FailedStep  string    `json:"failed_step,omitempty"`
	Error       string    `json:"error,omitempty"`
	Progress    []string  `json:"progress"`
}
