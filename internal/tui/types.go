package tui

import (
	"time"

	"github.com/fentz26/pulse/internal/models"
)

// Health mirrors the daemon's /health response
type Health struct {
	OK      bool                `json:"ok"`
	Version string              `json:"version"`
	Network models.NetworkState `json:"network"`
	Pending int                 `json:"pending"`
	Stale   bool                `json:"stale"`
}

// SchedulerInfo mirrors /scheduler
type SchedulerInfo struct {
	Interval   string            `json:"interval"`
	Period     string            `json:"period"`
	InProgress bool              `json:"in_progress"`
	LastRun    *time.Time        `json:"last_run,omitempty"`
	NextRun    *time.Time        `json:"next_run,omitempty"`
	LastResult models.SyncResult `json:"last_result"`
	LastError  string            `json:"last_error,omitempty"`
}

// Snapshot is one refresh of the dashboard
type Snapshot struct {
	DaemonOnline bool
	Health       Health
	Pending      []models.PendingAction
	Dead         []models.DeadLetter
	Connections  []models.ConnectionRecord
	Scheduler    *SchedulerInfo
	Err          error
}
