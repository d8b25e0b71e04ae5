package models

import "time"

// RunStatus is the lifecycle state of a SyncRun row.
type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunPartial RunStatus = "partial"
	RunFailed  RunStatus = "failed"
)

// RunError is one entry of a run's error list. Message never carries
// credentials or post bodies.
type RunError struct {
	Kind      string `json:"kind"`
	Platform  string `json:"platform,omitempty"`
	Direction string `json:"direction,omitempty"`
	SourceID  string `json:"source_id,omitempty"`
	Message   string `json:"message"`
}

// SyncRun is the record of one engine pass for one user. It is created when
// the pass starts and finalized exactly once.
type SyncRun struct {
	ID                    string     `json:"run_id"`
	UserID                string     `json:"user_id"`
	StartedAt             time.Time  `json:"started_at"`
	FinishedAt            *time.Time `json:"finished_at,omitempty"`
	Status                RunStatus  `json:"status"`
	ItemsFetched          int        `json:"items_fetched"`
	ItemsSynced           int        `json:"items_synced"`
	ItemsSkippedDuplicate int        `json:"items_skipped_duplicate"`
	ItemsDeferred         int        `json:"items_deferred"`
	Errors                []RunError `json:"errors"`
}

// Finished reports whether the run has been finalized.
func (r *SyncRun) Finished() bool {
	return r.FinishedAt != nil
}
