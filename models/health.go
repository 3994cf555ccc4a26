package models

import "time"

// CycleHealth records the outcome of the most recent run of one pipeline
// stage. The dashboard derives its staleness banner from these records.
type CycleHealth struct {
	Stage       string    `json:"stage"` // "ingest", "score", "execute"
	LastRunAt   time.Time `json:"last_run_at"`
	LastSuccess time.Time `json:"last_success"`
	LastError   string    `json:"last_error,omitempty"`
}
