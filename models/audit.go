package models

import "time"

// AuditLevel is the severity of an audit entry.
type AuditLevel string

const (
	AuditInfo  AuditLevel = "info"
	AuditWarn  AuditLevel = "warn"
	AuditError AuditLevel = "error"
)

// AuditEntry is an immutable record of a pipeline decision: every executor
// transition and every scheduler circuit-breaker transition produces one.
// Entries are buffered in memory and flushed to durable storage; ordering
// within a flush batch may differ from emission order.
type AuditEntry struct {
	ID         string                 `json:"id"`
	Level      AuditLevel             `json:"level"`
	Action     string                 `json:"action"`
	EntityType string                 `json:"entity_type"`
	EntityID   string                 `json:"entity_id"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}
