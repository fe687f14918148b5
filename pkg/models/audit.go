package models

import "time"

// EntryKind is the severity of an audit log entry.
type EntryKind string

const (
	EntryInfo   EntryKind = "info"
	EntryAlert  EntryKind = "alert"
	EntryThreat EntryKind = "threat"
)

// Valid reports whether k is a known entry kind.
func (k EntryKind) Valid() bool {
	switch k {
	case EntryInfo, EntryAlert, EntryThreat:
		return true
	}
	return false
}

// AuditLogEntry records a single policy event.
type AuditLogEntry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Kind      EntryKind      `json:"kind"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}

// BlockedDownload is a download the policy intercepted, held until the
// user approves or discards it. Origin is empty when the source URL could
// not be resolved.
type BlockedDownload struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Filename  string    `json:"filename"`
	Timestamp time.Time `json:"timestamp"`
	Origin    string    `json:"origin,omitempty"`
}
