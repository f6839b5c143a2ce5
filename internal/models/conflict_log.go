package models

import "time"

// Conflict resolutions recorded in the conflict log.
const (
	ResolutionLocalWins  = "local_wins"
	ResolutionRemoteWins = "remote_wins"
)

// ConflictLog records resolved concurrent edits for user awareness.
type ConflictLog struct {
	ID              UUID   `db:"id" json:"id" yaml:"id"`
	RecordID        UUID   `db:"record_id" json:"record_id" yaml:"record_id"`
	Operation       string `db:"operation" json:"operation" yaml:"operation"`
	LocalTimestamp  int64  `db:"local_timestamp" json:"local_timestamp" yaml:"local_timestamp"`
	RemoteTimestamp int64  `db:"remote_timestamp" json:"remote_timestamp" yaml:"remote_timestamp"`
	Resolution      string `db:"resolution" json:"resolution" yaml:"resolution"`
	DetectedAt      int64  `db:"detected_at" json:"detected_at" yaml:"detected_at"`
}

// TableName returns the table name for ConflictLog.
func (ConflictLog) TableName() string {
	return "conflict_log"
}

// DetectedAtTime returns the DetectedAt as time.Time.
func (c *ConflictLog) DetectedAtTime() time.Time {
	return MillisTime(c.DetectedAt)
}
