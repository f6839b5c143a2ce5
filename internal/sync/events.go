package sync

import "time"

// SyncEventType identifies a sync notification.
type SyncEventType string

const (
	SyncEventStarted         SyncEventType = "sync.started"
	SyncEventBatchDispatched SyncEventType = "sync.batch_dispatched"
	SyncEventItemSynced      SyncEventType = "sync.item_synced"
	SyncEventItemFailed      SyncEventType = "sync.item_failed"
	SyncEventConflict        SyncEventType = "sync.conflict_detected"
	SyncEventCompleted       SyncEventType = "sync.completed"
	SyncEventFailed          SyncEventType = "sync.failed"
	SyncEventConnectivity    SyncEventType = "sync.connectivity"
)

// SyncEvent is delivered to the registered SyncEventHandler.
type SyncEvent struct {
	Type      SyncEventType `json:"type"`
	Message   string        `json:"message,omitempty"`
	RecordID  string        `json:"record_id,omitempty"`
	Operation string        `json:"operation,omitempty"`
	Batch     int           `json:"batch,omitempty"`
	Batches   int           `json:"batches,omitempty"`
	Online    *bool         `json:"online,omitempty"`
	Result    *RoundResult  `json:"result,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// SyncEventHandler receives sync notifications. Handlers are called on the
// round's goroutine and must not block.
type SyncEventHandler interface {
	OnSyncEvent(event SyncEvent)
}

// SyncEventHandlerFunc adapts a function to SyncEventHandler.
type SyncEventHandlerFunc func(event SyncEvent)

// OnSyncEvent calls f(event).
func (f SyncEventHandlerFunc) OnSyncEvent(event SyncEvent) {
	f(event)
}

// SyncErrorEntry is one structured failure, reported in a round result and
// kept in the engine's bounded error history.
type SyncErrorEntry struct {
	RecordID    string    `json:"record_id" yaml:"record_id"`
	QueueItemID string    `json:"queue_item_id,omitempty" yaml:"queue_item_id,omitempty"`
	Operation   string    `json:"operation" yaml:"operation"`
	Message     string    `json:"message" yaml:"message"`
	Timestamp   time.Time `json:"timestamp" yaml:"timestamp"`
}
