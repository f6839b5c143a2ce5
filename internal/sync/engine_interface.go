// Package sync provides synchronization interfaces and implementations.
package sync

import (
	"context"
	"time"

	"github.com/kimhsiao/tasksync/internal/sync/queue"
)

// SyncEngineInterface defines the interface for sync engine operations.
// This interface allows for mocking in tests and alternative implementations.
type SyncEngineInterface interface {
	// RunSyncRound drains the queue once and reports the round's outcome.
	// It returns ErrSyncInProgress if another round is running.
	RunSyncRound(ctx context.Context) (*RoundResult, error)

	// GetSyncStatus reports pending work, last sync and reachability.
	GetSyncStatus(ctx context.Context) (*SyncStatusReport, error)

	// CheckConnectivity probes the remote authority with a bounded wait.
	CheckConnectivity(ctx context.Context) bool

	// SetEventHandler sets the event handler for sync notifications.
	SetEventHandler(handler SyncEventHandler)

	// State returns the current round state.
	State() State

	// LastSync returns the completion time of the last finished round.
	LastSync() *time.Time

	// LastError returns the last error that occurred during sync.
	LastError() error

	// GetErrorHistory returns a copy of recent sync errors.
	GetErrorHistory() []SyncErrorEntry

	// ClearErrorHistory drops all recorded errors.
	ClearErrorHistory()

	// DeadLettered lists items that exhausted their retries.
	DeadLettered(ctx context.Context) ([]*queue.Item, error)

	// Requeue resets a dead-lettered item for another attempt.
	Requeue(ctx context.Context, itemID string) (*queue.Item, error)
}

var _ SyncEngineInterface = (*Engine)(nil)
