// Package conflict provides deterministic conflict resolution between a
// local task version and the version returned by the remote authority.
package conflict

import (
	"fmt"

	"github.com/kimhsiao/tasksync/internal/logging"
	"github.com/kimhsiao/tasksync/internal/models"
)

// ResolutionStrategy defines how conflicts are resolved.
type ResolutionStrategy string

const (
	// ResolutionStrategyLastWriteWins keeps the version with the later
	// updated_at. Equal timestamps resolve to the remote version.
	ResolutionStrategyLastWriteWins ResolutionStrategy = "last_write_wins"

	// ResolutionStrategyOperationPriority behaves like last-write-wins but
	// breaks timestamp ties by operation (delete > update > create) before
	// falling back to the remote version.
	ResolutionStrategyOperationPriority ResolutionStrategy = "operation_priority"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (ResolutionStrategy, error) {
	switch st := ResolutionStrategy(s); st {
	case ResolutionStrategyLastWriteWins, ResolutionStrategyOperationPriority:
		return st, nil
	case "":
		return ResolutionStrategyLastWriteWins, nil
	}
	return "", fmt.Errorf("unknown conflict strategy %q", s)
}

// Side identifies which version won.
type Side string

const (
	SideLocal  Side = "local"
	SideRemote Side = "remote"
)

// Resolver handles conflict resolution during synchronization.
type Resolver struct {
	strategy ResolutionStrategy
}

// NewResolver creates a new Resolver with the specified strategy.
func NewResolver(strategy ResolutionStrategy) *Resolver {
	if strategy == "" {
		strategy = ResolutionStrategyLastWriteWins
	}
	return &Resolver{strategy: strategy}
}

// Strategy returns the configured strategy.
func (r *Resolver) Strategy() ResolutionStrategy {
	return r.strategy
}

// Conflict is a competing pair of versions of one task.
type Conflict struct {
	Local           *models.Task
	Remote          *models.Task
	LocalOperation  models.Operation
	RemoteOperation models.Operation
}

// ResolveResult represents the outcome of conflict resolution.
type ResolveResult struct {
	Winner      *models.Task // The version that should be kept
	Loser       *models.Task // The version that was discarded
	Side        Side
	Strategy    ResolutionStrategy
	ConflictLog *models.ConflictLog // Log entry for awareness
}

// Resolve picks the winner between a local and a remote version using
// last-write-wins on updated_at.
func (r *Resolver) Resolve(local, remote *models.Task) (*ResolveResult, error) {
	return r.ResolveConflict(&Conflict{Local: local, Remote: remote})
}

// ResolveConflict resolves a conflict using the configured strategy.
func (r *Resolver) ResolveConflict(c *Conflict) (*ResolveResult, error) {
	if c == nil || c.Local == nil || c.Remote == nil {
		return nil, ErrInvalidConflict
	}

	// The remote may echo data without the client id; it is the same record.
	if c.Remote.ID == "" {
		remote := *c.Remote
		remote.ID = c.Local.ID
		c.Remote = &remote
	}
	if c.Local.ID != c.Remote.ID {
		return nil, ErrItemIDMismatch
	}

	side := lastWriteWins(c.Local, c.Remote)
	if r.strategy == ResolutionStrategyOperationPriority && c.Local.UpdatedAt == c.Remote.UpdatedAt {
		side = operationPriority(c.LocalOperation, c.RemoteOperation)
	}

	result := &ResolveResult{
		Side:     side,
		Strategy: r.strategy,
	}
	resolution := models.ResolutionRemoteWins
	if side == SideLocal {
		result.Winner, result.Loser = c.Local, c.Remote
		resolution = models.ResolutionLocalWins
	} else {
		result.Winner, result.Loser = c.Remote, c.Local
	}

	result.ConflictLog = &models.ConflictLog{
		RecordID:        c.Local.ID,
		Operation:       string(c.LocalOperation),
		LocalTimestamp:  c.Local.UpdatedAt,
		RemoteTimestamp: c.Remote.UpdatedAt,
		Resolution:      resolution,
		DetectedAt:      models.NowMillis(),
	}

	logging.Info("Conflict resolved",
		map[string]interface{}{
			"record_id":        c.Local.ID,
			"winner_side":      side,
			"local_timestamp":  c.Local.UpdatedAt,
			"remote_timestamp": c.Remote.UpdatedAt,
			"strategy":         r.strategy,
		})

	return result, nil
}

// lastWriteWins: strictly newer local wins, anything else goes to remote.
func lastWriteWins(local, remote *models.Task) Side {
	if local.UpdatedAt > remote.UpdatedAt {
		return SideLocal
	}
	return SideRemote
}

func operationRank(op models.Operation) int {
	switch op {
	case models.OperationDelete:
		return 3
	case models.OperationUpdate:
		return 2
	case models.OperationCreate:
		return 1
	}
	return 0
}

func operationPriority(local, remote models.Operation) Side {
	if operationRank(local) > operationRank(remote) {
		return SideLocal
	}
	return SideRemote
}

// Errors
var (
	ErrInvalidConflict = &ConflictError{Message: "invalid conflict: both versions must be non-nil"}
	ErrItemIDMismatch  = &ConflictError{Message: "record ID mismatch"}
)

// ConflictError represents a conflict resolution error.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// IsConflictError checks if an error is a ConflictError.
func IsConflictError(err error) bool {
	_, ok := err.(*ConflictError)
	return ok
}
