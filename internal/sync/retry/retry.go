// Package retry decides what happens to a queue item after a failed sync
// attempt: keep it for another round, or dead-letter it in place.
package retry

import (
	"context"
	"fmt"

	"github.com/kimhsiao/tasksync/internal/errors"
	"github.com/kimhsiao/tasksync/internal/logging"
	"github.com/kimhsiao/tasksync/internal/sync/queue"
)

// Action is the decision taken for a failed item.
type Action int

const (
	// ActionRetry keeps the item pending for a later round.
	ActionRetry Action = iota
	// ActionDeadLetter keeps the item but excludes it from future rounds.
	ActionDeadLetter
)

func (a Action) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionDeadLetter:
		return "dead_letter"
	}
	return "unknown"
}

// Policy holds the retry ceiling.
type Policy struct {
	MaxRetries int
}

// DefaultPolicy returns the policy with the default ceiling.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: queue.DefaultMaxRetries}
}

// Decide returns DeadLetter when this failure exhausts the retry budget.
func (p Policy) Decide(item *queue.Item) Action {
	if item.RetryCount+1 >= p.MaxRetries {
		return ActionDeadLetter
	}
	return ActionRetry
}

// PermanentFailureMessage is the error stored on a dead-lettered item.
func (p Policy) PermanentFailureMessage(reason string) string {
	return fmt.Sprintf("permanent failure after %d attempts: %s", p.MaxRetries, reason)
}

// StatusMarker flips a record to the error sync status.
type StatusMarker interface {
	MarkSyncError(ctx context.Context, id string) error
}

// Handler applies a Policy against the queue and the record store.
type Handler struct {
	policy  Policy
	queue   queue.Queue
	records StatusMarker
}

// NewHandler creates a Handler.
func NewHandler(policy Policy, q queue.Queue, records StatusMarker) *Handler {
	return &Handler{policy: policy, queue: q, records: records}
}

// Policy returns the handler's policy.
func (h *Handler) Policy() Policy {
	return h.policy
}

// OnFailure records a failed attempt for item. The retry counter is always
// incremented; the record is marked as errored in both cases.
func (h *Handler) OnFailure(ctx context.Context, item *queue.Item, reason string) (Action, error) {
	action := h.policy.Decide(item)

	msg := reason
	if action == ActionDeadLetter {
		msg = h.policy.PermanentFailureMessage(reason)
	}

	updated, err := h.queue.IncrementRetry(ctx, item.ID, msg)
	if err != nil {
		return action, errors.Wrap(errors.CodeOf(err), "failed to record sync failure", err)
	}

	if err := h.records.MarkSyncError(ctx, item.RecordID); err != nil {
		return action, err
	}

	fields := map[string]interface{}{
		"item_id":     item.ID,
		"record_id":   item.RecordID,
		"operation":   item.Operation,
		"retry_count": updated.RetryCount,
		"reason":      reason,
	}
	if action == ActionDeadLetter {
		logging.ErrorWithCode("Sync item dead-lettered", string(errors.ErrSyncDeadLetter), nil, fields)
	} else {
		logging.Warn("Sync item failed, will retry", fields)
	}
	return action, nil
}
