// Package remote defines the contract between the sync engine and the
// remote authority, plus the transports that implement it.
//
// A Client dispatches one batch and reports one Outcome per request. A
// returned error means the whole exchange failed and no outcome can be
// trusted. Clients never retry; retry policy belongs to the engine.
package remote

import (
	"context"
	"encoding/json"

	"github.com/kimhsiao/tasksync/internal/models"
)

// Status is the per-item result reported by the remote authority.
type Status string

const (
	StatusSuccess  Status = "success"
	StatusConflict Status = "conflict"
	StatusFailure  Status = "failure"
)

// Request is one queued mutation sent to the remote authority.
type Request struct {
	// CorrelationID is the record id; the authority echoes it back.
	CorrelationID string           `json:"correlation_id"`
	QueueItemID   string           `json:"queue_item_id"`
	Operation     models.Operation `json:"operation"`
	Data          json.RawMessage  `json:"data"`
}

// Outcome is the authority's answer for one Request.
type Outcome struct {
	CorrelationID string          `json:"correlation_id"`
	QueueItemID   string          `json:"queue_item_id,omitempty"`
	Status        Status          `json:"status"`
	ServerID      string          `json:"server_id,omitempty"`
	ResolvedData  json.RawMessage `json:"resolved_data,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// BatchRequest is the wire envelope for a dispatched batch.
type BatchRequest struct {
	Items []Request `json:"items"`
}

// BatchOutcome holds the outcomes for one dispatched batch.
type BatchOutcome struct {
	Outcomes []Outcome `json:"outcomes"`
}

// Client dispatches batches to a remote authority.
type Client interface {
	// Dispatch sends one batch. A non-nil error is a whole-batch failure.
	Dispatch(ctx context.Context, batch []Request) (*BatchOutcome, error)

	// Ping reports whether the remote authority is reachable.
	Ping(ctx context.Context) error
}

// Success builds a success outcome.
func Success(req Request, serverID string) Outcome {
	return Outcome{
		CorrelationID: req.CorrelationID,
		QueueItemID:   req.QueueItemID,
		Status:        StatusSuccess,
		ServerID:      serverID,
	}
}

// Conflict builds a conflict outcome carrying the authority's version.
func Conflict(req Request, resolved json.RawMessage) Outcome {
	return Outcome{
		CorrelationID: req.CorrelationID,
		QueueItemID:   req.QueueItemID,
		Status:        StatusConflict,
		ResolvedData:  resolved,
	}
}

// Failure builds a failure outcome.
func Failure(req Request, reason string) Outcome {
	return Outcome{
		CorrelationID: req.CorrelationID,
		QueueItemID:   req.QueueItemID,
		Status:        StatusFailure,
		Error:         reason,
	}
}
