package remote

import (
	"context"
	"sync/atomic"

	"github.com/kimhsiao/tasksync/internal/errors"
	"github.com/kimhsiao/tasksync/internal/logging"
	"github.com/kimhsiao/tasksync/internal/uuid"
)

// SimulatedClient is an in-process authority that accepts every mutation.
// It is used when no endpoint is configured.
type SimulatedClient struct {
	offline atomic.Bool
}

// NewSimulatedClient creates an always-success client.
func NewSimulatedClient() *SimulatedClient {
	return &SimulatedClient{}
}

// SetOnline toggles reachability. While offline every call fails.
func (c *SimulatedClient) SetOnline(online bool) {
	c.offline.Store(!online)
}

// Dispatch accepts every request and assigns a fresh server id.
func (c *SimulatedClient) Dispatch(ctx context.Context, batch []Request) (*BatchOutcome, error) {
	if err := c.Ping(ctx); err != nil {
		return nil, err
	}

	out := &BatchOutcome{Outcomes: make([]Outcome, 0, len(batch))}
	for _, req := range batch {
		out.Outcomes = append(out.Outcomes, Success(req, uuid.NewServerID()))
	}

	logging.Debug("Simulated remote accepted batch", map[string]interface{}{
		"items": len(batch),
	})
	return out, nil
}

// Ping succeeds unless the client was set offline.
func (c *SimulatedClient) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.offline.Load() {
		return errors.New(errors.ErrTransport, "simulated remote is offline")
	}
	return nil
}

var _ Client = (*SimulatedClient)(nil)
