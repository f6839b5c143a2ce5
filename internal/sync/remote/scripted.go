package remote

import (
	"context"
	"sync"
)

// ScriptedClient is a programmable Client for tests. Each call consumes the
// next queued batch error, if any; otherwise every request gets its scripted
// outcome, or success with server id "srv-<correlation id>".
type ScriptedClient struct {
	mu         sync.Mutex
	batchErrs  []error
	outcomes   map[string]Outcome
	omitted    map[string]bool
	extra      []Outcome
	pingErr    error
	calls      [][]Request
	onDispatch func(call int)
}

// NewScriptedClient creates a client that succeeds by default.
func NewScriptedClient() *ScriptedClient {
	return &ScriptedClient{
		outcomes: make(map[string]Outcome),
		omitted:  make(map[string]bool),
	}
}

// FailNextBatch makes the next Dispatch call fail as a whole.
// Calls accumulate; nil entries let a call through.
func (c *ScriptedClient) FailNextBatch(err error) *ScriptedClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batchErrs = append(c.batchErrs, err)
	return c
}

// SetOutcome scripts the outcome for a correlation id on every call.
func (c *ScriptedClient) SetOutcome(correlationID string, o Outcome) *ScriptedClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	o.CorrelationID = correlationID
	c.outcomes[correlationID] = o
	return c
}

// Omit drops the outcome for a correlation id from every response.
func (c *ScriptedClient) Omit(correlationID string) *ScriptedClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.omitted[correlationID] = true
	return c
}

// AddUnmatched appends an outcome no request asked for to every response.
func (c *ScriptedClient) AddUnmatched(o Outcome) *ScriptedClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.extra = append(c.extra, o)
	return c
}

// SetPingError controls the Ping result.
func (c *ScriptedClient) SetPingError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pingErr = err
}

// OnDispatch registers a hook run at the start of every Dispatch with the
// zero-based call index. The hook runs without the client lock held.
func (c *ScriptedClient) OnDispatch(fn func(call int)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDispatch = fn
}

// Calls returns a copy of every dispatched batch, in order.
func (c *ScriptedClient) Calls() [][]Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]Request, len(c.calls))
	for i, batch := range c.calls {
		out[i] = append([]Request(nil), batch...)
	}
	return out
}

// Dispatch answers from the script.
func (c *ScriptedClient) Dispatch(ctx context.Context, batch []Request) (*BatchOutcome, error) {
	c.mu.Lock()
	call := len(c.calls)
	c.calls = append(c.calls, append([]Request(nil), batch...))
	hook := c.onDispatch
	c.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.batchErrs) > 0 {
		err := c.batchErrs[0]
		c.batchErrs = c.batchErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	out := &BatchOutcome{Outcomes: make([]Outcome, 0, len(batch)+len(c.extra))}
	for _, req := range batch {
		if c.omitted[req.CorrelationID] {
			continue
		}
		if o, ok := c.outcomes[req.CorrelationID]; ok {
			o.QueueItemID = req.QueueItemID
			out.Outcomes = append(out.Outcomes, o)
			continue
		}
		out.Outcomes = append(out.Outcomes, Success(req, "srv-"+req.CorrelationID))
	}
	out.Outcomes = append(out.Outcomes, c.extra...)
	return out, nil
}

// Ping returns the scripted ping error.
func (c *ScriptedClient) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pingErr
}

var _ Client = (*ScriptedClient)(nil)
