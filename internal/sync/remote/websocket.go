package remote

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kimhsiao/tasksync/internal/errors"
	"github.com/kimhsiao/tasksync/internal/logging"
	"github.com/kimhsiao/tasksync/internal/uuid"
)

// WebSocket message types.
const (
	MessageBatch   = "batch"
	MessageOutcome = "outcome"
	MessagePing    = "ping"
	MessagePong    = "pong"
)

// WSMessage is the envelope exchanged over the streaming transport.
// Responses carry the ID of the request they answer.
type WSMessage struct {
	ID       string    `json:"id"`
	Type     string    `json:"type"`
	Items    []Request `json:"items,omitempty"`
	Outcomes []Outcome `json:"outcomes,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// WSClient keeps one websocket to the remote authority and exchanges
// request/response pairs over it. Exchanges are serialized.
type WSClient struct {
	URL     string
	Dialer  *websocket.Dialer
	Timeout time.Duration

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWSClient creates a client for an http(s) or ws(s) endpoint.
func NewWSClient(endpoint string, timeout time.Duration) *WSClient {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &WSClient{
		URL:     websocketURL(endpoint),
		Dialer:  websocket.DefaultDialer,
		Timeout: timeout,
	}
}

func websocketURL(endpoint string) string {
	u := strings.TrimRight(endpoint, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	if !strings.HasSuffix(u, WebSocketPath) {
		u += WebSocketPath
	}
	return u
}

// connectLocked dials if there is no live connection. Caller holds mu.
func (c *WSClient) connectLocked(ctx context.Context) (*websocket.Conn, error) {
	if c.conn != nil {
		return c.conn, nil
	}
	conn, resp, err := c.Dialer.DialContext(ctx, c.URL, http.Header{})
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrTransport, "websocket dial failed", err)
	}
	c.conn = conn
	logging.Debug("Websocket connected", map[string]interface{}{"url": c.URL})
	return conn, nil
}

// dropLocked discards a connection after an error so the next call redials.
func (c *WSClient) dropLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// exchange writes msg and waits for the response with the same ID.
func (c *WSClient) exchange(ctx context.Context, msg WSMessage) (*WSMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := c.connectLocked(ctx)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(c.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.SetReadDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	if err := conn.WriteJSON(msg); err != nil {
		c.dropLocked()
		return nil, errors.Wrap(errors.ErrTransport, "websocket write failed", err)
	}

	for {
		var resp WSMessage
		if err := conn.ReadJSON(&resp); err != nil {
			c.dropLocked()
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, errors.Wrap(errors.ErrTransport, "websocket exchange cancelled", ctxErr)
			}
			return nil, errors.Wrap(errors.ErrTransport, "websocket read failed", err)
		}
		// Late replies to abandoned exchanges are skipped.
		if resp.ID == msg.ID {
			return &resp, nil
		}
	}
}

// Dispatch sends one batch and waits for its outcomes.
func (c *WSClient) Dispatch(ctx context.Context, batch []Request) (*BatchOutcome, error) {
	resp, err := c.exchange(ctx, WSMessage{ID: uuid.New(), Type: MessageBatch, Items: batch})
	if err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, errors.New(errors.ErrTransport, "batch rejected: "+resp.Error)
	}
	return &BatchOutcome{Outcomes: resp.Outcomes}, nil
}

// Ping performs an application-level ping/pong round trip.
func (c *WSClient) Ping(ctx context.Context) error {
	resp, err := c.exchange(ctx, WSMessage{ID: uuid.New(), Type: MessagePing})
	if err != nil {
		return err
	}
	if resp.Type != MessagePong {
		return errors.New(errors.ErrTransport, "unexpected ping reply: "+resp.Type)
	}
	return nil
}

// Close closes the underlying connection, if any.
func (c *WSClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := c.conn.Close()
	c.conn = nil
	return err
}

var _ Client = (*WSClient)(nil)
