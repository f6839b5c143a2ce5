// Package server implements a simulated remote authority. It accepts every
// mutation unless the incoming version is older than the one it already
// holds, in which case it answers with a conflict carrying its own copy.
package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/kimhsiao/tasksync/internal/logging"
	"github.com/kimhsiao/tasksync/internal/models"
	"github.com/kimhsiao/tasksync/internal/sync/remote"
	"github.com/kimhsiao/tasksync/internal/uuid"
)

const maxBatchBody = 16 << 20

type record struct {
	serverID string
	task     models.Task
}

// Authority is an in-memory remote authority.
type Authority struct {
	mu      sync.RWMutex
	records map[string]*record
	down    atomic.Bool

	upgrader websocket.Upgrader
}

// NewAuthority creates an empty authority.
func NewAuthority() *Authority {
	return &Authority{
		records: make(map[string]*record),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// SetDown makes every endpoint answer 503 until cleared.
func (a *Authority) SetDown(down bool) {
	a.down.Store(down)
}

// Seed stores a version as if it had been accepted earlier.
func (a *Authority) Seed(task *models.Task) string {
	a.mu.Lock()
	defer a.mu.Unlock()

	id := string(task.ID)
	rec, ok := a.records[id]
	if !ok {
		rec = &record{serverID: uuid.NewServerID()}
		a.records[id] = rec
	}
	rec.task = *task
	return rec.serverID
}

// Lookup returns the stored version of a record.
func (a *Authority) Lookup(recordID string) (*models.Task, string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	rec, ok := a.records[recordID]
	if !ok {
		return nil, "", false
	}
	task := rec.task
	return &task, rec.serverID, true
}

// Len returns the number of records held.
func (a *Authority) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.records)
}

// Apply decides the outcome of a single request.
func (a *Authority) Apply(req remote.Request) remote.Outcome {
	if _, err := models.ParseOperation(string(req.Operation)); err != nil {
		return remote.Failure(req, err.Error())
	}
	incoming, err := models.TaskFromSnapshot(req.Data)
	if err != nil {
		return remote.Failure(req, "invalid snapshot: "+err.Error())
	}
	if incoming.ID == "" {
		incoming.ID = models.UUID(req.CorrelationID)
	}
	if string(incoming.ID) != req.CorrelationID {
		return remote.Failure(req, "snapshot id does not match correlation id")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	rec, ok := a.records[req.CorrelationID]
	if ok && incoming.UpdatedAt < rec.task.UpdatedAt {
		held, err := json.Marshal(rec.task)
		if err != nil {
			return remote.Failure(req, "failed to encode stored version")
		}
		logging.Info("Authority reported conflict", map[string]interface{}{
			"record_id":        req.CorrelationID,
			"incoming_updated": incoming.UpdatedAt,
			"stored_updated":   rec.task.UpdatedAt,
		})
		return remote.Conflict(req, held)
	}

	if !ok {
		rec = &record{serverID: uuid.NewServerID()}
		a.records[req.CorrelationID] = rec
	}
	rec.task = *incoming
	if req.Operation == models.OperationDelete {
		rec.task.IsDeleted = true
	}
	return remote.Success(req, rec.serverID)
}

// ProcessBatch applies every request in order.
func (a *Authority) ProcessBatch(items []remote.Request) []remote.Outcome {
	outcomes := make([]remote.Outcome, 0, len(items))
	for _, req := range items {
		outcomes = append(outcomes, a.Apply(req))
	}
	return outcomes
}

// Handler returns the HTTP surface: health, batch and websocket endpoints.
func (a *Authority) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+remote.HealthPath, a.handleHealth)
	mux.HandleFunc("POST "+remote.BatchPath, a.handleBatch)
	mux.HandleFunc("GET "+remote.WebSocketPath, a.handleWebSocket)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *Authority) unavailable(w http.ResponseWriter) bool {
	if !a.down.Load() {
		return false
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "authority unavailable"})
	return true
}

func (a *Authority) handleHealth(w http.ResponseWriter, r *http.Request) {
	if a.unavailable(w) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *Authority) handleBatch(w http.ResponseWriter, r *http.Request) {
	if a.unavailable(w) {
		return
	}

	var req remote.BatchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBatchBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid batch: " + err.Error()})
		return
	}

	outcomes := a.ProcessBatch(req.Items)
	logging.Debug("Authority processed batch", map[string]interface{}{
		"items": len(req.Items),
	})
	writeJSON(w, http.StatusOK, remote.BatchOutcome{Outcomes: outcomes})
}

func (a *Authority) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if a.unavailable(w) {
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("Websocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}
	defer conn.Close()

	for {
		var msg remote.WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.Debug("Websocket read ended", map[string]interface{}{"error": err.Error()})
			}
			return
		}

		reply := remote.WSMessage{ID: msg.ID}
		switch {
		case a.down.Load():
			reply.Type = remote.MessageOutcome
			reply.Error = "authority unavailable"
		case msg.Type == remote.MessagePing:
			reply.Type = remote.MessagePong
		case msg.Type == remote.MessageBatch:
			reply.Type = remote.MessageOutcome
			reply.Outcomes = a.ProcessBatch(msg.Items)
		default:
			reply.Type = remote.MessageOutcome
			reply.Error = "unknown message type: " + msg.Type
		}

		if err := conn.WriteJSON(reply); err != nil {
			logging.Debug("Websocket write failed", map[string]interface{}{"error": err.Error()})
			return
		}
	}
}
