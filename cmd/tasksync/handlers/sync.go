package handlers

import (
	"net/http"
	"strconv"

	"github.com/kimhsiao/tasksync/internal/db"
	"github.com/kimhsiao/tasksync/internal/errors"
	"github.com/kimhsiao/tasksync/internal/sync"
	"github.com/kimhsiao/tasksync/internal/sync/queue"
	"github.com/kimhsiao/tasksync/internal/sync/scheduler"
)

const defaultConflictLimit = 50

// SyncHandler handles sync status and operations.
type SyncHandler struct {
	engine    sync.SyncEngineInterface
	conflicts db.ConflictLogRepository
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(engine sync.SyncEngineInterface, conflicts db.ConflictLogRepository) *SyncHandler {
	return &SyncHandler{engine: engine, conflicts: conflicts}
}

// GetStatus handles GET /api/sync/status
// Returns pending and dead-lettered counts, last sync time and reachability.
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.engine.GetSyncStatus(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// TriggerSync handles POST /api/sync
// Runs one round and returns its result. A round that ran but had failed
// items still answers 200 with success=false.
func (h *SyncHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	result, err := h.engine.RunSyncRound(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GetErrors handles GET /api/sync/errors
func (h *SyncHandler) GetErrors(w http.ResponseWriter, r *http.Request) {
	history := h.engine.GetErrorHistory()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"errors": history,
		"total":  len(history),
	})
}

// ClearErrors handles DELETE /api/sync/errors
func (h *SyncHandler) ClearErrors(w http.ResponseWriter, r *http.Request) {
	h.engine.ClearErrorHistory()
	w.WriteHeader(http.StatusNoContent)
}

// ListDeadLetter handles GET /api/sync/dead-letter
func (h *SyncHandler) ListDeadLetter(w http.ResponseWriter, r *http.Request) {
	items, err := h.engine.DeadLettered(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": queue.Summaries(items),
		"total": len(items),
	})
}

// RequeueDeadLetter handles POST /api/sync/dead-letter/{id}/requeue
func (h *SyncHandler) RequeueDeadLetter(w http.ResponseWriter, r *http.Request) {
	item, err := h.engine.Requeue(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item.Summary())
}

// ListConflicts handles GET /api/sync/conflicts?limit=N
func (h *SyncHandler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	limit := defaultConflictLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, r, errors.Newf(errors.ErrInvalid, "invalid limit %q", raw))
			return
		}
		limit = n
	}

	logs, err := h.conflicts.ListConflictLogs(r.Context(), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": logs,
		"total": len(logs),
	})
}

// SchedulerReporter exposes the background scheduler's state.
type SchedulerReporter interface {
	GetStatus() scheduler.SchedulerStatus
}

// SchedulerStatus handles GET /api/sync/scheduler
func SchedulerStatus(s SchedulerReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.GetStatus())
	}
}
