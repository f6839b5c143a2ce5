// Package sync reconciles locally queued task mutations with a remote
// authority. One round drains the operation queue, dispatches it in
// sequential batches, and applies every per-item outcome.
package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kimhsiao/tasksync/internal/errors"
	"github.com/kimhsiao/tasksync/internal/logging"
	"github.com/kimhsiao/tasksync/internal/models"
	"github.com/kimhsiao/tasksync/internal/sync/batch"
	"github.com/kimhsiao/tasksync/internal/sync/conflict"
	"github.com/kimhsiao/tasksync/internal/sync/queue"
	"github.com/kimhsiao/tasksync/internal/sync/remote"
	"github.com/kimhsiao/tasksync/internal/sync/retry"
)

// State is the position of the engine in the round state machine.
type State string

const (
	StateIdle        State = "idle"
	StateDraining    State = "draining"
	StateDispatching State = "dispatching"
	StateApplying    State = "applying"
	StateDone        State = "done"
)

const (
	// DefaultHealthTimeout bounds a connectivity probe.
	DefaultHealthTimeout = 5 * time.Second

	maxErrorHistory = 100
)

// ErrSyncInProgress is returned when a round is requested while one runs.
var ErrSyncInProgress = errors.New(errors.ErrSyncInProgress, "sync already in progress")

// EngineConfig carries the tunables of the orchestrator.
type EngineConfig struct {
	BatchSize     int
	MaxRetries    int
	HealthTimeout time.Duration
}

// DefaultEngineConfig returns the default tunables.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		BatchSize:     batch.DefaultSize,
		MaxRetries:    queue.DefaultMaxRetries,
		HealthTimeout: DefaultHealthTimeout,
	}
}

// Validate rejects unusable settings.
func (c EngineConfig) Validate() error {
	switch {
	case c.BatchSize <= 0:
		return errors.Newf(errors.ErrConfigInvalid, "batch size must be positive, got %d", c.BatchSize)
	case c.MaxRetries <= 0:
		return errors.Newf(errors.ErrConfigInvalid, "max retries must be positive, got %d", c.MaxRetries)
	case c.HealthTimeout <= 0:
		return errors.Newf(errors.ErrConfigInvalid, "health timeout must be positive, got %s", c.HealthTimeout)
	}
	return nil
}

// RecordStore is the part of the task store the engine writes to.
//
// MarkSynced and ApplyResolved report whether the record ended up synced.
// A record edited after the acknowledged snapshot stays pending.
type RecordStore interface {
	GetTask(ctx context.Context, id string) (*models.Task, error)
	MarkSynced(ctx context.Context, ack models.SyncAck) (bool, error)
	MarkSyncError(ctx context.Context, id string) error
	ApplyResolved(ctx context.Context, winner *models.Task, ack models.SyncAck) (bool, error)
	CreateConflictLog(ctx context.Context, entry *models.ConflictLog) error
	LastSyncAt(ctx context.Context) (*time.Time, error)
	SetLastSyncAt(ctx context.Context, at time.Time) error
}

// RoundResult summarizes one sync round.
type RoundResult struct {
	Success      bool             `json:"success" yaml:"success"`
	SyncedItems  int              `json:"synced_items" yaml:"synced_items"`
	FailedItems  int              `json:"failed_items" yaml:"failed_items"`
	Conflicts    int              `json:"conflicts" yaml:"conflicts"`
	DeadLettered int              `json:"dead_lettered" yaml:"dead_lettered"`
	Batches      int              `json:"batches" yaml:"batches"`
	Errors       []SyncErrorEntry `json:"errors" yaml:"errors"`
	StartedAt    time.Time        `json:"started_at" yaml:"started_at"`
	CompletedAt  time.Time        `json:"completed_at" yaml:"completed_at"`
	Duration     time.Duration    `json:"duration" yaml:"duration"`
}

// SyncStatusReport answers a status query.
type SyncStatusReport struct {
	PendingCount    int        `json:"pending_count" yaml:"pending_count"`
	DeadLetterCount int        `json:"dead_letter_count" yaml:"dead_letter_count"`
	LastSyncAt      *time.Time `json:"last_sync_at,omitempty" yaml:"last_sync_at,omitempty"`
	IsOnline        bool       `json:"is_online" yaml:"is_online"`
	State           State      `json:"state" yaml:"state"`
	LastError       string     `json:"last_error,omitempty" yaml:"last_error,omitempty"`
}

// Engine is the sync orchestrator.
type Engine struct {
	cfg      EngineConfig
	queue    queue.Queue
	records  RecordStore
	client   remote.Client
	resolver *conflict.Resolver
	retry    *retry.Handler
	now      func() time.Time

	// round admits one RunSyncRound at a time.
	round sync.Mutex

	mu           sync.RWMutex
	state        State
	lastSync     *time.Time
	lastErr      error
	online       bool
	handler      SyncEventHandler
	errorHistory []SyncErrorEntry
}

// NewEngine creates an Engine. A nil resolver defaults to last-write-wins.
func NewEngine(cfg EngineConfig, q queue.Queue, records RecordStore, client remote.Client, resolver *conflict.Resolver) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if q == nil || records == nil || client == nil {
		return nil, errors.New(errors.ErrConfigInvalid, "engine requires a queue, a record store and a remote client")
	}
	if resolver == nil {
		resolver = conflict.NewResolver(conflict.ResolutionStrategyLastWriteWins)
	}

	return &Engine{
		cfg:          cfg,
		queue:        q,
		records:      records,
		client:       client,
		resolver:     resolver,
		retry:        retry.NewHandler(retry.Policy{MaxRetries: cfg.MaxRetries}, q, records),
		now:          time.Now,
		state:        StateIdle,
		errorHistory: make([]SyncErrorEntry, 0),
	}, nil
}

// Config returns the engine configuration.
func (e *Engine) Config() EngineConfig {
	return e.cfg
}

// State returns the current round state.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// LastSync returns the completion time of the last round this engine
// finished. GetSyncStatus also reports rounds of earlier processes.
func (e *Engine) LastSync() *time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.lastSync == nil {
		return nil
	}
	t := *e.lastSync
	return &t
}

// LastError returns the last sync error.
func (e *Engine) LastError() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastErr
}

// IsOnline returns the result of the last connectivity probe.
func (e *Engine) IsOnline() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.online
}

// SetEventHandler sets the event handler for sync notifications.
func (e *Engine) SetEventHandler(handler SyncEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = handler
}

func (e *Engine) emitEvent(event SyncEvent) {
	e.mu.RLock()
	handler := e.handler
	e.mu.RUnlock()

	if handler == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = e.now()
	}
	handler.OnSyncEvent(event)
}

// GetErrorHistory returns a copy of recent sync errors, oldest first.
func (e *Engine) GetErrorHistory() []SyncErrorEntry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	history := make([]SyncErrorEntry, len(e.errorHistory))
	copy(history, e.errorHistory)
	return history
}

// ClearErrorHistory drops all recorded errors.
func (e *Engine) ClearErrorHistory() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errorHistory = make([]SyncErrorEntry, 0)
}

func (e *Engine) recordError(entry SyncErrorEntry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errorHistory = append(e.errorHistory, entry)
	if over := len(e.errorHistory) - maxErrorHistory; over > 0 {
		e.errorHistory = append([]SyncErrorEntry(nil), e.errorHistory[over:]...)
	}
}

// CheckConnectivity pings the remote authority, bounded by HealthTimeout.
func (e *Engine) CheckConnectivity(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, e.cfg.HealthTimeout)
	defer cancel()

	err := e.client.Ping(pctx)
	online := err == nil

	e.mu.Lock()
	changed := e.online != online
	e.online = online
	e.mu.Unlock()

	if changed {
		fields := map[string]interface{}{"online": online}
		if err != nil {
			fields["error"] = err.Error()
		}
		logging.Info("Connectivity changed", fields)
		e.emitEvent(SyncEvent{Type: SyncEventConnectivity, Online: &online})
	}
	return online
}

// GetSyncStatus reports the pending count, last sync time and last probe.
func (e *Engine) GetSyncStatus(ctx context.Context) (*SyncStatusReport, error) {
	pending, err := e.queue.Count(ctx, e.cfg.MaxRetries)
	if err != nil {
		return nil, err
	}
	dead, err := e.queue.ListDeadLettered(ctx, e.cfg.MaxRetries)
	if err != nil {
		return nil, err
	}

	last := e.LastSync()
	if last == nil {
		if last, err = e.records.LastSyncAt(ctx); err != nil {
			return nil, err
		}
	}

	report := &SyncStatusReport{
		PendingCount:    pending,
		DeadLetterCount: len(dead),
		LastSyncAt:      last,
		IsOnline:        e.IsOnline(),
		State:           e.State(),
	}
	if lastErr := e.LastError(); lastErr != nil {
		report.LastError = lastErr.Error()
	}
	return report, nil
}

// DeadLettered lists items that exhausted their retries.
func (e *Engine) DeadLettered(ctx context.Context) ([]*queue.Item, error) {
	return e.queue.ListDeadLettered(ctx, e.cfg.MaxRetries)
}

// Requeue resets a dead-lettered item so the next round dispatches it.
func (e *Engine) Requeue(ctx context.Context, itemID string) (*queue.Item, error) {
	return e.queue.Requeue(ctx, itemID)
}

// =====================================================
// Sync round
// =====================================================

// RunSyncRound executes one round: Draining, Dispatching, Applying, Done.
//
// Ordinary failures are reported in the result with Success false. An
// error is returned only when the round could not start: another round is
// running, or the queue could not be read at all.
func (e *Engine) RunSyncRound(ctx context.Context) (*RoundResult, error) {
	if !e.round.TryLock() {
		return nil, ErrSyncInProgress
	}
	defer e.round.Unlock()

	result := &RoundResult{
		StartedAt: e.now(),
		Errors:    make([]SyncErrorEntry, 0),
	}
	defer func() {
		result.CompletedAt = e.now()
		result.Duration = result.CompletedAt.Sub(result.StartedAt)
		e.setState(StateDone)
	}()

	// Bookkeeping writes outlive a cancelled caller so each item's outcome
	// is recorded once its dispatch has returned.
	store := context.WithoutCancel(ctx)

	e.setState(StateDraining)
	e.emitEvent(SyncEvent{Type: SyncEventStarted})

	items, err := batch.Collect(e.queue.ListPending(ctx, e.cfg.MaxRetries))
	if err != nil {
		roundErr := errors.Wrap(errors.ErrSyncFailed, "failed to read sync queue", err)
		entry := SyncErrorEntry{
			Operation: "drain",
			Message:   roundErr.Error(),
			Timestamp: e.now(),
		}
		result.Errors = append(result.Errors, entry)
		e.recordError(entry)

		e.mu.Lock()
		e.lastErr = roundErr
		e.mu.Unlock()

		logging.ErrorWithCode("Sync round aborted", string(errors.ErrSyncFailed), err)
		e.emitEvent(SyncEvent{Type: SyncEventFailed, Message: roundErr.Error(), Result: result})
		return result, roundErr
	}

	if len(items) == 0 {
		result.Success = true
		e.finishRound(store, result)
		return result, nil
	}

	batches, err := batch.Split(items, e.cfg.BatchSize)
	if err != nil {
		// Unreachable with a validated config.
		return result, err
	}
	result.Batches = len(batches)

	logging.Info("Sync round started", map[string]interface{}{
		"items":   len(items),
		"batches": len(batches),
	})

	for i, b := range batches {
		e.setState(StateDispatching)
		out, err := e.client.Dispatch(ctx, toRequests(b))
		e.emitEvent(SyncEvent{Type: SyncEventBatchDispatched, Batch: i + 1, Batches: len(batches)})

		if err != nil {
			logging.Warn("Batch dispatch failed", map[string]interface{}{
				"batch": i + 1,
				"items": len(b),
				"error": err.Error(),
			})
			for _, item := range b {
				e.fail(store, result, item, "batch dispatch failed: "+err.Error())
			}
			continue
		}

		e.setState(StateApplying)
		e.applyBatch(store, result, b, out.Outcomes)
	}

	result.Success = result.FailedItems == 0
	e.finishRound(store, result)
	return result, nil
}

func (e *Engine) finishRound(ctx context.Context, result *RoundResult) {
	completed := e.now()
	if err := e.records.SetLastSyncAt(ctx, completed); err != nil {
		logging.Warn("Failed to persist last sync time", map[string]interface{}{
			"error": err.Error(),
		})
	}

	e.mu.Lock()
	e.lastSync = &completed
	if result.Success {
		e.lastErr = nil
	} else {
		e.lastErr = errors.Newf(errors.ErrSyncFailed, "%d of %d items failed",
			result.FailedItems, result.FailedItems+result.SyncedItems)
	}
	e.mu.Unlock()

	logging.Info("Sync round completed", map[string]interface{}{
		"success":       result.Success,
		"synced":        result.SyncedItems,
		"failed":        result.FailedItems,
		"conflicts":     result.Conflicts,
		"dead_lettered": result.DeadLettered,
		"batches":       result.Batches,
	})
	e.emitEvent(SyncEvent{Type: SyncEventCompleted, Result: result})
}

func toRequests(items []*queue.Item) []remote.Request {
	reqs := make([]remote.Request, len(items))
	for i, item := range items {
		reqs[i] = remote.Request{
			CorrelationID: item.RecordID,
			QueueItemID:   item.ID,
			Operation:     item.Operation,
			Data:          item.Data,
		}
	}
	return reqs
}

// matchOutcomes pairs outcomes with the batch items they answer. An outcome
// echoing a queue item id matches that item; otherwise it takes the oldest
// unmatched item with the same correlation id. The result is indexed like
// items; nil means no outcome was returned for that item.
func matchOutcomes(items []*queue.Item, outcomes []remote.Outcome) []*remote.Outcome {
	matched := make([]*remote.Outcome, len(items))
	byID := make(map[string]int, len(items))
	byRecord := make(map[string][]int, len(items))
	for i, item := range items {
		byID[item.ID] = i
		byRecord[item.RecordID] = append(byRecord[item.RecordID], i)
	}

	for k := range outcomes {
		o := &outcomes[k]
		idx := -1
		if o.QueueItemID != "" {
			if i, ok := byID[o.QueueItemID]; ok && items[i].RecordID == o.CorrelationID && matched[i] == nil {
				idx = i
			}
		} else {
			for _, i := range byRecord[o.CorrelationID] {
				if matched[i] == nil {
					idx = i
					break
				}
			}
		}

		if idx < 0 {
			logging.Warn("Ignoring unmatched sync outcome", map[string]interface{}{
				"correlation_id": o.CorrelationID,
				"queue_item_id":  o.QueueItemID,
				"status":         o.Status,
			})
			continue
		}
		matched[idx] = o
	}
	return matched
}

// applyBatch applies outcomes in batch order, so items of one record are
// applied in the order they were queued.
func (e *Engine) applyBatch(ctx context.Context, result *RoundResult, items []*queue.Item, outcomes []remote.Outcome) {
	matched := matchOutcomes(items, outcomes)
	for i, item := range items {
		o := matched[i]
		switch {
		case o == nil:
			e.fail(ctx, result, item, "no outcome returned")
		case o.Status == remote.StatusSuccess:
			e.applySuccess(ctx, result, item, o)
		case o.Status == remote.StatusConflict:
			e.applyConflict(ctx, result, item, o)
		case o.Status == remote.StatusFailure:
			reason := o.Error
			if reason == "" {
				reason = "rejected by remote"
			}
			e.fail(ctx, result, item, reason)
		default:
			e.fail(ctx, result, item, fmt.Sprintf("unknown outcome status %q", o.Status))
		}
	}
}

// ack builds the acknowledgement of item for the record store.
func (e *Engine) ack(item *queue.Item, version int64, serverID string) models.SyncAck {
	return models.SyncAck{
		RecordID:    item.RecordID,
		QueueItemID: item.ID,
		ServerID:    serverID,
		At:          models.NowMillis(),
		Version:     version,
		MaxRetries:  e.cfg.MaxRetries,
	}
}

func (e *Engine) applySuccess(ctx context.Context, result *RoundResult, item *queue.Item, o *remote.Outcome) {
	snapshot, err := item.Task()
	if err != nil {
		e.fail(ctx, result, item, "invalid queued snapshot: "+err.Error())
		return
	}
	synced, err := e.records.MarkSynced(ctx, e.ack(item, snapshot.UpdatedAt, o.ServerID))
	if err != nil {
		e.fail(ctx, result, item, "failed to apply outcome: "+err.Error())
		return
	}
	if !e.complete(ctx, result, item) {
		return
	}

	result.SyncedItems++
	event := SyncEvent{
		Type:      SyncEventItemSynced,
		RecordID:  item.RecordID,
		Operation: string(item.Operation),
	}
	if !synced {
		event.Message = "newer local change still pending"
	}
	e.emitEvent(event)
}

func (e *Engine) applyConflict(ctx context.Context, result *RoundResult, item *queue.Item, o *remote.Outcome) {
	if len(o.ResolvedData) == 0 {
		e.fail(ctx, result, item, "conflict without resolved data")
		return
	}
	remoteTask, err := models.TaskFromSnapshot(o.ResolvedData)
	if err != nil {
		e.fail(ctx, result, item, "invalid resolved data: "+err.Error())
		return
	}
	localTask, err := item.Task()
	if err != nil {
		e.fail(ctx, result, item, "invalid queued snapshot: "+err.Error())
		return
	}
	if localTask.ID == "" {
		localTask.ID = models.UUID(item.RecordID)
	}

	remoteOp := models.OperationUpdate
	if remoteTask.IsDeleted {
		remoteOp = models.OperationDelete
	}
	res, err := e.resolver.ResolveConflict(&conflict.Conflict{
		Local:           localTask,
		Remote:          remoteTask,
		LocalOperation:  item.Operation,
		RemoteOperation: remoteOp,
	})
	if err != nil {
		e.fail(ctx, result, item, "conflict resolution failed: "+err.Error())
		return
	}

	// The winner only replaces a record that has not moved past it locally.
	synced, err := e.records.ApplyResolved(ctx, res.Winner, e.ack(item, localTask.UpdatedAt, o.ServerID))
	if err != nil {
		e.fail(ctx, result, item, "failed to apply resolved version: "+err.Error())
		return
	}
	if err := e.records.CreateConflictLog(ctx, res.ConflictLog); err != nil {
		logging.Warn("Failed to write conflict log", map[string]interface{}{
			"record_id": item.RecordID,
			"error":     err.Error(),
		})
	}
	if !e.complete(ctx, result, item) {
		return
	}

	result.SyncedItems++
	result.Conflicts++
	msg := fmt.Sprintf("%s version kept", res.Side)
	if !synced {
		msg += "; newer local change still pending"
	}
	e.emitEvent(SyncEvent{
		Type:      SyncEventConflict,
		RecordID:  item.RecordID,
		Operation: string(item.Operation),
		Message:   msg,
	})
}

// complete removes an applied item. A failed removal leaves the item for
// the next round; re-sending an applied mutation is harmless.
func (e *Engine) complete(ctx context.Context, result *RoundResult, item *queue.Item) bool {
	if err := e.queue.Remove(ctx, item.ID); err != nil {
		result.FailedItems++
		e.addError(result, item, "failed to remove applied item: "+err.Error())
		return false
	}
	return true
}

// fail routes an item through the retry policy and records the error.
func (e *Engine) fail(ctx context.Context, result *RoundResult, item *queue.Item, reason string) {
	result.FailedItems++

	action, err := e.retry.OnFailure(ctx, item, reason)
	msg := reason
	if err != nil {
		msg = fmt.Sprintf("%s (retry bookkeeping failed: %v)", reason, err)
		logging.ErrorWithCode("Failed to record sync failure", string(errors.CodeOf(err)), err,
			map[string]interface{}{"item_id": item.ID, "record_id": item.RecordID})
	} else if action == retry.ActionDeadLetter {
		result.DeadLettered++
		msg = e.retry.Policy().PermanentFailureMessage(reason)
	}

	e.addError(result, item, msg)
	e.emitEvent(SyncEvent{
		Type:      SyncEventItemFailed,
		RecordID:  item.RecordID,
		Operation: string(item.Operation),
		Message:   msg,
	})
}

func (e *Engine) addError(result *RoundResult, item *queue.Item, msg string) {
	entry := SyncErrorEntry{
		RecordID:    item.RecordID,
		QueueItemID: item.ID,
		Operation:   string(item.Operation),
		Message:     msg,
		Timestamp:   e.now(),
	}
	result.Errors = append(result.Errors, entry)
	e.recordError(entry)
}
