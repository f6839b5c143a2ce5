// Package scheduler provides background sync scheduling for offline operations.
// It probes connectivity, runs a round periodically while online, and runs
// one immediately whenever the remote authority becomes reachable again.
package scheduler

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/kimhsiao/tasksync/internal/errors"
	"github.com/kimhsiao/tasksync/internal/logging"
	syncpkg "github.com/kimhsiao/tasksync/internal/sync"
)

// Scheduler manages background sync operations.
type Scheduler struct {
	engine        syncpkg.SyncEngineInterface
	syncInterval  time.Duration
	probeInterval time.Duration
	roundTimeout  time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu             sync.RWMutex
	isRunning      bool
	isOnline       bool
	lastSyncTime   time.Time
	lastResult     *syncpkg.RoundResult
	syncInProgress bool
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval  time.Duration // How often to sync when online (default: 15 minutes)
	ProbeInterval time.Duration // How often to probe connectivity (default: 1 minute)
	RoundTimeout  time.Duration // Upper bound for one scheduled round (default: 5 minutes)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval:  15 * time.Minute,
		ProbeInterval: 1 * time.Minute,
		RoundTimeout:  5 * time.Minute,
	}
}

// NewScheduler creates a new Scheduler.
func NewScheduler(engine syncpkg.SyncEngineInterface, config *SchedulerConfig) *Scheduler {
	defaults := DefaultSchedulerConfig()
	if config == nil {
		config = defaults
	}
	s := &Scheduler{
		engine:        engine,
		syncInterval:  config.SyncInterval,
		probeInterval: config.ProbeInterval,
		roundTimeout:  config.RoundTimeout,
	}
	if s.syncInterval <= 0 {
		s.syncInterval = defaults.SyncInterval
	}
	if s.probeInterval <= 0 {
		s.probeInterval = defaults.ProbeInterval
	}
	if s.roundTimeout <= 0 {
		s.roundTimeout = defaults.RoundTimeout
	}
	return s
}

// Start starts the background sync scheduler.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	s.wg.Add(2)
	go s.periodicSyncLoop(ctx, stopCh)
	go s.connectivityLoop(ctx, stopCh)

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"sync_interval":  s.syncInterval.String(),
		"probe_interval": s.probeInterval.String(),
	})
}

// Stop stops the background sync scheduler gracefully.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopCh)
	s.mu.Unlock()

	// Wait for goroutines to finish
	s.wg.Wait()

	logging.Info("Background sync scheduler stopped", nil)
}

// SetOnlineStatus records reachability. Going from offline to online
// triggers an immediate round.
func (s *Scheduler) SetOnlineStatus(ctx context.Context, isOnline bool) {
	s.mu.Lock()
	wasOnline := s.isOnline
	s.isOnline = isOnline
	running := s.isRunning
	s.mu.Unlock()

	if wasOnline == isOnline {
		return
	}
	logging.Info("Online status changed",
		map[string]interface{}{
			"was_online": wasOnline,
			"is_online":  isOnline,
		})

	if isOnline && running {
		s.TriggerSync(ctx)
	}
}

// periodicSyncLoop runs periodic sync when online.
func (s *Scheduler) periodicSyncLoop(ctx context.Context, stopCh <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if !s.IsOnline() {
				continue
			}
			s.runSync(ctx)
		}
	}
}

// connectivityLoop probes the remote authority, immediately and then on
// every tick.
func (s *Scheduler) connectivityLoop(ctx context.Context, stopCh <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.probeInterval)
	defer ticker.Stop()

	for {
		s.SetOnlineStatus(ctx, s.engine.CheckConnectivity(ctx))

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
		}
	}
}

// runSync executes one round and records its outcome.
func (s *Scheduler) runSync(ctx context.Context) (*syncpkg.RoundResult, error) {
	s.mu.Lock()
	if s.syncInProgress {
		s.mu.Unlock()
		logging.Debug("Sync already in progress, skipping", nil)
		return nil, syncpkg.ErrSyncInProgress
	}
	s.syncInProgress = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.syncInProgress = false
		s.mu.Unlock()
	}()

	syncCtx, cancel := context.WithTimeout(ctx, s.roundTimeout)
	defer cancel()

	result, err := s.engine.RunSyncRound(syncCtx)
	if stderrors.Is(err, syncpkg.ErrSyncInProgress) {
		logging.Debug("Engine round already running, skipping", nil)
		return nil, err
	}
	if err != nil {
		logging.ErrorWithCode("Scheduled sync failed", string(errors.ErrSyncFailed), err,
			map[string]interface{}{"interval_minutes": s.syncInterval.Minutes()})
		return result, err
	}

	s.mu.Lock()
	s.lastSyncTime = time.Now()
	s.lastResult = result
	s.mu.Unlock()

	return result, nil
}

// TriggerSync starts a round in the background.
// Returns true if sync was started, false if sync is already in progress.
func (s *Scheduler) TriggerSync(ctx context.Context) bool {
	s.mu.Lock()
	if s.syncInProgress {
		s.mu.Unlock()
		return false
	}
	// Only rounds started while running are waited for by Stop.
	tracked := s.isRunning
	if tracked {
		s.wg.Add(1)
	}
	s.mu.Unlock()

	go func() {
		if tracked {
			defer s.wg.Done()
		}
		_, _ = s.runSync(ctx)
	}()
	return true
}

// SyncNow runs a round and waits for its result.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.RoundResult, error) {
	return s.runSync(ctx)
}

// SchedulerStatus is a snapshot of the scheduler's state.
type SchedulerStatus struct {
	IsRunning      bool                 `json:"is_running"`
	IsOnline       bool                 `json:"is_online"`
	LastSyncTime   *time.Time           `json:"last_sync_time,omitempty"`
	SyncInProgress bool                 `json:"sync_in_progress"`
	LastResult     *syncpkg.RoundResult `json:"last_result,omitempty"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SchedulerStatus{
		IsRunning:      s.isRunning,
		IsOnline:       s.isOnline,
		SyncInProgress: s.syncInProgress,
		LastResult:     s.lastResult,
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	return status
}

// IsOnline returns whether the last probe reached the remote authority.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
