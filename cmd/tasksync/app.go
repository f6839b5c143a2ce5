package main

import (
	"io"

	"github.com/kimhsiao/tasksync/internal/config"
	"github.com/kimhsiao/tasksync/internal/db"
	"github.com/kimhsiao/tasksync/internal/logging"
	"github.com/kimhsiao/tasksync/internal/services"
	syncpkg "github.com/kimhsiao/tasksync/internal/sync"
	"github.com/kimhsiao/tasksync/internal/sync/conflict"
	"github.com/kimhsiao/tasksync/internal/sync/queue"
	"github.com/kimhsiao/tasksync/internal/sync/remote"
)

// app is the wired local stack shared by the commands.
type app struct {
	cfg      *config.Config
	database *db.DB
	repo     *db.Repository
	queue    queue.Queue
	client   remote.Client
	engine   *syncpkg.Engine
	tasks    *services.TaskService
}

// newRemoteClient selects the transport for the configured endpoint.
func newRemoteClient(cfg *config.Config) remote.Client {
	switch cfg.EffectiveTransport() {
	case config.TransportWebSocket:
		return remote.NewWSClient(cfg.Sync.Endpoint, cfg.Sync.RequestTimeout)
	case config.TransportHTTP:
		return remote.NewHTTPClient(cfg.Sync.Endpoint, cfg.Sync.RequestTimeout)
	default:
		return remote.NewSimulatedClient()
	}
}

// openApp opens the local database and wires the sync engine.
func openApp(cfg *config.Config) (*app, error) {
	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	repo := db.NewRepository(database.DB)
	var q queue.Queue = queue.NewSQLStore(database.DB)
	if cfg.Sync.Ephemeral {
		q = queue.NewMemoryStore()
	}
	client := newRemoteClient(cfg)

	engine, err := syncpkg.NewEngine(cfg.Engine(), q, repo, client, conflict.NewResolver(cfg.Strategy()))
	if err != nil {
		repo.Close()
		database.Close()
		return nil, WrapExitError(ExitCommandError, "failed to create sync engine", err)
	}

	logging.Debug("Local store opened", map[string]interface{}{
		"data_dir":  cfg.DataDir,
		"transport": cfg.EffectiveTransport(),
		"endpoint":  cfg.Sync.Endpoint,
		"ephemeral": cfg.Sync.Ephemeral,
	})

	return &app{
		cfg:      cfg,
		database: database,
		repo:     repo,
		queue:    q,
		client:   client,
		engine:   engine,
		tasks:    services.NewTaskService(repo, q),
	}, nil
}

// Close releases the remote connection and the database.
func (a *app) Close() error {
	if c, ok := a.client.(io.Closer); ok {
		if err := c.Close(); err != nil {
			logging.Warn("Failed to close remote client", map[string]interface{}{"error": err.Error()})
		}
	}
	if err := a.repo.Close(); err != nil {
		logging.Warn("Failed to close statements", map[string]interface{}{"error": err.Error()})
	}
	return a.database.Close()
}
