// Package handlers tests for the task and sync REST API.
// These tests verify request handling, status codes and response bodies.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/tasksync/internal/db"
	"github.com/kimhsiao/tasksync/internal/errors"
	"github.com/kimhsiao/tasksync/internal/models"
	"github.com/kimhsiao/tasksync/internal/services"
	"github.com/kimhsiao/tasksync/internal/sync"
	"github.com/kimhsiao/tasksync/internal/sync/queue"
	"github.com/kimhsiao/tasksync/internal/sync/remote"
)

type testAPI struct {
	mux    *http.ServeMux
	client *remote.ScriptedClient
	engine *sync.Engine
}

func setupAPI(t *testing.T) *testAPI {
	t.Helper()
	database, err := db.Open(t.TempDir())
	require.NoError(t, err)
	repo := db.NewRepository(database.DB)
	t.Cleanup(func() {
		repo.Close()
		database.Close()
	})

	q := queue.NewSQLStore(database.DB)
	client := remote.NewScriptedClient()
	engine, err := sync.NewEngine(sync.DefaultEngineConfig(), q, repo, client, nil)
	require.NoError(t, err)

	mux := http.NewServeMux()
	Register(mux, NewTaskHandler(services.NewTaskService(repo, q)), NewSyncHandler(engine, repo))
	return &testAPI{mux: mux, client: client, engine: engine}
}

func (a *testAPI) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	a.mux.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

type listResponse[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
}

func (a *testAPI) createTask(t *testing.T, title string) services.MutationResult {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/api/tasks", map[string]string{"title": title})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[services.MutationResult](t, rec)
}

// =====================================================
// Health & error mapping
// =====================================================

func TestHealth(t *testing.T) {
	api := setupAPI(t)
	rec := api.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"status":"ok","service":"tasksync"}`, rec.Body.String())
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		code errors.ErrorCode
		want int
	}{
		{errors.ErrNotFound, http.StatusNotFound},
		{errors.ErrTaskNotFound, http.StatusNotFound},
		{errors.ErrInvalid, http.StatusBadRequest},
		{errors.ErrTaskInvalid, http.StatusBadRequest},
		{errors.ErrSyncInProgress, http.StatusConflict},
		{errors.ErrTransport, http.StatusBadGateway},
		{errors.ErrStorage, http.StatusInternalServerError},
		{errors.ErrInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.code))
		})
	}
}

func TestMethodNotAllowed(t *testing.T) {
	api := setupAPI(t)
	rec := api.do(t, http.MethodPatch, "/api/tasks", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

// =====================================================
// Tasks
// =====================================================

func TestTaskCRUD(t *testing.T) {
	api := setupAPI(t)

	created := api.createTask(t, "buy milk")
	id := string(created.Task.ID)
	assert.Equal(t, "buy milk", created.Task.Title)
	assert.Equal(t, models.SyncStatusPending, created.Task.SyncStatus)
	assert.NotEmpty(t, created.QueueItemID)

	rec := api.do(t, http.MethodGet, "/api/tasks/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "buy milk", decode[models.Task](t, rec).Title)

	rec = api.do(t, http.MethodPut, "/api/tasks/"+id, map[string]interface{}{"completed": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decode[services.MutationResult](t, rec)
	assert.True(t, updated.Task.Completed)
	assert.NotEqual(t, created.QueueItemID, updated.QueueItemID)

	rec = api.do(t, http.MethodGet, "/api/tasks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[listResponse[models.Task]](t, rec).Total)

	rec = api.do(t, http.MethodDelete, "/api/tasks/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[services.MutationResult](t, rec).Task.IsDeleted)

	rec = api.do(t, http.MethodGet, "/api/tasks", nil)
	assert.Zero(t, decode[listResponse[models.Task]](t, rec).Total)
	rec = api.do(t, http.MethodGet, "/api/tasks?include_deleted=true", nil)
	assert.Equal(t, 1, decode[listResponse[models.Task]](t, rec).Total)

	rec = api.do(t, http.MethodGet, "/api/sync/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, decode[sync.SyncStatusReport](t, rec).PendingCount)
}

func TestTaskErrors(t *testing.T) {
	api := setupAPI(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   interface{}
		status int
		code   errors.ErrorCode
	}{
		{"malformed body", http.MethodPost, "/api/tasks", "{not json", http.StatusBadRequest, errors.ErrInvalid},
		{"blank title", http.MethodPost, "/api/tasks", map[string]string{"title": " "}, http.StatusBadRequest, errors.ErrTaskInvalid},
		{"bad id", http.MethodPost, "/api/tasks", map[string]string{"id": "nope", "title": "x"}, http.StatusBadRequest, errors.ErrTaskInvalid},
		{"unknown task", http.MethodGet, "/api/tasks/3f1c6f43-0c1e-4d4f-9d1b-1f3a5b7c9d0e", nil, http.StatusNotFound, errors.ErrTaskNotFound},
		{"empty update", http.MethodPut, "/api/tasks/any", map[string]string{}, http.StatusBadRequest, errors.ErrInvalid},
		{"delete unknown", http.MethodDelete, "/api/tasks/3f1c6f43-0c1e-4d4f-9d1b-1f3a5b7c9d0e", nil, http.StatusNotFound, errors.ErrTaskNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := api.do(t, tt.method, tt.path, tt.body)
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, string(tt.code), decode[ErrorResponse](t, rec).Code)
		})
	}
}

// =====================================================
// Sync
// =====================================================

func TestTriggerSync(t *testing.T) {
	api := setupAPI(t)
	created := api.createTask(t, "sync me")

	rec := api.do(t, http.MethodPost, "/api/sync", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decode[sync.RoundResult](t, rec)
	assert.True(t, result.Success)
	assert.Equal(t, 1, result.SyncedItems)
	assert.Equal(t, 1, result.Batches)

	rec = api.do(t, http.MethodGet, "/api/tasks/"+string(created.Task.ID), nil)
	task := decode[models.Task](t, rec)
	assert.Equal(t, models.SyncStatusSynced, task.SyncStatus)
	assert.Equal(t, "srv-"+string(created.Task.ID), task.ServerID)

	rec = api.do(t, http.MethodGet, "/api/sync/status", nil)
	status := decode[sync.SyncStatusReport](t, rec)
	assert.Zero(t, status.PendingCount)
	assert.NotNil(t, status.LastSyncAt)
}

func TestDeadLetterAndRequeue(t *testing.T) {
	api := setupAPI(t)
	api.createTask(t, "stuck")

	transport := errors.New(errors.ErrTransport, "connection refused")
	for i := 0; i < queue.DefaultMaxRetries; i++ {
		api.client.FailNextBatch(transport)
		rec := api.do(t, http.MethodPost, "/api/sync", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.False(t, decode[sync.RoundResult](t, rec).Success)
	}

	rec := api.do(t, http.MethodGet, "/api/sync/errors", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, queue.DefaultMaxRetries, decode[listResponseErrors](t, rec).Total)

	rec = api.do(t, http.MethodGet, "/api/sync/dead-letter", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	dead := decode[listResponse[queue.Summary]](t, rec)
	require.Equal(t, 1, dead.Total)
	assert.Equal(t, queue.DefaultMaxRetries, dead.Items[0].RetryCount)
	assert.Contains(t, dead.Items[0].ErrorMessage, "connection refused")

	rec = api.do(t, http.MethodPost, "/api/sync/dead-letter/"+dead.Items[0].ID+"/requeue", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Zero(t, decode[queue.Summary](t, rec).RetryCount)

	rec = api.do(t, http.MethodPost, "/api/sync", nil)
	assert.True(t, decode[sync.RoundResult](t, rec).Success)

	rec = api.do(t, http.MethodPost, "/api/sync/dead-letter/missing/requeue", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = api.do(t, http.MethodDelete, "/api/sync/errors", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = api.do(t, http.MethodGet, "/api/sync/errors", nil)
	assert.Zero(t, decode[listResponseErrors](t, rec).Total)
}

type listResponseErrors struct {
	Errors []sync.SyncErrorEntry `json:"errors"`
	Total  int                   `json:"total"`
}

func TestListConflicts(t *testing.T) {
	api := setupAPI(t)
	created := api.createTask(t, "contested")

	remoteTask := *created.Task
	remoteTask.Title = "remote edit"
	remoteTask.UpdatedAt = created.Task.UpdatedAt + 1000
	data, err := json.Marshal(remoteTask)
	require.NoError(t, err)
	api.client.SetOutcome(string(created.Task.ID), remote.Outcome{
		Status:       remote.StatusConflict,
		ServerID:     "srv-1",
		ResolvedData: data,
	})

	rec := api.do(t, http.MethodPost, "/api/sync", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[sync.RoundResult](t, rec).Conflicts)

	rec = api.do(t, http.MethodGet, "/api/sync/conflicts?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	logs := decode[listResponse[models.ConflictLog]](t, rec)
	require.Equal(t, 1, logs.Total)
	assert.Equal(t, models.ResolutionRemoteWins, logs.Items[0].Resolution)

	rec = api.do(t, http.MethodGet, "/api/tasks/"+string(created.Task.ID), nil)
	assert.Equal(t, "remote edit", decode[models.Task](t, rec).Title)

	rec = api.do(t, http.MethodGet, "/api/sync/conflicts?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// busyEngine reports a round already in flight.
type busyEngine struct {
	sync.SyncEngineInterface
}

func (busyEngine) RunSyncRound(context.Context) (*sync.RoundResult, error) {
	return nil, sync.ErrSyncInProgress
}

func (busyEngine) GetSyncStatus(context.Context) (*sync.SyncStatusReport, error) {
	return nil, errors.Wrap(errors.ErrStorage, "count failed", stderrors.New("disk I/O error"))
}

func TestSyncHandler_engineErrors(t *testing.T) {
	h := NewSyncHandler(busyEngine{}, nil)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/sync", h.TriggerSync)
	mux.HandleFunc("GET /api/sync/status", h.GetStatus)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/sync", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(errors.ErrSyncInProgress), decode[ErrorResponse](t, rec).Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sync/status", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, string(errors.ErrStorage), decode[ErrorResponse](t, rec).Code)
}
