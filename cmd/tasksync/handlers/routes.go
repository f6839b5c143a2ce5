package handlers

import "net/http"

// Register mounts the task and sync API on mux.
func Register(mux *http.ServeMux, tasks *TaskHandler, sync *SyncHandler) {
	mux.HandleFunc("GET /api/health", Health)

	mux.HandleFunc("GET /api/tasks", tasks.ListTasks)
	mux.HandleFunc("POST /api/tasks", tasks.CreateTask)
	mux.HandleFunc("GET /api/tasks/{id}", tasks.GetTask)
	mux.HandleFunc("PUT /api/tasks/{id}", tasks.UpdateTask)
	mux.HandleFunc("DELETE /api/tasks/{id}", tasks.DeleteTask)

	mux.HandleFunc("POST /api/sync", sync.TriggerSync)
	mux.HandleFunc("GET /api/sync/status", sync.GetStatus)
	mux.HandleFunc("GET /api/sync/errors", sync.GetErrors)
	mux.HandleFunc("DELETE /api/sync/errors", sync.ClearErrors)
	mux.HandleFunc("GET /api/sync/dead-letter", sync.ListDeadLetter)
	mux.HandleFunc("POST /api/sync/dead-letter/{id}/requeue", sync.RequeueDeadLetter)
	mux.HandleFunc("GET /api/sync/conflicts", sync.ListConflicts)
}

// Health handles GET /api/health
func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "tasksync",
	})
}
