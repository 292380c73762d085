// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"scriptworker/src/logging"
	"scriptworker/src/model"
	"scriptworker/src/scheduler"
	"scriptworker/src/task"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// StatusResponse for JSON output
type StatusResponse struct {
	ID             string    `json:"id"`
	StartTime      time.Time `json:"start_time"`
	Uptime         string    `json:"uptime"`
	TasksSubmitted uint64 `json:"tasks_submitted"`
	TasksFinished  uint64 `json:"tasks_finished"`
	TasksCanceled  uint64 `json:"tasks_canceled"`
	TaskConflicts  uint64 `json:"task_conflicts"`
}

// WorkerStats tracks the internal state of the worker
type WorkerStats struct {
	mu             sync.RWMutex
	statusResponse StatusResponse
}

func NewWorkerStats(workerID string) *WorkerStats {
	return &WorkerStats{
		statusResponse: StatusResponse{
			ID:        workerID,
			StartTime: time.Now(),
		},
	}
}

// RecordSubmitted counts an accepted task.
func (s *WorkerStats) RecordSubmitted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusResponse.TasksSubmitted++
	s.publishLocked()
}

// RecordOutcome counts the result of one Execute attempt.
func (s *WorkerStats) RecordOutcome(status model.TaskStatus, execErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case execErr != nil:
		s.statusResponse.TaskConflicts++
	case status == model.TaskCanceled:
		s.statusResponse.TasksCanceled++
	default:
		s.statusResponse.TasksFinished++
	}
	s.publishLocked()
}

func (s *WorkerStats) publishLocked() {
	logging.UpdateSpanValue("worker_tasks_submitted", float64(s.statusResponse.TasksSubmitted))
	logging.UpdateSpanValue("worker_tasks_finished", float64(s.statusResponse.TasksFinished))
	logging.UpdateSpanValue("worker_tasks_canceled", float64(s.statusResponse.TasksCanceled))
	logging.UpdateSpanValue("worker_task_conflicts", float64(s.statusResponse.TaskConflicts))
}

// GetStats returns the current statistics as a response struct
func (s *WorkerStats) GetStats() StatusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	resp := s.statusResponse
	resp.Uptime = time.Since(s.statusResponse.StartTime).Truncate(time.Second).String()
	return resp
}

// APIServer holds dependencies for the HTTP handlers
type APIServer struct {
	registry     *scheduler.Registry
	pool         *scheduler.Pool
	stats        *WorkerStats
	defaultLimit int64
	maxSource    int64
}

type submitRequest struct {
	Source         string `json:"source"`
	StatementLimit int64  `json:"statement_limit"`
}

type submitResponse struct {
	ID     string           `json:"id"`
	Status model.TaskStatus `json:"status"`
}

type errorResponse struct {
	Error     string `json:"error"`
	TaskID    string `json:"task_id,omitempty"`
	Status    string `json:"status,omitempty"`
	Operation string `json:"operation,omitempty"`
}

// StartAPIServer starts the HTTP server with graceful shutdown and OTel
func StartAPIServer(port string, srv *APIServer) error {
	// 1. Setup Context for Graceful Shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Setup OpenTelemetry
	otelShutdown, err := logging.SetupOTelSDK(context.Background())
	if err != nil {
		return fmt.Errorf("failed to setup OTel SDK: %w", err)
	}
	defer func() {
		// Ensure OTel flushes spans before exiting
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "OTel shutdown error: %v\n", err)
		}
	}()

	mux := srv.routes()

	// 3. Wrap Mux with OTel Middleware
	// CRITICAL: We must use the returned handler from otelhttp.NewHandler
	otelHandler := otelhttp.NewHandler(mux, "worker-api-server")

	httpServer := &http.Server{
		Addr:    ":" + port,
		Handler: otelHandler,
	}

	// 4. Run Server in Background
	serverErr := make(chan error, 1)
	go func() {
		fmt.Printf("API Server starting on :%s\n", port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// 5. Wait for Shutdown Signal or Error
	select {
	case err := <-serverErr:
		return fmt.Errorf("server startup failed: %w", err)
	case <-ctx.Done():
		fmt.Println("\nShutdown signal received, closing server...")

		// Gracefully shut down the HTTP server (max 10s timeout)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		fmt.Println("Server exited cleanly")
	}

	return nil
}

func (s *APIServer) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /scripts", s.submitHandler)
	mux.HandleFunc("GET /scripts", s.listHandler)
	mux.HandleFunc("GET /scripts/{id}", s.getHandler)
	mux.HandleFunc("GET /scripts/{id}/output", s.outputHandler)
	mux.HandleFunc("DELETE /scripts/{id}", s.cancelHandler)
	mux.HandleFunc("GET /status", s.statusHandler)
	return mux
}

func (s *APIServer) submitHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxSource)

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	if req.StatementLimit == 0 {
		req.StatementLimit = s.defaultLimit
	}

	t, err := task.New(req.Source, req.StatementLimit)
	if err != nil {
		var invalid *task.InvalidSourceError
		switch {
		case errors.As(err, &invalid):
			writeError(w, http.StatusBadRequest, errorResponse{Error: invalid.Error()})
		case errors.Is(err, task.ErrNonPositiveLimit):
			writeError(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		default:
			writeError(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		}
		return
	}

	s.registry.Add(t)
	if err := s.pool.Submit(t); err != nil {
		// The task stays registered and Scheduled; the client may cancel
		// it or the operator may resubmit once the queue drains.
		writeError(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error(), TaskID: t.ID().String()})
		return
	}
	s.stats.RecordSubmitted()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(submitResponse{ID: t.ID().String(), Status: t.Status()})
}

func (s *APIServer) listHandler(w http.ResponseWriter, r *http.Request) {
	tasks := s.registry.List()
	snaps := make([]model.Snapshot, 0, len(tasks))
	for _, t := range tasks {
		snap := t.Snapshot()
		snap.Source = "" // keep listings small; fetch one task for the source
		snaps = append(snaps, snap)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snaps)
}

func (s *APIServer) getHandler(w http.ResponseWriter, r *http.Request) {
	t, ok := s.lookup(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(t.Snapshot())
}

func (s *APIServer) outputHandler(w http.ResponseWriter, r *http.Request) {
	t, ok := s.lookup(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, t.Output())
}

func (s *APIServer) cancelHandler(w http.ResponseWriter, r *http.Request) {
	t, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if err := t.Cancel(); err != nil {
		var conflict *task.ConflictError
		if errors.As(err, &conflict) {
			writeError(w, http.StatusConflict, errorResponse{
				Error:     conflict.Error(),
				TaskID:    conflict.TaskID.String(),
				Status:    string(conflict.Current),
				Operation: conflict.Operation,
			})
			return
		}
		writeError(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(t.Snapshot())
}

func (s *APIServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.stats.GetStats())
}

// lookup resolves the {id} path value into a registered task, writing
// the error response itself when it cannot.
func (s *APIServer) lookup(w http.ResponseWriter, r *http.Request) (*task.IsolatedTask, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, errorResponse{Error: "malformed task id"})
		return nil, false
	}
	t, ok := s.registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, errorResponse{Error: "no such task", TaskID: id.String()})
		return nil, false
	}
	return t, true
}

func writeError(w http.ResponseWriter, code int, body errorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
