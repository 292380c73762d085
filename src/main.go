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
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"strconv"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"scriptworker/src/logging"
	"scriptworker/src/scheduler"
	"scriptworker/src/task"
)

const (
	defaultStatementLimit = 1_000_000
	defaultMaxSourceBytes = 1 << 20 // 1 MiB of source is plenty
)

func main() {
	// Load environment variables from .env file
	if err := godotenv.Load(); err != nil {
		fmt.Println("No .env file found, using process environment")
	}

	var (
		WORKER_COUNT, _     = strconv.Atoi(os.Getenv("WORKER_COUNT"))
		QUEUE_CAPACITY, _   = strconv.Atoi(os.Getenv("QUEUE_CAPACITY"))
		STATEMENT_LIMIT, _  = strconv.ParseInt(os.Getenv("DEFAULT_STATEMENT_LIMIT"), 10, 64)
		MAX_SOURCE_BYTES, _ = strconv.ParseInt(os.Getenv("MAX_SOURCE_BYTES"), 10, 64)
	)
	if WORKER_COUNT <= 0 {
		WORKER_COUNT = 4
	}
	if QUEUE_CAPACITY <= 0 {
		QUEUE_CAPACITY = 64
	}
	if STATEMENT_LIMIT <= 0 {
		STATEMENT_LIMIT = defaultStatementLimit
	}
	if MAX_SOURCE_BYTES <= 0 {
		MAX_SOURCE_BYTES = defaultMaxSourceBytes
	}

	// Generate Unique ID
	workerID := uuid.New().String()
	fmt.Printf("Starting worker with UUID: %s\n", workerID)

	// Setup Graceful Shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	apiPort := os.Getenv("API_PORT")
	if apiPort == "" {
		apiPort = "8080"
	}

	// Setup Worker OpenTelemetry Metrics
	logging.InitializeFloatCounter("worker_tasks_submitted", "Total number of scripts accepted by the worker", "Task")
	logging.InitializeFloatCounter("worker_tasks_finished", "Number of scripts that ran to completion", "Task")
	logging.InitializeFloatCounter("worker_tasks_canceled", "Number of scripts canceled by callers or by the statement ceiling", "Task")
	logging.InitializeFloatCounter("worker_task_conflicts", "Number of execute attempts rejected by task state", "Task")

	registry := scheduler.NewRegistry()
	stats := NewWorkerStats(workerID)

	pool := scheduler.NewPool(WORKER_COUNT, QUEUE_CAPACITY)
	pool.OnDone = func(t *task.IsolatedTask, err error) {
		stats.RecordOutcome(t.Status(), err)
	}
	pool.Start(ctx)
	defer pool.Stop()

	srv := &APIServer{
		registry:     registry,
		pool:         pool,
		stats:        stats,
		defaultLimit: STATEMENT_LIMIT,
		maxSource:    MAX_SOURCE_BYTES,
	}

	logging.Log(fmt.Sprintf("Worker started with %d executors, queue capacity %d", WORKER_COUNT, QUEUE_CAPACITY), slog.LevelInfo)

	if err := StartAPIServer(apiPort, srv); err != nil {
		logging.Log(fmt.Sprintf("Server error: %v", err), slog.LevelError)
		os.Exit(1)
	}
}
