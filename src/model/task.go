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

package model

import "time"

type TaskStatus string

const (
	TaskScheduled TaskStatus = "scheduled"
	TaskRunning   TaskStatus = "running"
	TaskFinished  TaskStatus = "finished"
	TaskCanceled  TaskStatus = "canceled"
)

// Terminal reports whether no further status transitions are possible.
func (s TaskStatus) Terminal() bool {
	return s == TaskFinished || s == TaskCanceled
}

// Snapshot is a consistent point-in-time view of a task, taken under the
// task's lock. It is what the HTTP layer serializes; the task itself is
// never handed out.
type Snapshot struct {
	ID             string         `json:"id"`
	Status         TaskStatus     `json:"status"`
	Source         string         `json:"source,omitempty"`
	Output         string         `json:"output"`
	StatementLimit int64          `json:"statement_limit"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	FinishedAt     *time.Time     `json:"finished_at,omitempty"`
	Duration       *time.Duration `json:"duration_ns,omitempty"`
}
