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

// Package task implements the isolated script task: a single unit of
// untrusted guest code with a concurrency-safe lifecycle.
//
// A task is created Scheduled, is executed at most once by whatever
// worker the scheduler picks, and ends Finished or Canceled. Every
// status-dependent decision happens in one critical section under the
// task's private lock, so observers never see torn timing or status.
//
// Cancellation is cooperative. Cancel flips the bookkeeping immediately,
// but a run that is already in flight only actually stops when the
// engine's statement ceiling fires. A Canceled task may therefore still
// occupy its worker until the run winds down; that window is a documented
// property of delegating execution to an opaque interpreter, not a bug.
package task

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"scriptworker/src/engine"
	"scriptworker/src/model"
)

// Operation names carried inside ConflictError.
const (
	OpExecute = "execute"
	OpCancel  = "cancel"
)

// runner is the slice of the engine a task drives. Satisfied by
// *engine.Sandbox.
type runner interface {
	Run() error
	Close() error
}

// IsolatedTask is a single guest script plus all of its bookkeeping.
// Safe for concurrent use; an external scheduler calls Execute once while
// observers and cancellers call everything else from any goroutine.
type IsolatedTask struct {
	id             uuid.UUID
	source         string
	statementLimit int64

	out *outputBuffer
	run runner

	mu        sync.Mutex
	status    model.TaskStatus
	startTime *time.Time
	endTime   *time.Time
	duration  *time.Duration
	errText   string
}

// New validates the statement limit, parses the source eagerly and
// returns a Scheduled task. A source that does not parse fails here with
// InvalidSourceError, before any scheduling commitment.
func New(source string, statementLimit int64) (*IsolatedTask, error) {
	if statementLimit <= 0 {
		return nil, ErrNonPositiveLimit
	}

	t := &IsolatedTask{
		id:             uuid.New(),
		source:         source,
		statementLimit: statementLimit,
		out:            &outputBuffer{},
		status:         model.TaskScheduled,
	}

	sb := engine.New(engine.Options{
		StatementLimit: uint64(statementLimit),
		Stdout:         t.out,
		OnLimit:        t.cancelOnLimit,
	})
	if err := sb.Parse(t.id.String(), source); err != nil {
		sb.Close()
		return nil, &InvalidSourceError{Err: err}
	}
	t.run = sb
	return t, nil
}

// Execute runs the guest program on the calling goroutine.
//
// The guard and the completion commit each hold the lock briefly; the
// lock is never held across the run itself. A failing guest script is a
// normal outcome captured into the task's output, not an error of
// Execute; only protocol misuse (already running, already terminal)
// comes back as ConflictError.
func (t *IsolatedTask) Execute() error {
	t.mu.Lock()
	switch t.status {
	case model.TaskScheduled:
		t.status = model.TaskRunning
		now := time.Now()
		t.startTime = &now
	default:
		// Already running, or terminal: tasks are never restarted.
		defer t.mu.Unlock()
		return &ConflictError{TaskID: t.id, Current: t.status, Operation: OpExecute}
	}
	t.mu.Unlock()

	runErr := t.run.Run()

	t.mu.Lock()
	var guest *engine.GuestError
	if errors.As(runErr, &guest) {
		t.errText = guest.Sanitized()
	}
	// The statement-ceiling cutoff (engine.ErrLimitReached) is not an
	// error here: the on-limit callback has already driven the task to
	// Canceled, which is its only surfacing.
	if t.status == model.TaskRunning {
		t.status = model.TaskFinished
		t.recordEndLocked()
	}
	t.mu.Unlock()

	t.run.Close()
	return nil
}

// Cancel moves a Scheduled or Running task to Canceled and freezes its
// timing. Canceling an already terminal task fails with ConflictError
// and mutates nothing.
//
// Cancel never interrupts an in-flight run; it relies on the engine's
// statement ceiling to actually stop guest code.
func (t *IsolatedTask) Cancel() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status.Terminal() {
		return &ConflictError{TaskID: t.id, Current: t.status, Operation: OpCancel}
	}
	t.status = model.TaskCanceled
	t.recordEndLocked()
	return nil
}

// cancelOnLimit is the engine's statement-ceiling callback. It takes the
// same transition as a caller-initiated Cancel; if the task is already
// terminal the attempt is simply dropped rather than surfaced through
// the engine.
func (t *IsolatedTask) cancelOnLimit() {
	_ = t.Cancel()
}

// recordEndLocked freezes endTime and the duration snapshot. Duration
// stays absent when the task never started. Callers hold t.mu.
func (t *IsolatedTask) recordEndLocked() {
	now := time.Now()
	t.endTime = &now
	if t.startTime != nil {
		d := now.Sub(*t.startTime)
		t.duration = &d
	}
}

// ID returns the task's process-unique identifier.
func (t *IsolatedTask) ID() uuid.UUID { return t.id }

// Source returns the task's source code.
func (t *IsolatedTask) Source() string { return t.source }

// StatementLimit returns the configured statement ceiling.
func (t *IsolatedTask) StatementLimit() int64 { return t.statementLimit }

// Status returns the current lifecycle status.
func (t *IsolatedTask) Status() model.TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Output returns everything the guest printed so far, followed by the
// sanitized error text if the run failed. Safe at any time; reflects
// partial output while the task is still Running.
func (t *IsolatedTask) Output() string {
	t.mu.Lock()
	errText := t.errText
	t.mu.Unlock()
	return t.out.String() + errText
}

// StartTime returns when execution began, if it ever did.
func (t *IsolatedTask) StartTime() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.startTime == nil {
		return time.Time{}, false
	}
	return *t.startTime, true
}

// EndTime returns when the task entered a terminal state, if it has.
func (t *IsolatedTask) EndTime() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.endTime == nil {
		return time.Time{}, false
	}
	return *t.endTime, true
}

// Duration returns elapsed wall-clock time: computed live while Running,
// frozen once terminal, absent if the task never started.
//
// Wall-clock is a deliberate approximation of CPU time; measuring per-task
// CPU time is not available for work spread over a pooled goroutine.
func (t *IsolatedTask) Duration() (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == model.TaskRunning && t.startTime != nil {
		return time.Since(*t.startTime), true
	}
	if t.duration == nil {
		return 0, false
	}
	return *t.duration, true
}

// Snapshot returns one consistent view of the task for the transport
// layer, so multi-field reads never mix states.
func (t *IsolatedTask) Snapshot() model.Snapshot {
	t.mu.Lock()
	snap := model.Snapshot{
		ID:             t.id.String(),
		Status:         t.status,
		Source:         t.source,
		StatementLimit: t.statementLimit,
		StartedAt:      copyTime(t.startTime),
		FinishedAt:     copyTime(t.endTime),
	}
	if t.status == model.TaskRunning && t.startTime != nil {
		d := time.Since(*t.startTime)
		snap.Duration = &d
	} else if t.duration != nil {
		d := *t.duration
		snap.Duration = &d
	}
	errText := t.errText
	t.mu.Unlock()

	snap.Output = t.out.String() + errText
	return snap
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
