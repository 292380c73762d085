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

// Package engine wraps an embedded interpreter in a per-task sandbox.
//
// Each task owns exactly one Sandbox; nothing is shared between tasks.
// The guest program gets no filesystem, network, process, environment or
// host access: the predeclared environment is empty and print is the only
// way out, redirected into a writer owned by the task.
//
// The statement ceiling is enforced by the interpreter itself. When the
// ceiling is hit mid-run the OnLimit callback fires before Run returns,
// then the run is stopped. Run reports the cutoff as ErrLimitReached so
// the caller can tell it apart from a guest failure.
package engine

import (
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrClosed is returned when using a sandbox after Close.
var ErrClosed = errors.New("sandbox is closed")

// ErrLimitReached is returned by Run when the statement ceiling stopped
// the guest program. The OnLimit callback has already fired by then.
var ErrLimitReached = errors.New("statement limit reached")

// Options configures a Sandbox. One Options value per task.
type Options struct {
	// StatementLimit is the maximum number of guest statements executed
	// before the run is cut off. Zero means no ceiling.
	StatementLimit uint64

	// Stdout receives everything the guest program prints. Guest code has
	// no other output channel.
	Stdout io.Writer

	// OnLimit, if set, is invoked on the running goroutine when the
	// statement ceiling is reached, before Run returns.
	OnLimit func()
}

// SyntaxError wraps a parse or resolve failure of the guest source.
type SyntaxError struct {
	Err error
}

func (e *SyntaxError) Error() string { return e.Err.Error() }

func (e *SyntaxError) Unwrap() error { return e.Err }

// GuestError is a failure raised by the guest program itself: an uncaught
// error or a runtime fault. It is data about the run, not a fault of the
// sandbox.
type GuestError struct {
	// Message is the guest-visible error message.
	Message string

	// Frames are the guest call frames, innermost last, already stripped
	// of anything interpreter-internal.
	Frames []Frame
}

// Frame is a single guest stack frame.
type Frame struct {
	Function string
	Position string
}

func (e *GuestError) Error() string { return e.Message }

// Sanitized renders the message followed by the guest frames. The result
// contains only what the guest program itself produced; no interpreter
// package, type or module names appear in it.
func (e *GuestError) Sanitized() string {
	var b strings.Builder
	b.WriteString(e.Message)
	for _, f := range e.Frames {
		fmt.Fprintf(&b, "\n\tat %s (%s)", f.Function, f.Position)
	}
	b.WriteString("\n")
	return b.String()
}
