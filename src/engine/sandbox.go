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

package engine

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// Sandbox runs one pre-parsed guest program under a statement ceiling.
//
// Parse must be called once before Run. Run is a synchronous, blocking
// call on the invoking goroutine; the Sandbox itself spawns nothing.
// Close is idempotent and rejects any later Run.
type Sandbox struct {
	opts Options

	mu      sync.Mutex
	program *starlark.Program
	name    string
	closed  bool

	// steps is the execution-step count of the last run, captured after
	// the run ends.
	steps uint64
}

// fileOptions is the language surface granted to guest programs. Loops,
// top-level control flow, reassignment and recursion are all allowed; the
// statement ceiling is the only bound on execution.
var fileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
	Recursion:       true,
}

// New creates a sandbox with the given options. The sandbox holds no
// resources until Parse is called.
func New(opts Options) *Sandbox {
	if opts.Stdout == nil {
		opts.Stdout = io.Discard
	}
	return &Sandbox{opts: opts}
}

// Parse compiles and resolves the guest source. Malformed programs fail
// here, before any scheduling commitment; a program that parses can still
// fail at run time.
//
// The predeclared environment is empty on purpose: the guest sees only
// the language builtins, so there is nothing to reach the host through.
func (s *Sandbox) Parse(name, source string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	_, prog, err := starlark.SourceProgramOptions(fileOptions, name, source, func(string) bool {
		return false
	})
	if err != nil {
		return &SyntaxError{Err: err}
	}
	s.program = prog
	s.name = name
	return nil
}

// Run executes the parsed program to natural completion, to an uncaught
// guest error, or until the statement ceiling is reached.
//
// Returns nil on success, ErrLimitReached when the ceiling cut the run
// off (OnLimit has already fired on this goroutine by then), or a
// *GuestError describing an uncaught guest failure.
func (s *Sandbox) Run() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	prog := s.program
	name := s.name
	s.mu.Unlock()

	if prog == nil {
		return errors.New("no parsed program")
	}

	limitHit := false
	thread := &starlark.Thread{
		Name: name,
		Print: func(_ *starlark.Thread, msg string) {
			fmt.Fprintln(s.opts.Stdout, msg)
		},
	}
	if s.opts.StatementLimit > 0 {
		thread.SetMaxExecutionSteps(s.opts.StatementLimit)
		thread.OnMaxSteps = func(th *starlark.Thread) {
			limitHit = true
			if s.opts.OnLimit != nil {
				s.opts.OnLimit()
			}
			th.Cancel("statement limit reached")
		}
	}

	_, err := prog.Init(thread, starlark.StringDict{})

	s.mu.Lock()
	s.steps = thread.ExecutionSteps()
	s.mu.Unlock()

	if limitHit {
		return ErrLimitReached
	}
	if err != nil {
		return asGuestError(err)
	}
	return nil
}

// Steps returns the number of guest statements executed by the last run.
func (s *Sandbox) Steps() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.steps
}

// Close releases the parsed program and rejects further runs. Safe to
// call more than once.
func (s *Sandbox) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.program = nil
	return nil
}

// asGuestError converts an interpreter error into a GuestError carrying
// only guest-originated information. Interpreter stack frames and type
// names must not leak into task output.
func asGuestError(err error) *GuestError {
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		ge := &GuestError{Message: evalErr.Msg}
		for _, fr := range evalErr.CallStack {
			ge.Frames = append(ge.Frames, Frame{
				Function: fr.Name,
				Position: fr.Pos.String(),
			})
		}
		return ge
	}
	return &GuestError{Message: err.Error()}
}
