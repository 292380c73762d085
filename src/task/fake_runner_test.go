package task

import "sync/atomic"

// fakeRunner stands in for the engine when a test needs to control how
// long the run blocks or what it reports.
type fakeRunner struct {
	// block, when non-nil, makes Run wait until the channel is closed.
	block chan struct{}

	// runErr is returned from Run.
	runErr error

	closes atomic.Int32
}

func (f *fakeRunner) Run() error {
	if f.block != nil {
		<-f.block
	}
	return f.runErr
}

func (f *fakeRunner) Close() error {
	f.closes.Add(1)
	return nil
}
