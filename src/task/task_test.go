package task

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"scriptworker/src/model"
)

func mustNew(t *testing.T, source string, limit int64) *IsolatedTask {
	t.Helper()
	tk, err := New(source, limit)
	if err != nil {
		t.Fatalf("New(%q, %d): %v", source, limit, err)
	}
	return tk
}

func TestNewTaskIsScheduled(t *testing.T) {
	tk := mustNew(t, `print("hello")`, 1000)

	if got := tk.Status(); got != model.TaskScheduled {
		t.Errorf("status = %q, want %q", got, model.TaskScheduled)
	}
	if _, ok := tk.StartTime(); ok {
		t.Error("start time set before execute")
	}
	if _, ok := tk.EndTime(); ok {
		t.Error("end time set before execute")
	}
	if _, ok := tk.Duration(); ok {
		t.Error("duration present before execute")
	}
	if tk.Source() != `print("hello")` {
		t.Errorf("source = %q", tk.Source())
	}
}

func TestNewRejectsNonPositiveLimit(t *testing.T) {
	for _, limit := range []int64{0, -1, -1000} {
		if _, err := New(`print("x")`, limit); !errors.Is(err, ErrNonPositiveLimit) {
			t.Errorf("New with limit %d: err = %v, want ErrNonPositiveLimit", limit, err)
		}
	}
}

func TestNewRejectsMalformedSource(t *testing.T) {
	_, err := New(`def broken(`, 1000)
	var invalid *InvalidSourceError
	if !errors.As(err, &invalid) {
		t.Fatalf("err = %v, want InvalidSourceError", err)
	}
}

func TestExecuteRunsToFinished(t *testing.T) {
	tk := mustNew(t, `print("done")`, 10_000)

	if err := tk.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := tk.Status(); got != model.TaskFinished {
		t.Errorf("status = %q, want %q", got, model.TaskFinished)
	}
	if !strings.Contains(tk.Output(), "done") {
		t.Errorf("output = %q, want it to contain %q", tk.Output(), "done")
	}
	if _, ok := tk.StartTime(); !ok {
		t.Error("start time missing after execute")
	}
	if _, ok := tk.EndTime(); !ok {
		t.Error("end time missing after execute")
	}
}

func TestExecuteTwiceConflicts(t *testing.T) {
	tk := mustNew(t, `print("once")`, 10_000)

	if err := tk.Execute(); err != nil {
		t.Fatalf("first Execute: %v", err)
	}
	err := tk.Execute()
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("second Execute: err = %v, want ConflictError", err)
	}
	if conflict.TaskID != tk.ID() {
		t.Errorf("conflict task id = %s, want %s", conflict.TaskID, tk.ID())
	}
	if conflict.Operation != OpExecute {
		t.Errorf("conflict operation = %q, want %q", conflict.Operation, OpExecute)
	}
	if conflict.Current != model.TaskFinished {
		t.Errorf("conflict status = %q, want %q", conflict.Current, model.TaskFinished)
	}
}

func TestConcurrentExecuteRunsExactlyOnce(t *testing.T) {
	const goroutines = 16

	tk := mustNew(t, `
x = 0
for i in range(200):
    x += i
print(x)
`, 1_000_000)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		conflicts int
	)
	start := make(chan struct{})
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			err := tk.Execute()
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				succeeded++
			} else if IsConflict(err) {
				conflicts++
			} else {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if succeeded != 1 {
		t.Errorf("successful executes = %d, want exactly 1", succeeded)
	}
	if conflicts != goroutines-1 {
		t.Errorf("conflicts = %d, want %d", conflicts, goroutines-1)
	}
	if got := tk.Status(); got != model.TaskFinished {
		t.Errorf("status = %q, want %q", got, model.TaskFinished)
	}
	if !strings.Contains(tk.Output(), "19900") {
		t.Errorf("output = %q, want one result exactly once", tk.Output())
	}
}

func TestCancelBeforeStart(t *testing.T) {
	tk := mustNew(t, `print("never")`, 1000)

	if err := tk.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got := tk.Status(); got != model.TaskCanceled {
		t.Errorf("status = %q, want %q", got, model.TaskCanceled)
	}
	if _, ok := tk.EndTime(); !ok {
		t.Error("end time missing after cancel")
	}
	if _, ok := tk.StartTime(); ok {
		t.Error("start time set on a task that never ran")
	}
	if _, ok := tk.Duration(); ok {
		t.Error("duration present for a task that never started")
	}

	err := tk.Execute()
	if !IsConflict(err) {
		t.Fatalf("Execute after cancel: err = %v, want ConflictError", err)
	}
	if tk.Output() != "" {
		t.Errorf("output = %q, want empty: the guest program must never run", tk.Output())
	}
}

func TestCancelAfterTerminalConflicts(t *testing.T) {
	tk := mustNew(t, `print("x")`, 1000)
	if err := tk.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	end1, _ := tk.EndTime()
	dur1, _ := tk.Duration()

	for i := 0; i < 3; i++ {
		err := tk.Cancel()
		var conflict *ConflictError
		if !errors.As(err, &conflict) {
			t.Fatalf("Cancel #%d: err = %v, want ConflictError", i, err)
		}
		if conflict.Operation != OpCancel {
			t.Errorf("conflict operation = %q, want %q", conflict.Operation, OpCancel)
		}
	}

	// Terminal state is frozen: repeated cancels never touch timestamps.
	end2, _ := tk.EndTime()
	dur2, _ := tk.Duration()
	if !end1.Equal(end2) || dur1 != dur2 {
		t.Error("failed cancel mutated terminal timing")
	}
	if got := tk.Status(); got != model.TaskFinished {
		t.Errorf("status = %q, want %q", got, model.TaskFinished)
	}
}

func TestStatementCeilingCancelsTask(t *testing.T) {
	tk := mustNew(t, `
while True:
    pass
`, 1000)

	if err := tk.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := tk.Status(); got != model.TaskCanceled {
		t.Errorf("status = %q, want %q: unbounded loop must hit the ceiling", got, model.TaskCanceled)
	}
	d, ok := tk.Duration()
	if !ok {
		t.Fatal("duration missing after ceiling cutoff")
	}
	if d < 0 {
		t.Errorf("duration = %v, want non-negative", d)
	}
}

func TestGenerousCeilingFinishes(t *testing.T) {
	// Regression guard for the limit-callback wiring: a trivial bounded
	// loop under a huge ceiling must finish, not cancel.
	tk := mustNew(t, `
for i in range(1000):
    pass
print("ok")
`, 1_000_000_000)

	if err := tk.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := tk.Status(); got != model.TaskFinished {
		t.Errorf("status = %q, want %q", got, model.TaskFinished)
	}
	if !strings.Contains(tk.Output(), "ok") {
		t.Errorf("output = %q, want %q", tk.Output(), "ok")
	}
}

func TestOutputThenGuestErrorIsCaptured(t *testing.T) {
	tk := mustNew(t, `
print("A")
fail("boom")
`, 100_000)

	if err := tk.Execute(); err != nil {
		t.Fatalf("Execute must not surface guest failures, got %v", err)
	}
	if got := tk.Status(); got != model.TaskFinished {
		t.Errorf("status = %q, want %q: a failing script is a normal outcome", got, model.TaskFinished)
	}

	out := tk.Output()
	aIdx := strings.Index(out, "A")
	errIdx := strings.Index(out, "boom")
	if aIdx < 0 || errIdx < 0 {
		t.Fatalf("output = %q, want printed text followed by the error", out)
	}
	if errIdx < aIdx {
		t.Errorf("output = %q, error text must follow captured output", out)
	}
	for _, leak := range []string{"starlark", "Starlark", "go.starlark.net"} {
		if strings.Contains(out, leak) {
			t.Errorf("output leaks engine internals %q: %q", leak, out)
		}
	}
}

func TestDurationMonotonicWhileRunning(t *testing.T) {
	tk := mustNew(t, "", 1000)

	// Drive the state machine directly with a controllable engine so the
	// Running window is deterministic.
	release := make(chan struct{})
	tk.run = &fakeRunner{block: release}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := tk.Execute(); err != nil {
			t.Errorf("Execute: %v", err)
		}
	}()

	waitStatus(t, tk, model.TaskRunning)

	d1, ok1 := tk.Duration()
	time.Sleep(10 * time.Millisecond)
	d2, ok2 := tk.Duration()
	if !ok1 || !ok2 {
		t.Fatal("duration absent while running")
	}
	if d2 < d1 {
		t.Errorf("duration went backwards while running: %v then %v", d1, d2)
	}

	close(release)
	<-done

	frozen, ok := tk.Duration()
	if !ok {
		t.Fatal("duration absent after termination")
	}
	time.Sleep(10 * time.Millisecond)
	again, _ := tk.Duration()
	if frozen != again {
		t.Errorf("terminal duration changed: %v then %v", frozen, again)
	}
}

func TestCancelWhileRunningWinsOverCompletion(t *testing.T) {
	tk := mustNew(t, "", 1000)

	release := make(chan struct{})
	fr := &fakeRunner{block: release}
	tk.run = fr

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = tk.Execute()
	}()

	waitStatus(t, tk, model.TaskRunning)

	if err := tk.Cancel(); err != nil {
		t.Fatalf("Cancel of a running task: %v", err)
	}
	if got := tk.Status(); got != model.TaskCanceled {
		t.Fatalf("status = %q immediately after cancel, want %q", got, model.TaskCanceled)
	}

	// The in-flight run keeps going in the background; once it returns,
	// completion must not overwrite Canceled.
	close(release)
	<-done

	if got := tk.Status(); got != model.TaskCanceled {
		t.Errorf("status = %q after run completion, want %q: Canceled wins", got, model.TaskCanceled)
	}
	if fr.closes.Load() != 1 {
		t.Errorf("engine closed %d times, want exactly once", fr.closes.Load())
	}
}

func TestCancelRacingCompletion(t *testing.T) {
	// Hammer the cancel/complete race; whatever interleaving happens,
	// the task must land terminal with exactly one winner and frozen
	// timing.
	for i := 0; i < 200; i++ {
		tk := mustNew(t, "", 1000)
		tk.run = &fakeRunner{}

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = tk.Execute()
		}()
		go func() {
			defer wg.Done()
			_ = tk.Cancel()
		}()
		wg.Wait()

		st := tk.Status()
		if !st.Terminal() {
			t.Fatalf("iteration %d: status = %q, want terminal", i, st)
		}
		if _, ok := tk.EndTime(); !ok {
			t.Fatalf("iteration %d: no end time in terminal state", i)
		}
	}
}

func waitStatus(t *testing.T, tk *IsolatedTask, want model.TaskStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if tk.Status() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("task never reached status %q (now %q)", want, tk.Status())
}
