package scheduler

import (
	"sync"
	"testing"

	"github.com/google/uuid"
)

func TestRegistryAddGet(t *testing.T) {
	reg := NewRegistry()
	tk := newTask(t, `print("x")`)

	reg.Add(tk)

	got, ok := reg.Get(tk.ID())
	if !ok {
		t.Fatal("Get: task not found")
	}
	if got != tk {
		t.Error("Get returned a different task")
	}
	if _, ok := reg.Get(uuid.New()); ok {
		t.Error("Get found a task for a random id")
	}
}

func TestRegistryListKeepsSubmissionOrder(t *testing.T) {
	reg := NewRegistry()
	var want []uuid.UUID
	for i := 0; i < 5; i++ {
		tk := newTask(t, `print("x")`)
		reg.Add(tk)
		want = append(want, tk.ID())
	}

	list := reg.List()
	if len(list) != len(want) {
		t.Fatalf("List len = %d, want %d", len(list), len(want))
	}
	for i, tk := range list {
		if tk.ID() != want[i] {
			t.Errorf("List[%d] = %s, want %s", i, tk.ID(), want[i])
		}
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	reg := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				reg.Add(newTask(t, `print("x")`))
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				reg.List()
				reg.Len()
				reg.IDs()
			}
		}()
	}
	wg.Wait()

	if got := reg.Len(); got != 160 {
		t.Errorf("Len = %d, want 160", got)
	}
}
