package reactor

import "testing"

func TestSchedulerDrainRunsTaskToCompletion(t *testing.T) {
	s := NewScheduler()
	remaining := 3
	done := false
	s.Enqueue("peer-a", "test", func() bool {
		remaining--
		return remaining > 0
	}, func() { done = true })

	s.Drain(asyncTaskBudget)

	if remaining != 0 {
		t.Fatalf("remaining = %d, want 0", remaining)
	}
	if !done {
		t.Fatal("onDone was never called")
	}
	if s.Pending() != 0 {
		t.Fatalf("pending = %d, want 0", s.Pending())
	}
}

func TestSchedulerDrainInterleavesDistinctServices(t *testing.T) {
	s := NewScheduler()
	var order []string
	s.Enqueue("a", "", func() bool { order = append(order, "a"); return false }, nil)
	s.Enqueue("b", "", func() bool { order = append(order, "b"); return false }, nil)

	s.Drain(asyncTaskBudget)

	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("order = %v, want [a b]", order)
	}
}

func TestSchedulerPurgeDropsMatchingServiceOnly(t *testing.T) {
	s := NewScheduler()
	aRan, bRan := false, false
	s.Enqueue("a", "", func() bool { aRan = true; return false }, nil)
	s.Enqueue("b", "", func() bool { bRan = true; return false }, nil)

	s.Purge("a")
	s.Drain(asyncTaskBudget)

	if aRan {
		t.Fatal("purged service-id's task ran")
	}
	if !bRan {
		t.Fatal("unrelated service-id's task was purged")
	}
}

func TestSchedulerPurgeSkipsOnDoneCallback(t *testing.T) {
	s := NewScheduler()
	onDoneCalled := false
	s.Enqueue("a", "", func() bool { return false }, func() { onDoneCalled = true })

	s.Purge("a")
	s.Drain(asyncTaskBudget)

	if onDoneCalled {
		t.Fatal("onDone must not run for a purged task")
	}
}

func TestSchedulerDrainStopsAtMaxTasksPerDrain(t *testing.T) {
	s := NewScheduler()
	runs := 0
	for i := 0; i < maxTasksPerDrain+10; i++ {
		s.Enqueue("svc", "", func() bool { runs++; return true }, nil)
	}

	s.Drain(asyncTaskBudget)

	if runs != maxTasksPerDrain {
		t.Fatalf("runs = %d, want %d", runs, maxTasksPerDrain)
	}
	if s.Pending() != maxTasksPerDrain+10 {
		t.Fatalf("pending = %d, want %d", s.Pending(), maxTasksPerDrain+10)
	}
}
