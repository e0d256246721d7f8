package reactor

import "time"

// asyncTaskBudget bounds how much wall-clock time Scheduler.Drain spends
// per reactor tick (spec.md §4.7: "~0.5-1.0s"), so KEEPALIVEs and helper
// reads still flow even with a full task queue.
const asyncTaskBudget = 750 * time.Millisecond

// maxTasksPerDrain caps how many individual task steps one Drain call
// takes, independent of the wall-clock budget, so a burst of trivially
// fast tasks can't starve the time.Now() check between them.
const maxTasksPerDrain = 64

// TaskStep is one resumable unit of work. It returns true if the task
// has more work to do (it will be re-queued and stepped again on a
// later Drain), or false once it is done.
type TaskStep func() bool

type scheduledTask struct {
	serviceID string
	label     string
	step      TaskStep
	onDone    func()
}

// Scheduler is the reactor's async task queue (spec.md §4.7): a FIFO of
// (service-id, label, task) drained for a bounded wall-clock budget each
// reactor tick, interleaved with peer I/O. Tasks are bound to a
// service-id (a helper/client name, or a peer name) so they can be
// purged in bulk when that service goes away.
type Scheduler struct {
	queue []*scheduledTask
}

func NewScheduler() *Scheduler {
	return &Scheduler{}
}

// Enqueue appends a task to the back of the queue. onDone, if non-nil,
// runs exactly once, after step returns false.
func (s *Scheduler) Enqueue(serviceID, label string, step TaskStep, onDone func()) {
	s.queue = append(s.queue, &scheduledTask{serviceID: serviceID, label: label, step: step, onDone: onDone})
}

// Drain runs queued tasks FIFO, moving any task that reports more work
// to the back of the queue so distinct service-ids interleave, until
// the queue empties, maxTasksPerDrain steps have run, or budget has
// elapsed.
func (s *Scheduler) Drain(budget time.Duration) {
	if len(s.queue) == 0 {
		return
	}
	deadline := time.Now().Add(budget)
	steps := 0
	for len(s.queue) > 0 && steps < maxTasksPerDrain {
		if steps > 0 && !time.Now().Before(deadline) {
			break
		}
		t := s.queue[0]
		s.queue = s.queue[1:]
		steps++
		if t.step() {
			s.queue = append(s.queue, t)
			continue
		}
		if t.onDone != nil {
			t.onDone()
		}
	}
}

// Purge drops every queued task bound to serviceID without running its
// onDone callback, for peer deletion and client/helper disconnection
// (spec.md §4.7 cancellation rules): a departed peer or client should
// never receive work done on its behalf, nor an ACK it can't read.
func (s *Scheduler) Purge(serviceID string) {
	if len(s.queue) == 0 {
		return
	}
	kept := s.queue[:0]
	for _, t := range s.queue {
		if t.serviceID != serviceID {
			kept = append(kept, t)
		}
	}
	s.queue = kept
}

// Pending reports the current queue depth, for diagnostics.
func (s *Scheduler) Pending() int {
	return len(s.queue)
}
