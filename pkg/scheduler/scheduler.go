// Package scheduler implements a cooperative, single-threaded task scheduler.
//
// Every task runs on the goroutine that calls Run (or RunDue), one at a time,
// so state owned by tasks needs no locking. Waiting is expressed as
// "run this again after d", never as a blocking call inside a task.
package scheduler

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock"
)

// Task is a unit of work. Tasks must return promptly.
type Task func()

// Handle refers to a scheduled task and allows cancelling it.
type Handle struct {
	s  *Scheduler
	id uint64
}

// Cancel removes the task if it has not run yet. It reports whether the
// task was still pending.
func (h Handle) Cancel() bool {
	if h.s == nil {
		return false
	}
	return h.s.cancel(h.id)
}

// Scheduler runs tasks in due-time order on a single goroutine.
type Scheduler struct {
	clock clock.Clock

	mu    sync.Mutex
	seq   uint64
	queue taskQueue
	byID  map[uint64]*entry
	wake  chan struct{}
}

// New creates a scheduler driven by clk.
func New(clk clock.Clock) *Scheduler {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Scheduler{
		clock: clk,
		byID:  make(map[uint64]*entry),
		wake:  make(chan struct{}, 1),
	}
}

// Clock returns the scheduler's clock.
func (s *Scheduler) Clock() clock.Clock {
	return s.clock
}

// Post schedules fn to run as soon as possible. Safe to call from any
// goroutine.
func (s *Scheduler) Post(name string, fn Task) Handle {
	return s.After(name, 0, fn)
}

// After schedules fn to run once d has elapsed. Safe to call from any
// goroutine.
func (s *Scheduler) After(name string, d time.Duration, fn Task) Handle {
	if d < 0 {
		d = 0
	}
	s.mu.Lock()
	s.seq++
	e := &entry{
		id:   s.seq,
		name: name,
		due:  s.clock.Now().Add(d),
		fn:   fn,
	}
	heap.Push(&s.queue, e)
	s.byID[e.id] = e
	s.mu.Unlock()

	s.signal()
	return Handle{s: s, id: e.id}
}

// Pending returns the number of tasks waiting to run.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// NextDue returns the due time of the earliest pending task.
func (s *Scheduler) NextDue() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return time.Time{}, false
	}
	return s.queue[0].due, true
}

// RunDue runs every task whose due time has passed, including tasks that
// become due while running, and returns how many ran. Tests use it to step
// the scheduler deterministically against a test clock.
func (s *Scheduler) RunDue() int {
	ran := 0
	for {
		e := s.popDue(s.clock.Now())
		if e == nil {
			return ran
		}
		s.invoke(e)
		ran++
	}
}

// Run executes tasks until ctx is cancelled. Pending tasks are discarded on
// return.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.Info("scheduler_started")
	defer slog.Info("scheduler_stopped")

	for {
		s.RunDue()

		var (
			timer clock.Timer
			fire  <-chan time.Time
		)
		if due, ok := s.NextDue(); ok {
			timer = s.clock.NewTimer(due.Sub(s.clock.Now()))
			fire = timer.Chan()
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			s.discard()
			return ctx.Err()
		case <-s.wake:
		case <-fire:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (s *Scheduler) invoke(e *entry) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("scheduler_task_panic", "task", e.name, "panic", r)
		}
	}()
	e.fn()
}

func (s *Scheduler) popDue(now time.Time) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 || s.queue[0].due.After(now) {
		return nil
	}
	e := heap.Pop(&s.queue).(*entry)
	delete(s.byID, e.id)
	return e
}

func (s *Scheduler) cancel(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[id]
	if !ok {
		return false
	}
	heap.Remove(&s.queue, e.index)
	delete(s.byID, id)
	return true
}

func (s *Scheduler) discard() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.queue); n > 0 {
		slog.Info("scheduler_discarded_tasks", "count", n)
	}
	s.queue = nil
	s.byID = make(map[uint64]*entry)
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

type entry struct {
	id    uint64
	name  string
	due   time.Time
	fn    Task
	index int
}

// taskQueue orders entries by due time, then by insertion order.
type taskQueue []*entry

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].due.Equal(q[j].due) {
		return q[i].id < q[j].id
	}
	return q[i].due.Before(q[j].due)
}

func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *taskQueue) Push(x any) {
	e := x.(*entry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}
