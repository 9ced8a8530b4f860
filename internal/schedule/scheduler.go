// Package schedule runs deferred callbacks on a timectrl.Clock. Handoffs
// and application resumes predicted by the relocation planner are
// queued here.
package schedule

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/signalsfoundry/lvapctl/timectrl"
)

// Scheduler queues callbacks for later execution.
type Scheduler interface {
	// ScheduleAfter runs f once d has elapsed. A non-positive d makes the
	// task due immediately. group tags the task for CancelGroup and may
	// be empty.
	ScheduleAfter(d time.Duration, group string, f func()) (id string)

	// Cancel drops a pending task. It reports whether the task was still
	// pending.
	Cancel(id string) bool

	// CancelGroup drops every pending task tagged with group and returns
	// how many were dropped.
	CancelGroup(group string) int

	// Now returns the scheduler's current time.
	Now() time.Time

	// RunDue executes every task whose deadline is <= Now().
	RunDue()

	// Pending returns the number of tasks not yet run or cancelled.
	Pending() int
}

type task struct {
	id        string
	group     string
	when      time.Time
	f         func()
	cancelled bool
}

// TaskScheduler is the Scheduler implementation. Tasks are kept in
// deadline order; ties run in submission order.
type TaskScheduler struct {
	clock timectrl.Clock

	mu      sync.Mutex
	counter uint64
	tasks   []*task
	index   map[string]*task
	onCount func(pending int)

	wake chan struct{}
}

// NewTaskScheduler returns a scheduler reading time from clock.
func NewTaskScheduler(clock timectrl.Clock) *TaskScheduler {
	return &TaskScheduler{
		clock: clock,
		index: make(map[string]*task),
		wake:  make(chan struct{}, 1),
	}
}

// OnPendingChange registers fn to receive the pending count whenever it
// changes. fn runs with the scheduler lock held and must not call back
// into the scheduler.
func (s *TaskScheduler) OnPendingChange(fn func(pending int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCount = fn
}

func (s *TaskScheduler) Now() time.Time {
	return s.clock.Now()
}

func (s *TaskScheduler) ScheduleAfter(d time.Duration, group string, f func()) string {
	if d < 0 {
		d = 0
	}
	s.mu.Lock()
	s.counter++
	t := &task{
		id:    fmt.Sprintf("task-%d", s.counter),
		group: group,
		when:  s.clock.Now().Add(d),
		f:     f,
	}
	idx := sort.Search(len(s.tasks), func(i int) bool {
		return s.tasks[i].when.After(t.when)
	})
	s.tasks = append(s.tasks, nil)
	copy(s.tasks[idx+1:], s.tasks[idx:])
	s.tasks[idx] = t
	s.index[t.id] = t
	s.notifyLocked()
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return t.id
}

func (s *TaskScheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.index[id]
	if !ok {
		return false
	}
	t.cancelled = true
	delete(s.index, id)
	s.notifyLocked()
	return true
}

func (s *TaskScheduler) CancelGroup(group string) int {
	if group == "" {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, t := range s.index {
		if t.group != group {
			continue
		}
		t.cancelled = true
		delete(s.index, id)
		n++
	}
	if n > 0 {
		s.notifyLocked()
	}
	return n
}

func (s *TaskScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index)
}

// popDueLocked removes the earliest live task due at now. Cancelled
// tasks at the head are discarded on the way.
func (s *TaskScheduler) popDueLocked(now time.Time) *task {
	for len(s.tasks) > 0 {
		t := s.tasks[0]
		if t.cancelled {
			s.tasks = s.tasks[1:]
			continue
		}
		if t.when.After(now) {
			return nil
		}
		s.tasks = s.tasks[1:]
		delete(s.index, t.id)
		s.notifyLocked()
		return t
	}
	return nil
}

func (s *TaskScheduler) RunDue() {
	for {
		s.mu.Lock()
		t := s.popDueLocked(s.clock.Now())
		s.mu.Unlock()
		if t == nil {
			return
		}
		// Callbacks run outside the lock so they may schedule more work.
		if t.f != nil {
			t.f()
		}
	}
}

// next returns the deadline of the earliest live task.
func (s *TaskScheduler) next() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if !t.cancelled {
			return t.when, true
		}
	}
	return time.Time{}, false
}

func (s *TaskScheduler) notifyLocked() {
	if s.onCount != nil {
		s.onCount(len(s.index))
	}
}

// Run executes tasks as they fall due until ctx is done.
func (s *TaskScheduler) Run(ctx context.Context) error {
	for {
		s.RunDue()

		var timer <-chan time.Time
		if when, ok := s.next(); ok {
			timer = s.clock.After(when.Sub(s.clock.Now()))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer:
		case <-s.wake:
		}
	}
}
