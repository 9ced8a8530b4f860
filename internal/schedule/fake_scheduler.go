package schedule

import (
	"time"

	"github.com/signalsfoundry/lvapctl/timectrl"
)

// FakeScheduler is a TaskScheduler on a manual clock. Tests move time
// with AdvanceTo or Advance, which run every task that falls due.
type FakeScheduler struct {
	*TaskScheduler
	clock *timectrl.ManualClock
}

// NewFakeScheduler returns a scheduler frozen at start.
func NewFakeScheduler(start time.Time) *FakeScheduler {
	clock := timectrl.NewManualClock(start)
	return &FakeScheduler{
		TaskScheduler: NewTaskScheduler(clock),
		clock:         clock,
	}
}

// Clock exposes the manual clock so collaborators can share it.
func (s *FakeScheduler) Clock() *timectrl.ManualClock {
	return s.clock
}

// AdvanceTo moves time to t and runs due tasks. Time never goes
// backwards.
func (s *FakeScheduler) AdvanceTo(t time.Time) {
	s.clock.Set(t)
	s.RunDue()
}

// Advance moves time forward by d and runs due tasks.
func (s *FakeScheduler) Advance(d time.Duration) {
	s.AdvanceTo(s.clock.Now().Add(d))
}
