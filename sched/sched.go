// Package sched implements the cooperative, time-driven process loop
// that steps the keycode, origin-message, handshake, and link-manager
// engines in turn and sleeps for no longer than the soonest one asks
// for.
package sched

import (
	"context"
	"time"

	"github.com/fenwick-labs/nexuscore/nexuscore/log"
)

// NoRecall is the sentinel a Task returns from Process when it has
// nothing pending and doesn't need to be called again on any
// particular schedule (only when some other task's event wakes it).
const NoRecall uint32 = 0

// DefaultIdleCeilingS bounds how long a caller may sleep when no task
// asked to be recalled any sooner (idle ceiling).
const DefaultIdleCeilingS uint32 = 240

// Task is one cooperatively-scheduled unit of work. Process is called
// with the scheduler's current uptime in seconds and returns how many
// seconds may elapse before it must run again (NoRecall for "no
// opinion").
type Task struct {
	Name    string
	Process func(uptimeS uint32) (nextCallInS uint32)
}

// Scheduler runs a fixed, ordered list of Tasks on a single logical
// thread, exactly once per tick, in registration order. This system
// has no concurrent engines, so there is no fairness policy to get
// right beyond "do them all, in order, every tick".
type Scheduler struct {
	tasks   []Task
	uptimeS uint32
	log     *log.Gate
}

// New returns an empty Scheduler. If logger is nil, a disabled Gate is
// used so Tick never needs a nil check.
func New(logger *log.Gate) *Scheduler {
	if logger == nil {
		logger = log.New(noopProvider{})
	}
	return &Scheduler{log: logger}
}

type noopProvider struct{}

func (noopProvider) Error(string, ...interface{}) {}
func (noopProvider) Warn(string, ...interface{})  {}
func (noopProvider) Info(string, ...interface{})  {}
func (noopProvider) Debug(string, ...interface{}) {}

// Register adds a task to the end of the run order.
func (s *Scheduler) Register(name string, process func(uptimeS uint32) uint32) {
	s.tasks = append(s.tasks, Task{Name: name, Process: process})
}

// Uptime returns the scheduler's current logical uptime in seconds.
func (s *Scheduler) Uptime() uint32 { return s.uptimeS }

// Tick advances uptime by elapsedS, runs every task once in order, and
// returns the minimum positive next-call request across all tasks (or
// NoRecall if every task reported NoRecall).
func (s *Scheduler) Tick(elapsedS uint32) uint32 {
	s.uptimeS += elapsedS

	var minNext uint32
	haveMin := false
	for _, t := range s.tasks {
		next := t.Process(s.uptimeS)
		if next == NoRecall {
			continue
		}
		if !haveMin || next < minNext {
			minNext = next
			haveMin = true
		}
		s.log.Debug("sched: task %q requested recall in %ds", t.Name, next)
	}
	if !haveMin {
		return NoRecall
	}
	return minNext
}

// TaskNames returns the registered task names in run order, for tests
// and diagnostics.
func (s *Scheduler) TaskNames() []string {
	names := make([]string, len(s.tasks))
	for i, t := range s.tasks {
		names[i] = t.Name
	}
	return names
}

// Run drives the scheduler against the real clock until ctx is
// canceled: each iteration ticks by the elapsed wall-clock time since
// the previous iteration, sleeps for whatever the soonest task
// requested (bounded by maxSleep so an external wake source, say an
// incoming CoAP datagram, is still checked reasonably often), and
// repeats.
func (s *Scheduler) Run(ctx context.Context, maxSleep time.Duration) {
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		now := time.Now()
		elapsed := uint32(now.Sub(last).Seconds())
		last = now

		next := s.Tick(elapsed)
		sleep := maxSleep
		if next != NoRecall {
			if want := time.Duration(next) * time.Second; want < sleep {
				sleep = want
			}
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
