package retrace

import (
	"github.com/zyedidia/retrace/record"
)

// Scheduler is the cooperative scheduler that multiplexes tracees over the
// single ptrace controller. At most one tracee advances at a time; the
// record core tells it, per syscall, whether the current tracee may be
// parked. Lower priority values run first, matching nice semantics.
type Scheduler struct {
	queue []record.Task
	prio  map[int]int
}

// NewScheduler returns an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{
		prio: make(map[int]int),
	}
}

// Add registers a runnable task at the back of the round-robin queue.
func (s *Scheduler) Add(t record.Task) {
	s.queue = append(s.queue, t)
	if _, ok := s.prio[t.Tid()]; !ok {
		s.prio[t.Tid()] = 0
	}
}

// Remove drops a task that exited.
func (s *Scheduler) Remove(tid int) {
	for i, q := range s.queue {
		if q.Tid() == tid {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			break
		}
	}
	delete(s.prio, tid)
}

// Len returns the number of scheduled tasks.
func (s *Scheduler) Len() int {
	return len(s.queue)
}

// ScheduleOneRoundRobin moves t to the back of the queue so every other
// runnable task of equal or higher priority gets a slot before t runs
// again. sched_yield uses this.
func (s *Scheduler) ScheduleOneRoundRobin(t record.Task) {
	s.Remove(t.Tid())
	s.queue = append(s.queue, t)
	s.prio[t.Tid()] = 0
	Logger.Debugf("%d: scheduled round-robin", t.Tid())
}

// UpdateTaskPriority mirrors a setpriority call into the scheduler.
func (s *Scheduler) UpdateTaskPriority(t record.Task, prio int) {
	s.prio[t.Tid()] = prio
}

// Next picks the task to run: the first task in queue order among those
// with the minimal priority value, preferring one different from current.
func (s *Scheduler) Next(current record.Task) record.Task {
	if len(s.queue) == 0 {
		return nil
	}
	best := -1
	for i, t := range s.queue {
		if current != nil && t.Tid() == current.Tid() {
			continue
		}
		if best == -1 || s.prio[t.Tid()] < s.prio[s.queue[best].Tid()] {
			best = i
		}
	}
	if best == -1 {
		return current
	}
	return s.queue[best]
}
