// Package record implements the record-mode syscall handler: for each
// syscall a tracee enters, it decides whether the tracee may be switched
// away from while the syscall blocks, stages in/out memory parameters into
// per-task scratch memory so other tracees can run concurrently, and after
// the syscall returns copies results back and appends every kernel-written
// byte range to the trace.
package record

import (
	"fmt"
)

// Switchable tells the scheduler whether a tracee may be parked while its
// current syscall blocks.
type Switchable int

const (
	PreventSwitch Switchable = iota
	AllowSwitch
)

func (s Switchable) String() string {
	if s == AllowSwitch {
		return "ALLOW_SWITCH"
	}
	return "PREVENT_SWITCH"
}

// ArgMode is the direction of a syscall memory parameter with respect to
// the kernel, and whether relocation to scratch is permitted.
type ArgMode int

const (
	// In: the kernel only reads the buffer. Relevant only because the
	// buffer must still be moved to scratch so kernel reads cannot
	// observe concurrent tracee writes.
	In ArgMode = iota
	// Out: the kernel writes the buffer.
	Out
	// InOut: both.
	InOut
	// InOutNoScratch: in-out, but must not be relocated; the address
	// itself is the identity (futex words).
	InOutNoScratch
)

// WriteBack selects whether ProcessResults copies scratch contents back and
// records output ranges, or only restores registers and pointers.
type WriteBack int

const (
	DoWriteBack WriteBack = iota
	NoWriteBack
)

// MagicSaveDataFd is the pseudo-fd tracees write to in order to inject
// opaque bytes into the trace.
const MagicSaveDataFd = 999

// ScratchPages is the default size of a task's scratch region, in pages.
const ScratchPages = 512

// PageSize is the only page size the recorder supports.
const PageSize = 4096

// MappingDisposition is the trace writer's answer to "must this mapping's
// contents be recorded?".
type MappingDisposition int

const (
	RecordInTrace MappingDisposition = iota
	DontRecordInTrace
)

// A TaskEventKind labels trace task events.
type TaskEventKind int

const (
	TaskEventClone TaskEventKind = iota
	TaskEventExec
)

// A TaskEvent is appended to the trace when a task is created or replaced
// by exec.
type TaskEvent struct {
	Kind       TaskEventKind
	Tid        int
	ParentTid  int
	CloneFlags uint64
	Filename   string
	Cmdline    []string
}

// A MappedRegion describes a memory mapping for the trace writer.
type MappedRegion struct {
	Name        string
	Dev, Inode  uint64
	Start, End  uint64
	FileSize    int64
	OffsetPages int64
}

// TraceWriter is the external trace persistence collaborator. The core
// only appends; formats are the writer's concern.
type TraceWriter interface {
	WriteRaw(tid int, addr uint64, data []byte)
	WriteTaskEvent(ev TaskEvent)
	WriteMappedRegion(m MappedRegion, prot, flags int) MappingDisposition
}

// Scheduler is the external scheduling collaborator.
type Scheduler interface {
	ScheduleOneRoundRobin(t Task)
	UpdateTaskPriority(t Task, prio int)
}

// VMTracker is the external memory-map bookkeeping collaborator.
type VMTracker interface {
	Map(t Task, addr uint64, size uint64, prot, flags int, offset int64, name string)
}

// Config carries the policy knobs the record core consults.
type Config struct {
	// ScratchPages is the per-task scratch region size in pages.
	ScratchPages int
	// StrictScratch turns scratch overflow from a logged downgrade into
	// a fatal error.
	StrictScratch bool
	// Blacklist lists path prefixes or suffixes whose open() is rewritten
	// to fail with -ENOENT.
	Blacklist []string
}

// A Session owns the per-task syscall states and the collaborator handles
// for one recording.
type Session struct {
	Trace TraceWriter
	Sched Scheduler
	VM    VMTracker
	Cfg   Config

	// Stdio, when non-nil, replaces the kcmp-based check for whether a
	// tracee fd refers to the recorder's own stdout/stderr.
	Stdio func(t Task, fd int) bool

	tasks  map[int]Task
	states map[int]*SyscallState
}

// NewSession creates a recording session around the given collaborators.
func NewSession(tw TraceWriter, sched Scheduler, vm VMTracker, cfg Config) *Session {
	if cfg.ScratchPages == 0 {
		cfg.ScratchPages = ScratchPages
	}
	return &Session{
		Trace:  tw,
		Sched:  sched,
		VM:     vm,
		Cfg:    cfg,
		tasks:  make(map[int]Task),
		states: make(map[int]*SyscallState),
	}
}

// AddTask registers a task with the session.
func (s *Session) AddTask(t Task) {
	s.tasks[t.Tid()] = t
}

// RemoveTask drops a task and any leftover syscall state.
func (s *Session) RemoveTask(tid int) {
	delete(s.tasks, tid)
	delete(s.states, tid)
}

// FindTask returns the task with the given tid, or nil.
func (s *Session) FindTask(tid int) Task {
	return s.tasks[tid]
}

// state returns the task's syscall state, creating it on the first entry
// hook for the current syscall.
func (s *Session) state(t Task) *SyscallState {
	st, ok := s.states[t.Tid()]
	if !ok {
		st = newSyscallState(t, s.Cfg.StrictScratch)
		s.states[t.Tid()] = st
	}
	return st
}

// dropState destroys the task's syscall state; the next entry hook starts
// fresh.
func (s *Session) dropState(t Task) {
	delete(s.states, t.Tid())
}

// A Fatal is panicked out of the record core when a tracee does something
// the recorder cannot handle. The session loop recovers it at top level.
type Fatal struct {
	Tid int
	Msg string
}

func (f *Fatal) Error() string {
	return fmt.Sprintf("record: tid %d: %s", f.Tid, f.Msg)
}

func fatalf(t Task, format string, args ...interface{}) {
	panic(&Fatal{Tid: t.Tid(), Msg: fmt.Sprintf(format, args...)})
}

func assert(t Task, cond bool, format string, args ...interface{}) {
	if !cond {
		fatalf(t, format, args...)
	}
}
