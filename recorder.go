// Package retrace records the execution of a process tree so it can later
// be replayed deterministically. The session loop here drives tracees from
// syscall stop to syscall stop; the record package decides, per syscall,
// what to stage, what to capture, and whether the scheduler may switch
// away.
package retrace

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/zyedidia/retrace/arch"
	"github.com/zyedidia/retrace/record"
	"github.com/zyedidia/retrace/task"
	"github.com/zyedidia/retrace/trace"
)

// ErrFinishedTrace is returned when every traced process has exited.
var ErrFinishedTrace = errors.New("tracing finished")

// A Recorder owns one recording: the trace writer, the scheduler, the
// record session, and the set of live tasks.
type Recorder struct {
	cfg     Config
	writer  *trace.Writer
	sched   *Scheduler
	session *record.Session
	stats   *Stats

	tasks map[int]*task.Task
	ticks map[int]*TickCounter

	// execSeen flips once the initial task has completed its first
	// execve and scratch exists; syscall hooks only run from then on.
	execSeen map[int]bool
}

// NewRecorder creates a recorder writing to cfg.TraceDir.
func NewRecorder(cfg Config) (*Recorder, error) {
	w, err := trace.NewWriter(cfg.TraceDir, arch.Native().Tag().String())
	if err != nil {
		return nil, err
	}
	sched := NewScheduler()
	r := &Recorder{
		cfg:      cfg,
		writer:   w,
		sched:    sched,
		stats:    NewStats(),
		tasks:    make(map[int]*task.Task),
		ticks:    make(map[int]*TickCounter),
		execSeen: make(map[int]bool),
	}
	r.session = record.NewSession(w, sched, nil, record.Config{
		ScratchPages:  cfg.ScratchPages,
		StrictScratch: cfg.StrictScratch,
		Blacklist:     cfg.Blacklist,
	})
	return r, nil
}

// Stats returns the per-syscall counters collected so far.
func (r *Recorder) Stats() *Stats {
	return r.stats
}

// Close flushes the trace.
func (r *Recorder) Close() error {
	for _, c := range r.ticks {
		c.Close()
	}
	return r.writer.Close()
}

// Record launches the target and records it and everything it spawns until
// the tree exits. The calling goroutine must be locked to its OS thread;
// ptrace requests must come from the attaching thread.
func (r *Recorder) Record(target string, args []string) error {
	t, err := task.Start(target, args, r.writer)
	if err != nil {
		return fmt.Errorf("record: %w", err)
	}
	r.addTask(t)
	// The pre-main stop counts as the initial exec; scratch for the
	// first task is set up here rather than at an observed execve exit.
	if err := r.hook(t, func() { r.session.InitScratchMemory(t) }); err != nil {
		return err
	}
	r.execSeen[t.Tid()] = true

	if err := t.Tracer().Syscall(0); err != nil {
		return fmt.Errorf("record: %w", err)
	}

	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, 0, nil)
		if err != nil {
			return fmt.Errorf("record: wait: %w", err)
		}

		t, ok := r.tasks[pid]
		if !ok {
			// First sight of a clone child: it stops before the
			// parent's clone has returned.
			t = task.New(pid, arch.Native(), r.writer)
			r.addTask(t)
			Logger.Debugf("%d: new task", pid)
			if err := t.Tracer().Syscall(0); err != nil {
				return fmt.Errorf("record: %w", err)
			}
			continue
		}

		switch {
		case ws.Exited() || ws.Signaled():
			Logger.Debugf("%d: exited", pid)
			r.removeTask(pid)
			if len(r.tasks) == 0 {
				return nil
			}
			continue

		case !ws.Stopped():
			continue
		}

		sig := unix.Signal(0)
		switch {
		case ws.StopSignal() == unix.SIGTRAP|0x80:
			// A syscall entry or exit stop.
			if err := r.syscallStop(t); err != nil {
				return err
			}

		case ws.TrapCause() == unix.PTRACE_EVENT_CLONE ||
			ws.TrapCause() == unix.PTRACE_EVENT_FORK ||
			ws.TrapCause() == unix.PTRACE_EVENT_VFORK:
			newpid, _ := t.Tracer().GetEventMsg()
			Logger.Debugf("%d: spawned %d", pid, newpid)
			if _, ok := r.tasks[int(newpid)]; !ok {
				nt := task.New(int(newpid), arch.Native(), r.writer)
				r.addTask(nt)
			}
			r.execSeen[int(newpid)] = true

		case ws.TrapCause() == unix.PTRACE_EVENT_EXEC:
			Logger.Debugf("%d: exec", pid)
			r.execSeen[pid] = true

		case ws.StopSignal() != unix.SIGTRAP:
			Logger.Debugf("%d: signal %v", pid, ws.StopSignal())
			sig = ws.StopSignal()
		}

		if err := t.Tracer().Syscall(sig); err != nil {
			return fmt.Errorf("record: %w", err)
		}
	}
}

// syscallStop dispatches one syscall entry or exit stop into the record
// core.
func (r *Recorder) syscallStop(t *task.Task) error {
	t.InvalidateRegs()

	if !r.execSeen[t.Tid()] {
		return nil
	}

	if !t.InSyscall() {
		t.SetInSyscall(true)
		regs := t.Regs()
		sysno := regs.Syscallno()
		return r.hook(t, func() {
			r.session.BeforeRecordSyscallEntry(t, sysno)
			sw := r.session.PrepareSyscall(t)
			t.SetSwitchable(sw)
			Logger.Debugf("%d: %s -> %v", t.Tid(), t.Arch().Syscalls().Name(sysno), sw)
		})
	}

	t.SetInSyscall(false)
	regs := t.Regs()
	sysno := regs.Syscallno()
	res := regs.ResultSigned()
	return r.hook(t, func() {
		if restarted(res) {
			r.session.PrepareRestartSyscall(t)
			return
		}
		r.session.ProcessSyscall(t)
		r.stats.Count(t.Arch().Syscalls().Name(sysno), t.Switchable() == record.AllowSwitch)
	})
}

// restarted reports whether the kernel interrupted the syscall and intends
// to restart it.
func restarted(res int64) bool {
	switch -res {
	case arch.ERESTARTSYS, arch.ERESTARTNOINTR, arch.ERESTARTNOHAND, arch.ERESTART_RESTARTBLOCK:
		return true
	}
	return false
}

// hook runs a record-core callback, converting its fatal panics into
// errors that unwind the session loop.
func (r *Recorder) hook(t *task.Task, f func()) (err error) {
	defer func() {
		if p := recover(); p != nil {
			if f, ok := p.(*record.Fatal); ok {
				err = f
				return
			}
			panic(p)
		}
	}()
	f()
	return nil
}

func (r *Recorder) addTask(t *task.Task) {
	r.tasks[t.Tid()] = t
	r.session.AddTask(t)
	r.sched.Add(t)
	if c, err := NewTickCounter(t.Tid()); err == nil {
		c.Enable()
		r.ticks[t.Tid()] = c
	} else {
		Logger.Debugf("%d: no tick counter: %v", t.Tid(), err)
	}
}

func (r *Recorder) removeTask(tid int) {
	if c, ok := r.ticks[tid]; ok {
		c.Close()
		delete(r.ticks, tid)
	}
	delete(r.tasks, tid)
	r.session.RemoveTask(tid)
	r.sched.Remove(tid)
	delete(r.execSeen, tid)
}
