// Package task implements the tracee handle the record core drives:
// register access, remote memory, scratch bookkeeping, and the remote
// syscall injection used to allocate scratch. One Task exists per traced
// thread.
package task

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/zyedidia/retrace/arch"
	"github.com/zyedidia/retrace/ptrace"
	"github.com/zyedidia/retrace/record"
)

// A Task is one traced thread.
type Task struct {
	tid    int
	arch   arch.Arch
	tracer *ptrace.Tracer
	trace  record.TraceWriter

	// snap is the register snapshot taken at the current stop; commits
	// diff against it so a result the record core changed wins the x0
	// slot on arm64. The aliasing is only fully resolvable at entry
	// stops; at exit stops the core must not touch argument register 1
	// at all (arch.ResultAliasesArg1), since the kernel has already
	// replaced it with the return value.
	snap      arch.Registers
	snapValid bool

	scratchPtr  arch.Addr
	scratchSize uint64

	desched *record.Desched

	eventCount    uint64
	pseudoBlocked bool
	switchable    record.Switchable

	name       string
	tidAddr    arch.Addr
	robustList arch.Addr
	robustLen  uint64
	sigmask    uint64
	savedMask  uint64
	hasSaved   bool

	inSyscall bool
}

// New wraps an already-traced thread.
func New(tid int, a arch.Arch, tw record.TraceWriter) *Task {
	return &Task{
		tid:    tid,
		arch:   a,
		tracer: ptrace.NewTracer(tid),
		trace:  tw,
	}
}

// Start launches target under ptrace and returns its task, stopped at the
// post-execve trap.
func Start(target string, args []string, tw record.TraceWriter) (*Task, error) {
	cmd := exec.Command(target, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &unix.SysProcAttr{
		Ptrace: true,
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	cmd.Wait()

	t := New(cmd.Process.Pid, arch.Native(), tw)
	err := t.tracer.SetOptions(unix.PTRACE_O_TRACESYSGOOD |
		unix.PTRACE_O_TRACECLONE | unix.PTRACE_O_TRACEFORK |
		unix.PTRACE_O_TRACEVFORK | unix.PTRACE_O_TRACEEXEC |
		unix.PTRACE_O_EXITKILL)
	if err != nil {
		return nil, fmt.Errorf("task: set options: %w", err)
	}
	return t, nil
}

// Tid returns the thread id.
func (t *Task) Tid() int { return t.tid }

// Arch returns the task's architecture descriptor.
func (t *Task) Arch() arch.Arch { return t.arch }

// Tracer exposes the underlying ptrace driver to the session loop.
func (t *Task) Tracer() *ptrace.Tracer { return t.tracer }

// InSyscall tracks whether the next syscall stop is an entry or an exit.
func (t *Task) InSyscall() bool     { return t.inSyscall }
func (t *Task) SetInSyscall(v bool) { t.inSyscall = v }

// InvalidateRegs drops the cached register snapshot; called by the session
// loop at every stop.
func (t *Task) InvalidateRegs() {
	t.snapValid = false
}

// Regs returns a snapshot of the registers at the current stop.
func (t *Task) Regs() arch.Registers {
	if !t.snapValid {
		var native unix.PtraceRegs
		if err := t.tracer.GetRegs(&native); err != nil {
			panic(&record.Fatal{Tid: t.tid, Msg: fmt.Sprintf("can't read registers: %v", err)})
		}
		t.snap = fromNative(&native)
		t.snapValid = true
	}
	return t.snap
}

// SetRegs commits a modified snapshot back to the tracee.
func (t *Task) SetRegs(r arch.Registers) {
	if err := t.commitRegs(r); err != nil {
		panic(&record.Fatal{Tid: t.tid, Msg: fmt.Sprintf("can't write registers: %v", err)})
	}
	t.snap = r
	t.snapValid = true
}

// ReadMem reads len(b) bytes at addr in the tracee.
func (t *Task) ReadMem(addr arch.Addr, b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if n, err := t.tracer.ReadVM(uintptr(addr), b); err == nil && n == len(b) {
		return nil
	}
	_, err := t.tracer.PeekData(uintptr(addr), b)
	return err
}

// WriteMem writes b at addr in the tracee.
func (t *Task) WriteMem(addr arch.Addr, b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if n, err := t.tracer.WriteVM(uintptr(addr), b); err == nil && n == len(b) {
		return nil
	}
	_, err := t.tracer.PokeData(uintptr(addr), b)
	return err
}

// ReadCString reads a NUL-terminated string at addr.
func (t *Task) ReadCString(addr arch.Addr) (string, error) {
	var sb strings.Builder
	buf := make([]byte, 256)
	for {
		// Chunked PeekData tolerates strings that end near an unmapped
		// page.
		n, err := t.tracer.PeekData(uintptr(addr), buf)
		if n == 0 && err != nil {
			return "", err
		}
		for i := 0; i < n; i++ {
			if buf[i] == 0 {
				sb.Write(buf[:i])
				return sb.String(), nil
			}
		}
		sb.Write(buf[:n])
		addr += arch.Addr(n)
	}
}

// ScratchPtr returns the base of the task's scratch region.
func (t *Task) ScratchPtr() arch.Addr { return t.scratchPtr }

// ScratchSize returns the scratch region's length in bytes.
func (t *Task) ScratchSize() uint64 { return t.scratchSize }

// RecordRemote appends [addr, addr+n) read from the tracee to the trace.
func (t *Task) RecordRemote(addr arch.Addr, n uint64) {
	if addr.IsNull() || n == 0 {
		return
	}
	data := make([]byte, n)
	if err := t.ReadMem(addr, data); err != nil {
		panic(&record.Fatal{Tid: t.tid, Msg: fmt.Sprintf("can't record %d bytes at %#x: %v", n, uint64(addr), err)})
	}
	t.trace.WriteRaw(t.tid, uint64(addr), data)
}

// RecordRemoteEvenIfNull is RecordRemote, but a null address produces a
// zero-length record instead of nothing so replay sees the same record
// sequence regardless of what the tracee passed.
func (t *Task) RecordRemoteEvenIfNull(addr arch.Addr, n uint64) {
	if addr.IsNull() {
		t.trace.WriteRaw(t.tid, 0, nil)
		return
	}
	t.RecordRemote(addr, n)
}

// RecordLocal appends an already-local copy of tracee data to the trace.
func (t *Task) RecordLocal(addr arch.Addr, data []byte) {
	t.trace.WriteRaw(t.tid, uint64(addr), data)
}

// DeschedRec returns the desched marker when the task blocked inside a
// buffered syscall; the syscall-buffering fast path sets it.
func (t *Task) DeschedRec() *record.Desched { return t.desched }

// SetDeschedRec installs or clears the desched marker.
func (t *Task) SetDeschedRec(d *record.Desched) { t.desched = d }

// EventCount is the task's progress counter used by the scheduler.
func (t *Task) EventCount() uint64      { return t.eventCount }
func (t *Task) SetEventCount(n uint64)  { t.eventCount = n }
func (t *Task) TickEvent()              { t.eventCount++ }
func (t *Task) SetPseudoBlocked(v bool) { t.pseudoBlocked = v }
func (t *Task) PseudoBlocked() bool     { return t.pseudoBlocked }

// Switchable is the decision recorded for the task's current syscall.
func (t *Task) Switchable() record.Switchable      { return t.switchable }
func (t *Task) SetSwitchable(sw record.Switchable) { t.switchable = sw }

// SetName shadows the comm name set via prctl(PR_SET_NAME).
func (t *Task) SetName(name string) { t.name = name }

// Name returns the shadowed comm name.
func (t *Task) Name() string { return t.name }

// SetTidAddr shadows set_tid_address.
func (t *Task) SetTidAddr(addr arch.Addr) { t.tidAddr = addr }

// SetRobustList shadows set_robust_list.
func (t *Task) SetRobustList(addr arch.Addr, n uint64) {
	t.robustList = addr
	t.robustLen = n
}

// UpdateSigmask shadows rt_sigprocmask at its exit stop.
func (t *Task) UpdateSigmask(r arch.Registers) {
	if r.Failed() || r.Arg(2).IsNull() {
		return
	}
	var buf [8]byte
	if err := t.ReadMem(r.Arg(2), buf[:]); err != nil {
		return
	}
	mask := uint64(buf[0]) | uint64(buf[1])<<8 | uint64(buf[2])<<16 | uint64(buf[3])<<24 |
		uint64(buf[4])<<32 | uint64(buf[5])<<40 | uint64(buf[6])<<48 | uint64(buf[7])<<56
	switch int(r.ArgSigned(1)) {
	case 0: // SIG_BLOCK
		t.sigmask |= mask
	case 1: // SIG_UNBLOCK
		t.sigmask &^= mask
	case 2: // SIG_SETMASK
		t.sigmask = mask
	}
}

// UpdateSigaction shadows rt_sigaction; the recorder only needs to know
// that dispositions changed, not what they are.
func (t *Task) UpdateSigaction(r arch.Registers) {}

// SetSavedSigmask remembers the mask a sigsuspend installed so signal
// delivery can consult the pre-suspend mask.
func (t *Task) SetSavedSigmask(mask uint64) {
	t.savedMask = mask
	t.hasSaved = true
}

// ClearSavedSigmask forgets the sigsuspend mask at syscall exit.
func (t *Task) ClearSavedSigmask() {
	t.hasSaved = false
}

// Stat describes an open tracee fd.
func (t *Task) Stat(fd int) (record.FdStat, error) {
	link := fmt.Sprintf("/proc/%d/fd/%d", t.tid, fd)
	name, err := os.Readlink(link)
	if err != nil {
		return record.FdStat{}, err
	}
	var st unix.Stat_t
	if err := unix.Stat(link, &st); err != nil {
		return record.FdStat{}, err
	}
	return record.FdStat{
		Name:  name,
		Size:  st.Size,
		Dev:   uint64(st.Dev),
		Inode: st.Ino,
	}, nil
}

// ELFClass probes the class of the binary at path, resolving relative
// paths against the tracee's working directory. 0 means the file could not
// be read; the kernel will produce its own failure.
func (t *Task) ELFClass(path string) int {
	if !filepath.IsAbs(path) {
		path = filepath.Join(fmt.Sprintf("/proc/%d/cwd", t.tid), path)
	}
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()
	var hdr [5]byte
	if _, err := f.ReadAt(hdr[:], 0); err != nil {
		return 0
	}
	if string(hdr[:4]) != "\x7fELF" {
		return 0
	}
	switch hdr[4] {
	case 1:
		return 32
	case 2:
		return 64
	}
	return 0
}
