package task

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/zyedidia/retrace/arch"
	"github.com/zyedidia/retrace/record"
)

// AllocScratch maps the task's private scratch region by injecting an mmap
// into the tracee. Called exactly once per task, at a syscall-exit stop
// (exec or clone), where the instruction pointer sits just past a syscall
// instruction that can be re-executed with our registers.
func (t *Task) AllocScratch(pages int) (arch.Addr, uint64, error) {
	if !t.scratchPtr.IsNull() {
		return 0, 0, fmt.Errorf("task %d: scratch already allocated", t.tid)
	}
	size := uint64(pages) * record.PageSize
	res, err := t.injectSyscall(t.arch.Syscalls().Mmap,
		0, size,
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS,
		^uint64(0), 0)
	if err != nil {
		return 0, 0, err
	}
	if int64(res) < 0 {
		return 0, 0, fmt.Errorf("task %d: remote mmap failed: %v", t.tid, unix.Errno(-int64(res)))
	}
	t.scratchPtr = arch.Addr(res)
	t.scratchSize = size
	return t.scratchPtr, t.scratchSize, nil
}

// injectSyscall executes one syscall in the tracee by rewinding the
// instruction pointer over the syscall instruction it just executed and
// substituting registers, then restores the original registers.
func (t *Task) injectSyscall(sysno int, args ...uint64) (uint64, error) {
	saved := t.Regs()

	r := saved
	r.SetIP(saved.IP() - arch.Addr(t.arch.SyscallInstructionSize()))
	r.SetSyscallno(sysno)
	for i, a := range args {
		r.SetArg(i+1, a)
	}
	t.SetRegs(r)

	// Step through the injected syscall's entry and exit stops.
	for i := 0; i < 2; i++ {
		if err := t.tracer.Syscall(0); err != nil {
			return 0, fmt.Errorf("task %d: inject: %w", t.tid, err)
		}
		var ws unix.WaitStatus
		if _, err := unix.Wait4(t.tid, &ws, 0, nil); err != nil {
			return 0, fmt.Errorf("task %d: inject: %w", t.tid, err)
		}
		if !ws.Stopped() {
			return 0, fmt.Errorf("task %d: inject: tracee did not stop", t.tid)
		}
	}

	t.InvalidateRegs()
	regs := t.Regs()
	result := regs.Result()

	t.SetRegs(saved)
	return result, nil
}
