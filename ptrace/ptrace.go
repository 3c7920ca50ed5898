// Package ptrace wraps the ptrace requests the recorder needs to drive
// tracees from syscall stop to syscall stop.
package ptrace

import (
	"golang.org/x/sys/unix"
)

// A Tracer keeps track of a process and allows running ptrace functions on
// that process.
type Tracer struct {
	pid int
}

// NewTracer returns a tracer for the given PID.
func NewTracer(pid int) *Tracer {
	return &Tracer{
		pid: pid,
	}
}

// ReAttachAndContinue re-attaches to a traced process with PTRACE_SEIZE.
// The ptrace API requires a hack to get group stops to work properly with
// multithreaded programs: detach and re-attach with PTRACE_SEIZE.
func (t *Tracer) ReAttachAndContinue(options int) error {
	unix.Kill(t.pid, unix.SIGSTOP)
	unix.PtraceDetach(t.pid)
	_, _, err := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_SEIZE, uintptr(t.pid), 0, uintptr(options), 0, 0)
	unix.Kill(t.pid, unix.SIGCONT)
	if err == 0 {
		return nil
	}
	return error(err)
}

// SetOptions changes the ptrace options.
func (t *Tracer) SetOptions(options int) error {
	return unix.PtraceSetOptions(t.pid, options)
}

// GetEventMsg returns the newest event message, e.g. the tid of a fresh
// clone child at a PTRACE_EVENT_CLONE stop.
func (t *Tracer) GetEventMsg() (uint, error) {
	return unix.PtraceGetEventMsg(t.pid)
}

// Cont continues execution of the tracee until the next event.
func (t *Tracer) Cont(sig unix.Signal) error {
	return unix.PtraceCont(t.pid, int(sig))
}

// Syscall continues execution of the tracee until the next syscall entry or
// exit stop.
func (t *Tracer) Syscall(sig unix.Signal) error {
	return unix.PtraceSyscall(t.pid, int(sig))
}

// SingleStep executes one instruction in the tracee.
func (t *Tracer) SingleStep() error {
	return unix.PtraceSingleStep(t.pid)
}

// Listen should be used to continue execution when a group stop occurs.
func (t *Tracer) Listen() error {
	_, _, err := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_LISTEN, uintptr(t.pid), 0, 0, 0, 0)
	if err == 0 {
		return nil
	}
	return error(err)
}

// Interrupt stops the tracee without delivering a signal.
func (t *Tracer) Interrupt() error {
	_, _, err := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_INTERRUPT, uintptr(t.pid), 0, 0, 0, 0)
	if err == 0 {
		return nil
	}
	return error(err)
}

// Detach stops tracing the process.
func (t *Tracer) Detach() error {
	return unix.PtraceDetach(t.pid)
}

// SetRegs assigns the registers of the tracee.
func (t *Tracer) SetRegs(regs *unix.PtraceRegs) error {
	return unix.PtraceSetRegs(t.pid, regs)
}

// GetRegs fetches the registers of the tracee.
func (t *Tracer) GetRegs(regs *unix.PtraceRegs) error {
	return unix.PtraceGetRegs(t.pid, regs)
}

// PeekData reads len(data) bytes at 'addr' in the tracee and places the
// bytes in the data slice. It returns the amount of data read or an error.
func (t *Tracer) PeekData(addr uintptr, data []byte) (int, error) {
	var nread int
	for nread < len(data) {
		n, err := unix.PtracePeekData(t.pid, addr+uintptr(nread), data[nread:])
		if n == 0 || err != nil {
			return nread, err
		}
		nread += n
	}
	return nread, nil
}

// PokeData writes data to the tracee's memory at 'addr'.
func (t *Tracer) PokeData(addr uintptr, data []byte) (int, error) {
	var nwritten int
	for nwritten < len(data) {
		n, err := unix.PtracePokeData(t.pid, addr+uintptr(nwritten), data[nwritten:])
		if n == 0 || err != nil {
			return nwritten, err
		}
		nwritten += n
	}
	return nwritten, nil
}

// ReadVM uses process_vm_readv to read len(data) bytes from the tracee's
// 'addr' address. Generally faster than PeekData, but the region must be
// readable by the tracee itself.
func (t *Tracer) ReadVM(addr uintptr, data []byte) (int, error) {
	remoteIov := unix.RemoteIovec{
		Base: addr,
		Len:  len(data),
	}
	localIov := unix.Iovec{
		Base: &data[0],
		Len:  uint64(len(data)),
	}
	return unix.ProcessVMReadv(t.pid, []unix.Iovec{localIov}, []unix.RemoteIovec{remoteIov}, 0)
}

// WriteVM uses process_vm_writev to write data to addr in the tracee. It is
// functionally the same as PokeData but requires the region to be writable
// for the tracee as well.
func (t *Tracer) WriteVM(addr uintptr, data []byte) (int, error) {
	remoteIov := unix.RemoteIovec{
		Base: addr,
		Len:  len(data),
	}
	localIov := unix.Iovec{
		Base: &data[0],
		Len:  uint64(len(data)),
	}
	return unix.ProcessVMWritev(t.pid, []unix.Iovec{localIov}, []unix.RemoteIovec{remoteIov}, 0)
}

// Pid returns the PID of the traced process.
func (t *Tracer) Pid() int {
	return t.pid
}
