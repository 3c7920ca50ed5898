package record

import (
	"encoding/binary"

	"github.com/zyedidia/retrace/arch"
)

// A Desched marks a tracee that was descheduled inside an in-process
// buffered syscall. Such calls bypass scratch entirely; the syscall buffer
// serves as its own scratch and is recorded at exit.
type Desched struct {
	Syscallno int
	BufAddr   arch.Addr
	Size      uint64
}

// FdStat is what the core needs to know about an open tracee fd when
// processing mmap.
type FdStat struct {
	Name       string
	Size       int64
	Dev, Inode uint64
}

// Task is the contract the record core requires from a tracee handle. The
// concrete implementation lives in the task package; tests substitute an
// in-memory fake.
type Task interface {
	Tid() int
	Arch() arch.Arch

	// Regs returns a snapshot of the registers at the current stop;
	// SetRegs commits a modified snapshot back to the tracee.
	Regs() arch.Registers
	SetRegs(r arch.Registers)

	ReadMem(addr arch.Addr, b []byte) error
	WriteMem(addr arch.Addr, b []byte) error
	ReadCString(addr arch.Addr) (string, error)

	// ScratchPtr/ScratchSize describe the task's private scratch region,
	// mapped exactly once per task.
	ScratchPtr() arch.Addr
	ScratchSize() uint64
	// AllocScratch maps the scratch region in the tracee via an injected
	// mmap and remembers it. Called once per task.
	AllocScratch(pages int) (arch.Addr, uint64, error)

	// RecordRemote appends [addr, addr+n) read from tracee memory to the
	// trace. RecordLocal appends an already-local copy. The even-if-null
	// variant emits a zero-length record when addr is null instead of
	// skipping.
	RecordRemote(addr arch.Addr, n uint64)
	RecordRemoteEvenIfNull(addr arch.Addr, n uint64)
	RecordLocal(addr arch.Addr, data []byte)

	// DeschedRec returns non-nil when the task sits in a buffered
	// syscall it was descheduled from.
	DeschedRec() *Desched

	// Progress accounting and scheduler hints.
	EventCount() uint64
	SetEventCount(n uint64)
	SetPseudoBlocked(v bool)
	SetSwitchable(sw Switchable)

	// Shadowed kernel-side task attributes.
	SetName(name string)
	SetTidAddr(addr arch.Addr)
	SetRobustList(addr arch.Addr, n uint64)
	UpdateSigmask(r arch.Registers)
	UpdateSigaction(r arch.Registers)
	SetSavedSigmask(mask uint64)
	ClearSavedSigmask()

	// Stat describes an open tracee fd (for file-backed mmap).
	Stat(fd int) (FdStat, error)
	// ELFClass probes the ELF class of a file the tracee is about to
	// exec: 32, 64, or 0 if the file cannot be read (the kernel will
	// produce the failure itself).
	ELFClass(path string) int
}

// readWord reads a width-bounded little-endian unsigned value from tracee
// memory.
func readWord(t Task, addr arch.Addr, width int) (uint64, error) {
	b := make([]byte, width)
	if err := t.ReadMem(addr, b); err != nil {
		return 0, err
	}
	switch width {
	case 1:
		return uint64(b[0]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(b)), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(b)), nil
	case 8:
		return binary.LittleEndian.Uint64(b), nil
	}
	return 0, errBadWidth
}

// readPtr reads a tracee pointer from tracee memory.
func readPtr(t Task, addr arch.Addr) (arch.Addr, error) {
	v, err := readWord(t, addr, t.Arch().PointerSize())
	return arch.Addr(v), err
}

// writePtr writes a tracee pointer into tracee memory.
func writePtr(t Task, addr arch.Addr, val arch.Addr) error {
	b := make([]byte, t.Arch().PointerSize())
	switch len(b) {
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(val))
	case 8:
		binary.LittleEndian.PutUint64(b, uint64(val))
	default:
		return errBadWidth
	}
	return t.WriteMem(addr, b)
}
