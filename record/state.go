package record

import (
	"github.com/zyedidia/retrace/arch"
)

// A memoryParam is one registered syscall memory parameter. Upon
// successful syscall completion each one consumes its evaluated size from
// the scratch region, copying the data back to dest and recording it
// there. Exactly one of ptrInReg/ptrInMemory locates the pointer that was
// redirected when scratch is in use.
type memoryParam struct {
	dest        arch.Addr
	scratch     arch.Addr
	size        ParamSize
	ptrInMemory arch.Addr
	ptrInReg    int
	mode        ArgMode
}

// A SyscallState is the per-task scratch object that lives from the
// syscall-entry stop to the syscall-exit stop. Preparers register memory
// parameters on it; DonePreparing performs the scratch relocation and fixes
// the switchability decision; ProcessResults writes everything back and
// records it.
type SyscallState struct {
	t Task

	params  []memoryParam
	scratch arch.Addr // bump pointer into t's scratch region

	// entryRegs are saved by preparers that clobber argument registers
	// (clone, execve, sched_setaffinity) so the exit path can restore
	// what the tracee asked for.
	entryRegs *arch.Registers

	// execEvent is the task event captured at execve entry; it cannot be
	// written until the exec is known to have succeeded.
	execEvent *TaskEvent

	// expectErrno, when nonzero, makes the exit path assert the kernel
	// returned exactly this errno.
	expectErrno int

	switchable      Switchable
	preparationDone bool
	scratchEnabled  bool
	recordStackPage bool
	strictScratch   bool
}

func newSyscallState(t Task, strict bool) *SyscallState {
	return &SyscallState{
		t:             t,
		scratch:       t.ScratchPtr(),
		strictScratch: strict,
	}
}

// RegParam registers a memory parameter whose address is in argument
// register arg. It returns the parameter's original tracee address, or
// null if the pointer was null or parameters have already been prepared
// (the syscall is resuming).
func (s *SyscallState) RegParam(arg int, size ParamSize, mode ArgMode) arch.Addr {
	if s.preparationDone {
		return 0
	}
	regs := s.t.Regs()
	dest := regs.Arg(arg)
	if dest.IsNull() {
		return 0
	}
	p := memoryParam{
		dest: dest,
		size: size,
		mode: mode,
	}
	if mode != InOutNoScratch {
		p.scratch = s.allocScratch(size)
		p.ptrInReg = arg
	}
	s.params = append(s.params, p)
	return dest
}

// MemParam registers a memory parameter found by indirection: the pointer
// lives at slot, which must fall inside some previously registered
// parameter's extent so the slot itself gets relocated along with its
// containing buffer.
func (s *SyscallState) MemParam(slot arch.Addr, size ParamSize, mode ArgMode) arch.Addr {
	if s.preparationDone {
		return 0
	}
	dest, err := readPtr(s.t, slot)
	if err != nil {
		fatalf(s.t, "can't read pointer slot at %#x: %v", uint64(slot), err)
	}
	if dest.IsNull() {
		return 0
	}
	p := memoryParam{
		dest: dest,
		size: size,
		mode: mode,
	}
	if mode != InOutNoScratch {
		p.scratch = s.allocScratch(size)
		p.ptrInMemory = slot
	}
	s.params = append(s.params, p)
	return dest
}

// allocScratch bumps the scratch pointer by the parameter's static cap and
// rounds up to an 8-byte boundary. Overflow is detected in DonePreparing,
// once the total is known.
func (s *SyscallState) allocScratch(size ParamSize) arch.Addr {
	assert(s.t, size.MaxSize() < Unbounded, "scratch reservation needs a finite cap")
	p := s.scratch
	s.scratch = (s.scratch + arch.Addr(size.MaxSize()) + 7) &^ 7
	return p
}

// relocateToScratch takes ptr, an address inside some registered
// parameter, and maps it to the corresponding location in that parameter's
// scratch area. Zero or more than one containing parameter is a bug.
func (s *SyscallState) relocateToScratch(ptr arch.Addr) arch.Addr {
	var result arch.Addr
	n := 0
	for i := range s.params {
		p := &s.params[i]
		if p.dest <= ptr && ptr < p.dest+arch.Addr(p.size.MaxSize()) {
			result = p.scratch + (ptr - p.dest)
			n++
		}
	}
	assert(s.t, n > 0, "pointer %#x is in non-scratch memory", uint64(ptr))
	assert(s.t, n <= 1, "overlapping buffers contain pointer %#x", uint64(ptr))
	return result
}

// DonePreparing finalizes parameter registration. If sw is AllowSwitch it
// sets up scratch: IN data is copied in, and every registered pointer (in
// a register or in already-relocated memory) is redirected to its scratch
// area. Idempotent; later calls return the cached decision.
func (s *SyscallState) DonePreparing(sw Switchable) Switchable {
	if s.preparationDone {
		return s.switchable
	}
	s.preparationDone = true

	t := s.t
	preRegs := t.Regs()
	used := uint64(s.scratch - t.ScratchPtr())
	if sw == AllowSwitch && used > t.ScratchSize() {
		if s.strictScratch {
			fatalf(t, "%s needed %d bytes of scratch but only %d are available",
				t.Arch().Syscalls().Name(preRegs.Syscallno()), used, t.ScratchSize())
		}
		Logger.Warnf("`%s' needed a scratch buffer of size %d, but only %d was available; disabling context switching, deadlock may follow",
			t.Arch().Syscalls().Name(preRegs.Syscallno()), used, t.ScratchSize())
		s.switchable = PreventSwitch
	} else {
		s.switchable = sw
	}
	if s.switchable == PreventSwitch || len(s.params) == 0 {
		return s.switchable
	}

	s.scratchEnabled = true

	// Step 1: copy all IN/IN_OUT parameters to their scratch areas.
	for i := range s.params {
		p := &s.params[i]
		assert(t, p.size.MaxSize() < Unbounded, "unbounded parameter cannot use scratch")
		if p.mode == In || p.mode == InOut {
			remoteMemcpy(t, p.scratch, p.dest, p.size.MaxSize())
		}
	}
	// Step 2: redirect pointers in registers and memory to scratch.
	regs := t.Regs()
	for i := range s.params {
		p := &s.params[i]
		if p.ptrInReg != 0 {
			regs.SetArg(p.ptrInReg, uint64(p.scratch))
		}
		if !p.ptrInMemory.IsNull() {
			// The pointer slot itself lives inside scratch now;
			// never modify the original memory. This relies on
			// step 1 having copied all input data already.
			slot := s.relocateToScratch(p.ptrInMemory)
			if err := writePtr(t, slot, p.scratch); err != nil {
				fatalf(t, "can't redirect pointer at %#x: %v", uint64(slot), err)
			}
		}
		// A size source inside a relocated buffer moves with it.
		if p.size.kind == sizeFromMemory && !p.size.mem.IsNull() {
			if s.contains(p.size.mem) {
				p.size.mem = s.relocateToScratch(p.size.mem)
			}
		}
	}
	t.SetRegs(regs)
	return s.switchable
}

// contains reports whether addr falls inside any registered parameter's
// extent.
func (s *SyscallState) contains(addr arch.Addr) bool {
	for i := range s.params {
		p := &s.params[i]
		if p.dest <= addr && addr < p.dest+arch.Addr(p.size.MaxSize()) {
			return true
		}
	}
	return false
}

// evalParamSize computes the actual size of parameter i, charging bytes
// already consumed by earlier parameters that share its dynamic source.
func (s *SyscallState) evalParamSize(i int, actual []uint64) uint64 {
	var consumed uint64
	for j := 0; j < i; j++ {
		if s.params[j].size.SameSource(s.params[i].size) {
			consumed += actual[j]
		}
	}
	return s.params[i].size.Eval(s.t, consumed)
}

// ProcessResults runs at the syscall-exit stop: evaluates each parameter's
// actual size in registration order, copies scratch back to the original
// destinations, restores redirected registers and pointer slots, and
// records every output range to the trace.
//
// NoWriteBack skips the copy and the recording but still restores
// registers and pointers; nanosleep completing successfully leaves its
// outparam untouched by the kernel. When scratch is not enabled, every
// parameter is recorded from tracee memory whatever writeBack says.
func (s *SyscallState) ProcessResults(writeBack WriteBack) {
	t := s.t
	assert(t, s.preparationDone, "processing results of an unprepared syscall")

	actual := make([]uint64, 0, len(s.params))

	if s.scratchEnabled {
		used := uint64(s.scratch - t.ScratchPtr())
		data := make([]byte, used)
		if err := t.ReadMem(t.ScratchPtr(), data); err != nil {
			fatalf(t, "can't read back scratch: %v", err)
		}
		regs := t.Regs()

		// Step 1: evaluate sizes and copy outputs home.
		for i := range s.params {
			p := &s.params[i]
			size := s.evalParamSize(i, actual)
			actual = append(actual, size)
			if writeBack == DoWriteBack && (p.mode == InOut || p.mode == Out) {
				off := uint64(p.scratch - t.ScratchPtr())
				if err := t.WriteMem(p.dest, data[off:off+size]); err != nil {
					fatalf(t, "can't write back %d bytes to %#x: %v", size, uint64(p.dest), err)
				}
			}
		}

		// Step 2: restore redirected registers and pointer slots.
		memoryCleanedUp := false
		for i := range s.params {
			p := &s.params[i]
			if p.ptrInReg != 0 {
				restoreArg(t, &regs, p.ptrInReg, uint64(p.dest))
			}
			if !p.ptrInMemory.IsNull() {
				memoryCleanedUp = true
				if err := writePtr(t, p.ptrInMemory, p.dest); err != nil {
					fatalf(t, "can't restore pointer at %#x: %v", uint64(p.ptrInMemory), err)
				}
			}
		}

		// Step 3: record output ranges, in registration order.
		if writeBack == DoWriteBack {
			for i := range s.params {
				p := &s.params[i]
				size := actual[i]
				switch {
				case p.mode == InOutNoScratch:
					t.RecordRemote(p.dest, size)
				case p.mode == InOut || p.mode == Out:
					// If pointer slots were restored in step 2
					// the local copy is stale there; re-read the
					// tracee so the restored values are what the
					// trace shows.
					if memoryCleanedUp {
						t.RecordRemote(p.dest, size)
					} else {
						off := uint64(p.scratch - t.ScratchPtr())
						t.RecordLocal(p.dest, data[off:off+size])
					}
				}
			}
		}
		t.SetRegs(regs)
	} else {
		for i := range s.params {
			size := s.evalParamSize(i, actual)
			actual = append(actual, size)
			t.RecordRemote(s.params[i].dest, size)
		}
	}

	if s.recordStackPage {
		// Some ioctls have been observed to scribble on the page
		// below the stack pointer, as if they had allocated scratch
		// space for themselves; capture it.
		sp := t.Regs()
		t.RecordRemote(sp.SP()-PageSize, PageSize)
	}
}

// restoreArg puts val back into argument register idx at a syscall-exit
// stop. Where the result register aliases argument register 1, the kernel
// has already overwritten that slot with the return value and there is no
// argument register left to restore; committing val there would replace
// the tracee's live result with a stale pointer.
func restoreArg(t Task, regs *arch.Registers, idx int, val uint64) {
	if idx == 1 && t.Arch().ResultAliasesArg1() {
		return
	}
	regs.SetArg(idx, val)
}

// remoteMemcpy copies n bytes between two tracee addresses through the
// recorder.
func remoteMemcpy(t Task, dst, src arch.Addr, n uint64) {
	if n == 0 {
		return
	}
	buf := make([]byte, n)
	if err := t.ReadMem(src, buf); err != nil {
		fatalf(t, "remote memcpy: can't read %d bytes at %#x: %v", n, uint64(src), err)
	}
	if err := t.WriteMem(dst, buf); err != nil {
		fatalf(t, "remote memcpy: can't write %d bytes at %#x: %v", n, uint64(dst), err)
	}
}
