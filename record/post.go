package record

import (
	"fmt"
	"strings"

	"github.com/zyedidia/retrace/arch"
	"golang.org/x/sys/unix"
)

// scratchProt includes PROT_EXEC only to keep the region from being
// coalesced with a neighboring anonymous mapping; if the region were
// named, the exec bit could go.
const scratchProt = unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC
const scratchFlags = unix.MAP_PRIVATE | unix.MAP_ANONYMOUS

// InitScratchMemory maps the task's private scratch region via an injected
// mmap and registers the mapping with the trace writer and VM tracker.
// Called once per task: at exec for the initial task, at clone exit for
// children.
func (s *Session) InitScratchMemory(t Task) {
	ptr, size, err := t.AllocScratch(s.Cfg.ScratchPages)
	if err != nil {
		fatalf(t, "can't allocate scratch: %v", err)
	}
	name := fmt.Sprintf("scratch for thread %d", t.Tid())
	disp := s.Trace.WriteMappedRegion(MappedRegion{
		Name:  name,
		Start: uint64(ptr),
		End:   uint64(ptr) + size,
	}, scratchProt, scratchFlags)
	assert(t, disp == DontRecordInTrace, "scratch must not be recorded")
	if s.VM != nil {
		s.VM.Map(t, uint64(ptr), size, scratchProt, scratchFlags, 0, name)
	}
}

// processClone covers the recorder's tracks from entry (restoring a
// stripped CLONE_UNTRACED), records the tid/tls/ctid words the clone ABI
// may have written on both the parent's and the child's side, and brings
// the new task into the session.
func (s *Session) processClone(t Task, st *SyscallState) {
	assert(t, st.entryRegs != nil, "clone exit without saved entry registers")
	regs := t.Regs()
	flags := st.entryRegs.ArgUint(1)
	if flags&unix.CLONE_UNTRACED != 0 && !t.Arch().ResultAliasesArg1() {
		// Where x0-style aliasing holds, the stripped flags register
		// was consumed by the kernel and now carries the child tid;
		// there is nothing left to cover up.
		regs.SetArg(1, flags)
		t.SetRegs(regs)
	}

	newTid := regs.ResultSigned()
	if newTid < 0 {
		return
	}
	newTask := s.FindTask(int(newTid))
	assert(t, newTask != nil, "clone returned unknown tid %d", newTid)

	// clone(flags, stack, parent_tid, child_tid, tls) on both supported
	// architectures. The parent's pointers come from the saved entry
	// registers, the child's from its own register copy.
	pidSize := uint64(4)
	parentTidInParent := st.entryRegs.Arg(3)
	childRegs := newTask.Regs()
	parentTidInChild := childRegs.Arg(3)
	childTidInChild := childRegs.Arg(4)
	tlsInParent := st.entryRegs.Arg(5)
	tlsInChild := childRegs.Arg(5)

	t.RecordRemoteEvenIfNull(parentTidInParent, pidSize)
	if t.Arch().CloneTLSType() == arch.UserDescPointer {
		t.RecordRemoteEvenIfNull(tlsInParent, 16)
		newTask.RecordRemoteEvenIfNull(tlsInChild, 16)
	}
	newTask.RecordRemoteEvenIfNull(parentTidInChild, pidSize)
	newTask.RecordRemoteEvenIfNull(childTidInChild, pidSize)

	s.Trace.WriteTaskEvent(TaskEvent{
		Kind:       TaskEventClone,
		Tid:        int(newTid),
		ParentTid:  t.Tid(),
		CloneFlags: flags,
	})

	s.InitScratchMemory(newTask)
	// The child just "finished" a clone started by its parent; it has no
	// pending events and can be context-switched out.
	newTask.SetSwitchable(AllowSwitch)
}

// processExecve emits the task event saved at entry, walks the fresh stack
// from argc through envp to the ELF auxiliary vector, checks the vector
// against the per-architecture canonical ordering, records the AT_RANDOM
// block, and sets up the new address space's scratch region.
func (s *Session) processExecve(t Task, st *SyscallState) {
	regs := t.Regs()
	if regs.Failed() {
		if st.entryRegs != nil && regs.Arg(1) != st.entryRegs.Arg(1) &&
			!t.Arch().ResultAliasesArg1() {
			Logger.Warnf("blocked attempt to execve an unsupported image")
			regs.SetArg(1, st.entryRegs.ArgUint(1))
			t.SetRegs(regs)
		}
		return
	}
	if !regs.Arg(1).IsNull() {
		return
	}

	assert(t, st.execEvent != nil, "exec succeeded without a saved event")
	s.Trace.WriteTaskEvent(*st.execEvent)

	ptrSize := uint64(t.Arch().PointerSize())
	sp := regs.SP()

	// The stack pointer points at argc; argv pointers follow, then a
	// null, then envp, then another null, then the auxv.
	argc, err := readWord(t, sp, int(ptrSize))
	if err != nil {
		fatalf(t, "can't read argc at %#x: %v", uint64(sp), err)
	}
	sp += arch.Addr((argc + 1) * ptrSize)

	null, err := readWord(t, sp, int(ptrSize))
	if err == nil {
		assert(t, null == 0, "expected argv terminator at %#x", uint64(sp))
	}
	sp += arch.Addr(ptrSize)

	for {
		v, err := readWord(t, sp, int(ptrSize))
		if err != nil {
			fatalf(t, "can't walk envp at %#x: %v", uint64(sp), err)
		}
		sp += arch.Addr(ptrSize)
		if v == 0 {
			break
		}
	}

	s.walkAuxv(t, sp)
	s.InitScratchMemory(t)
}

// walkAuxv checks the auxiliary vector keys against the canonical order,
// tolerating keys newer kernels insert, and records the 16 nondeterministic
// bytes AT_RANDOM points at.
func (s *Session) walkAuxv(t Task, sp arch.Addr) {
	ptrSize := uint64(t.Arch().PointerSize())
	want := t.Arch().AuxvOrder()
	optional := t.Arch().AuxvOptional()
	wi := 0

	for {
		key, err := readWord(t, sp, int(ptrSize))
		if err != nil {
			fatalf(t, "can't read auxv key at %#x: %v", uint64(sp), err)
		}
		val, err := readWord(t, sp+arch.Addr(ptrSize), int(ptrSize))
		if err != nil {
			fatalf(t, "can't read auxv value at %#x: %v", uint64(sp), err)
		}
		sp += arch.Addr(2 * ptrSize)

		if key == arch.AT_RANDOM {
			assert(t, wi == len(want),
				"auxv ended at AT_RANDOM with only %d of %d canonical keys seen", wi, len(want))
			t.RecordRemote(arch.Addr(val), 16)
			return
		}
		assert(t, key != arch.AT_NULL, "auxv ended without AT_RANDOM")

		switch {
		case wi < len(want) && key == want[wi]:
			wi++
		case optional[key]:
			// An insertion by a newer kernel; skip it.
		case wi >= len(want) && (key == arch.AT_EXECFN || key == arch.AT_PLATFORM):
			// Trailing entries between the canonical list and
			// AT_RANDOM.
		default:
			fatalf(t, "auxv entry should be %#x, but is %#x", want[min(wi, len(want)-1)], key)
		}
	}
}

// processMmap tracks a fresh memory mapping. Anonymous mappings are
// zero-initialized and carry no nondeterminism; file-backed mappings are
// recorded when the trace writer has not already stored an identical file.
func (s *Session) processMmap(t Task, length uint64, prot, flags, fd int, offsetPages int64) {
	regs := t.Regs()
	if regs.Failed() {
		// Failed mmaps are purely emulated at replay.
		return
	}
	size := (length + PageSize - 1) &^ (PageSize - 1)
	addr := regs.Result()

	if flags&unix.MAP_ANONYMOUS != 0 {
		if s.VM != nil {
			s.VM.Map(t, addr, size, prot, flags, 0, "")
		}
		return
	}

	assert(t, fd >= 0, "valid fd required for file mapping")
	assert(t, flags&unix.MAP_GROWSDOWN == 0, "can't record MAP_GROWSDOWN file mappings")

	fstat, err := t.Stat(fd)
	if err != nil {
		fatalf(t, "can't stat mapped fd %d: %v", fd, err)
	}
	offset := offsetPages * PageSize
	region := MappedRegion{
		Name:        fstat.Name,
		Dev:         fstat.Dev,
		Inode:       fstat.Inode,
		Start:       addr,
		End:         addr + size,
		FileSize:    fstat.Size,
		OffsetPages: offsetPages,
	}
	if s.Trace.WriteMappedRegion(region, prot, flags) == RecordInTrace {
		n := fstat.Size - offset
		if n > int64(size) {
			n = int64(size)
		}
		if n > 0 {
			t.RecordRemote(arch.Addr(addr), uint64(n))
		}
	}

	if prot&unix.PROT_WRITE != 0 && flags&unix.MAP_SHARED != 0 {
		Logger.Warnf("%s is SHARED|WRITEABLE; optimistically hoping it is not written by programs outside the recorded tree", fstat.Name)
	}

	if s.VM != nil {
		s.VM.Map(t, addr, size, prot, flags, offset, fstat.Name)
	}
}

// defaultBlacklist lists path prefixes whose open is always deflected:
// device files whose reads are timing-dependent in ways replay cannot
// reproduce.
var defaultBlacklist = []string{
	"/dev/dsp",
	"/dev/mixer",
	"/dev/sequencer",
}

// processOpen rewrites a successful open of a blacklisted file into
// -ENOENT. The file stays open in the tracee's file table; nothing ever
// uses the fd.
func (s *Session) processOpen(t Task, pathAddr arch.Addr) {
	path, err := t.ReadCString(pathAddr)
	if err != nil {
		return
	}
	if !s.isBlacklisted(path) {
		return
	}
	Logger.Warnf("cowardly refusing to open %s", path)
	regs := t.Regs()
	regs.SetResultSigned(-int64(unix.ENOENT))
	t.SetRegs(regs)
}

func (s *Session) isBlacklisted(path string) bool {
	for _, p := range defaultBlacklist {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	for _, p := range s.Cfg.Blacklist {
		if strings.HasPrefix(path, p) || strings.HasSuffix(path, p) {
			return true
		}
	}
	return false
}
