package record

import (
	"fmt"
	"testing"

	"github.com/zyedidia/retrace/arch"
)

// fakeMem is a sparse byte-addressed tracee memory.
type fakeMem struct {
	bytes map[arch.Addr]byte
}

func newFakeMem() *fakeMem {
	return &fakeMem{bytes: make(map[arch.Addr]byte)}
}

func (m *fakeMem) read(addr arch.Addr, b []byte) {
	for i := range b {
		b[i] = m.bytes[addr+arch.Addr(i)]
	}
}

func (m *fakeMem) write(addr arch.Addr, b []byte) {
	for i := range b {
		m.bytes[addr+arch.Addr(i)] = b[i]
	}
}

func (m *fakeMem) putWord(addr arch.Addr, v uint64, width int) {
	for i := 0; i < width; i++ {
		m.bytes[addr+arch.Addr(i)] = byte(v >> (8 * i))
	}
}

func (m *fakeMem) putPtr(addr arch.Addr, v arch.Addr) {
	m.putWord(addr, uint64(v), 8)
}

func (m *fakeMem) putString(addr arch.Addr, s string) {
	m.write(addr, append([]byte(s), 0))
}

type rawRec struct {
	Tid  int
	Addr uint64
	Data []byte
}

// fakeTrace collects everything the core emits.
type fakeTrace struct {
	raws     []rawRec
	events   []TaskEvent
	mappings []MappedRegion
	seen     map[[2]uint64]bool
}

func newFakeTrace() *fakeTrace {
	return &fakeTrace{seen: make(map[[2]uint64]bool)}
}

func (tr *fakeTrace) WriteRaw(tid int, addr uint64, data []byte) {
	tr.raws = append(tr.raws, rawRec{Tid: tid, Addr: addr, Data: append([]byte(nil), data...)})
}

func (tr *fakeTrace) WriteTaskEvent(ev TaskEvent) {
	tr.events = append(tr.events, ev)
}

func (tr *fakeTrace) WriteMappedRegion(m MappedRegion, prot, flags int) MappingDisposition {
	tr.mappings = append(tr.mappings, m)
	if m.Dev == 0 && m.Inode == 0 {
		return DontRecordInTrace
	}
	key := [2]uint64{m.Dev, m.Inode}
	if tr.seen[key] {
		return DontRecordInTrace
	}
	tr.seen[key] = true
	return RecordInTrace
}

type prioUpdate struct {
	tid  int
	prio int
}

type fakeSched struct {
	roundRobin []int
	prios      []prioUpdate
}

func (s *fakeSched) ScheduleOneRoundRobin(t Task) {
	s.roundRobin = append(s.roundRobin, t.Tid())
}

func (s *fakeSched) UpdateTaskPriority(t Task, prio int) {
	s.prios = append(s.prios, prioUpdate{t.Tid(), prio})
}

type mapping struct {
	addr, size uint64
	name       string
}

type fakeVM struct {
	maps []mapping
}

func (vm *fakeVM) Map(t Task, addr, size uint64, prot, flags int, offset int64, name string) {
	vm.maps = append(vm.maps, mapping{addr, size, name})
}

// fakeTask implements Task over fakeMem.
type fakeTask struct {
	tid   int
	arch  arch.Arch
	regs  arch.Registers
	mem   *fakeMem
	trace *fakeTrace

	scratchPtr  arch.Addr
	scratchSize uint64

	desched *Desched

	eventCount    uint64
	pseudoBlocked bool
	switchable    Switchable

	name       string
	tidAddr    arch.Addr
	robustList arch.Addr
	savedMask  uint64
	hasSaved   bool

	stats    map[int]FdStat
	elfClass int
}

const fakeScratchBase = arch.Addr(0x70000000)

func newFakeTask(tid int, tr *fakeTrace) *fakeTask {
	t := &fakeTask{
		tid:   tid,
		arch:  arch.Amd64,
		mem:   newFakeMem(),
		trace: tr,
		stats: make(map[int]FdStat),
	}
	t.scratchPtr = fakeScratchBase
	t.scratchSize = ScratchPages * PageSize
	return t
}

func (t *fakeTask) Tid() int             { return t.tid }
func (t *fakeTask) Arch() arch.Arch      { return t.arch }
func (t *fakeTask) Regs() arch.Registers { return t.regs }
func (t *fakeTask) SetRegs(r arch.Registers) {
	t.regs = r
}

func (t *fakeTask) ReadMem(addr arch.Addr, b []byte) error {
	t.mem.read(addr, b)
	return nil
}

func (t *fakeTask) WriteMem(addr arch.Addr, b []byte) error {
	t.mem.write(addr, b)
	return nil
}

func (t *fakeTask) ReadCString(addr arch.Addr) (string, error) {
	var out []byte
	for {
		c := t.mem.bytes[addr]
		if c == 0 {
			return string(out), nil
		}
		out = append(out, c)
		addr++
		if len(out) > 1<<16 {
			return "", fmt.Errorf("unterminated string")
		}
	}
}

func (t *fakeTask) ScratchPtr() arch.Addr { return t.scratchPtr }
func (t *fakeTask) ScratchSize() uint64   { return t.scratchSize }

func (t *fakeTask) AllocScratch(pages int) (arch.Addr, uint64, error) {
	t.scratchPtr = fakeScratchBase + arch.Addr(t.tid)*0x10000000
	t.scratchSize = uint64(pages) * PageSize
	return t.scratchPtr, t.scratchSize, nil
}

func (t *fakeTask) RecordRemote(addr arch.Addr, n uint64) {
	if addr.IsNull() || n == 0 {
		return
	}
	data := make([]byte, n)
	t.mem.read(addr, data)
	t.trace.WriteRaw(t.tid, uint64(addr), data)
}

func (t *fakeTask) RecordRemoteEvenIfNull(addr arch.Addr, n uint64) {
	if addr.IsNull() {
		t.trace.WriteRaw(t.tid, 0, nil)
		return
	}
	t.RecordRemote(addr, n)
}

func (t *fakeTask) RecordLocal(addr arch.Addr, data []byte) {
	t.trace.WriteRaw(t.tid, uint64(addr), data)
}

func (t *fakeTask) DeschedRec() *Desched { return t.desched }

func (t *fakeTask) EventCount() uint64          { return t.eventCount }
func (t *fakeTask) SetEventCount(n uint64)      { t.eventCount = n }
func (t *fakeTask) SetPseudoBlocked(v bool)     { t.pseudoBlocked = v }
func (t *fakeTask) SetSwitchable(sw Switchable) { t.switchable = sw }

func (t *fakeTask) SetName(name string)       { t.name = name }
func (t *fakeTask) SetTidAddr(addr arch.Addr) { t.tidAddr = addr }
func (t *fakeTask) SetRobustList(addr arch.Addr, n uint64) {
	t.robustList = addr
}
func (t *fakeTask) UpdateSigmask(r arch.Registers)   {}
func (t *fakeTask) UpdateSigaction(r arch.Registers) {}
func (t *fakeTask) SetSavedSigmask(mask uint64) {
	t.savedMask = mask
	t.hasSaved = true
}
func (t *fakeTask) ClearSavedSigmask() { t.hasSaved = false }

func (t *fakeTask) Stat(fd int) (FdStat, error) {
	st, ok := t.stats[fd]
	if !ok {
		return FdStat{}, fmt.Errorf("bad fd %d", fd)
	}
	return st, nil
}

func (t *fakeTask) ELFClass(path string) int { return t.elfClass }

// newTestSession wires a session around fakes, with the stdio check
// defaulting to "nothing is stdio".
func newTestSession(cfg Config) (*Session, *fakeTrace, *fakeSched, *fakeVM) {
	tr := newFakeTrace()
	sched := &fakeSched{}
	vm := &fakeVM{}
	s := NewSession(tr, sched, vm, cfg)
	s.Stdio = func(t Task, fd int) bool { return false }
	return s, tr, sched, vm
}

// expectFatal asserts that f panics with a record Fatal.
func expectFatal(t *testing.T, f func()) {
	t.Helper()
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected a fatal record error")
		} else if _, ok := r.(*Fatal); !ok {
			panic(r)
		}
	}()
	f()
}
