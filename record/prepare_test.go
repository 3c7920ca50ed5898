package record

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/zyedidia/retrace/arch"
	"golang.org/x/sys/unix"
)

var amd64Sys = arch.Amd64.Syscalls()

// Scenario: read(fd=5, buf=0x1000, count=16), kernel returns 10.
func TestReadRoundTrip(t *testing.T) {
	s, tr, _, _ := newTestSession(Config{})
	ft := newFakeTask(100, tr)
	s.AddTask(ft)

	ft.regs.SetSyscallno(amd64Sys.Read)
	ft.regs.SetArg(1, 5)
	ft.regs.SetArg(2, 0x1000)
	ft.regs.SetArg(3, 16)

	if sw := s.PrepareSyscall(ft); sw != AllowSwitch {
		t.Fatalf("read must be switchable, got %v", sw)
	}

	// The buffer register now points into scratch; the kernel writes
	// there and returns 10.
	scratch := ft.regs.Arg(2)
	if scratch < ft.scratchPtr || scratch >= ft.scratchPtr+arch.Addr(ft.scratchSize) {
		t.Fatalf("buffer not relocated to scratch: %#x", scratch)
	}
	payload := []byte("HELLO\x00WORL")
	ft.mem.write(scratch, payload)
	ft.regs.SetResult(10)

	s.ProcessSyscall(ft)

	if ft.regs.Arg(2) != 0x1000 {
		t.Errorf("buffer register not restored: %#x", ft.regs.Arg(2))
	}
	got := make([]byte, 10)
	ft.mem.read(0x1000, got)
	if !bytes.Equal(got, payload) {
		t.Errorf("tracee buffer: got %q, want %q", got, payload)
	}
	want := []rawRec{{Tid: 100, Addr: 0x1000, Data: payload}}
	if diff := cmp.Diff(want, tr.raws); diff != "" {
		t.Errorf("trace records (-want +got):\n%s", diff)
	}
}

// Scenario: readv(fd=5, iov=[{0x2000,4},{0x3000,8}], iovcnt=2), kernel
// returns 10: 4 bytes land at 0x2000 and 6 at 0x3000, recorded in order.
func TestReadvDistributesResult(t *testing.T) {
	s, tr, _, _ := newTestSession(Config{})
	ft := newFakeTask(100, tr)
	s.AddTask(ft)
	l := ft.arch.Layouts()

	iov := arch.Addr(0x5000)
	ft.mem.putPtr(iov+arch.Addr(l.IovecBase), 0x2000)
	ft.mem.putWord(iov+arch.Addr(l.IovecLen), 4, 8)
	ft.mem.putPtr(iov+arch.Addr(l.SizeofIovec+l.IovecBase), 0x3000)
	ft.mem.putWord(iov+arch.Addr(l.SizeofIovec+l.IovecLen), 8, 8)

	ft.regs.SetSyscallno(amd64Sys.Readv)
	ft.regs.SetArg(1, 5)
	ft.regs.SetArg(2, uint64(iov))
	ft.regs.SetArg(3, 2)

	if sw := s.PrepareSyscall(ft); sw != AllowSwitch {
		t.Fatalf("readv must be switchable, got %v", sw)
	}

	// Kernel fills both scratch buffers through the relocated iovec.
	iovScratch := ft.regs.Arg(2)
	base0, _ := readPtr(ft, iovScratch+arch.Addr(l.IovecBase))
	base1, _ := readPtr(ft, iovScratch+arch.Addr(l.SizeofIovec+l.IovecBase))
	ft.mem.write(base0, []byte("ABCD"))
	ft.mem.write(base1, []byte("EFGHIJxx"))
	ft.regs.SetResult(10)

	s.ProcessSyscall(ft)

	if ft.regs.Arg(2) != iov {
		t.Errorf("iov register not restored: %#x", ft.regs.Arg(2))
	}
	// The iov array itself is restored.
	p0, _ := readPtr(ft, iov+arch.Addr(l.IovecBase))
	p1, _ := readPtr(ft, iov+arch.Addr(l.SizeofIovec+l.IovecBase))
	if p0 != 0x2000 || p1 != 0x3000 {
		t.Errorf("iov bases not restored: %#x %#x", p0, p1)
	}

	got0 := make([]byte, 4)
	got1 := make([]byte, 6)
	ft.mem.read(0x2000, got0)
	ft.mem.read(0x3000, got1)
	if !bytes.Equal(got0, []byte("ABCD")) || !bytes.Equal(got1, []byte("EFGHIJ")) {
		t.Errorf("iov buffers: %q %q", got0, got1)
	}

	// Two payload records, in registration order.
	var payloads []rawRec
	for _, r := range tr.raws {
		if r.Addr == 0x2000 || r.Addr == 0x3000 {
			payloads = append(payloads, r)
		}
	}
	want := []rawRec{
		{Tid: 100, Addr: 0x2000, Data: []byte("ABCD")},
		{Tid: 100, Addr: 0x3000, Data: []byte("EFGHIJ")},
	}
	if diff := cmp.Diff(want, payloads); diff != "" {
		t.Errorf("trace records (-want +got):\n%s", diff)
	}
}

// Scenario: futex(uaddr=0x4000, FUTEX_WAIT, ...): no relocation, switch
// allowed, 4 bytes recorded from the real word at exit.
func TestFutexWaitNoScratch(t *testing.T) {
	s, tr, _, _ := newTestSession(Config{})
	ft := newFakeTask(100, tr)
	s.AddTask(ft)

	ft.mem.putWord(0x4000, 1, 4)
	ft.regs.SetSyscallno(amd64Sys.Futex)
	ft.regs.SetArg(1, 0x4000)
	ft.regs.SetArg(2, arch.FUTEX_WAIT)
	ft.regs.SetArg(3, 1)

	if sw := s.PrepareSyscall(ft); sw != AllowSwitch {
		t.Fatalf("FUTEX_WAIT must be switchable, got %v", sw)
	}
	if ft.regs.Arg(1) != 0x4000 {
		t.Fatalf("futex word must not be relocated: %#x", ft.regs.Arg(1))
	}

	ft.regs.SetResult(0)
	s.ProcessSyscall(ft)

	want := []rawRec{{Tid: 100, Addr: 0x4000, Data: []byte{1, 0, 0, 0}}}
	if diff := cmp.Diff(want, tr.raws); diff != "" {
		t.Errorf("trace records (-want +got):\n%s", diff)
	}
}

func TestFutexUnknownCommandExpectsEinval(t *testing.T) {
	s, tr, _, _ := newTestSession(Config{})
	ft := newFakeTask(100, tr)
	s.AddTask(ft)

	ft.regs.SetSyscallno(amd64Sys.Futex)
	ft.regs.SetArg(1, 0x4000)
	ft.regs.SetArg(2, 77)

	if sw := s.PrepareSyscall(ft); sw != PreventSwitch {
		t.Fatalf("unknown futex command: got %v", sw)
	}

	// The kernel agreeing with EINVAL is fine.
	ft.regs.SetResultSigned(-int64(unix.EINVAL))
	s.ProcessSyscall(ft)

	// The kernel disagreeing is fatal.
	s.PrepareSyscall(ft)
	ft.regs.SetResult(0)
	expectFatal(t, func() { s.ProcessSyscall(ft) })
}

// Scenario: write to the recorder's own stdout prevents switching; a
// redirected fd 1 does not.
func TestWriteStdioSwitchability(t *testing.T) {
	s, tr, _, _ := newTestSession(Config{})
	ft := newFakeTask(100, tr)
	s.AddTask(ft)

	ft.regs.SetSyscallno(amd64Sys.Write)
	ft.regs.SetArg(1, 1)
	ft.regs.SetArg(2, 0x1000)
	ft.regs.SetArg(3, 100)

	s.Stdio = func(t Task, fd int) bool { return fd == 1 }
	if sw := s.PrepareSyscall(ft); sw != PreventSwitch {
		t.Errorf("write to recorder stdout: got %v", sw)
	}
	s.dropState(ft)

	s.Stdio = func(t Task, fd int) bool { return false }
	if sw := s.PrepareSyscall(ft); sw != AllowSwitch {
		t.Errorf("write to redirected fd: got %v", sw)
	}
}

// nanosleep completing successfully leaves its outparam alone; an
// interrupted one writes the remaining time back.
func TestNanosleepWriteBack(t *testing.T) {
	s, tr, _, _ := newTestSession(Config{})
	ft := newFakeTask(100, tr)
	s.AddTask(ft)
	l := ft.arch.Layouts()

	ft.regs.SetSyscallno(amd64Sys.Nanosleep)
	ft.regs.SetArg(1, 0x1000)
	ft.regs.SetArg(2, 0x2000)
	if sw := s.PrepareSyscall(ft); sw != AllowSwitch {
		t.Fatalf("nanosleep: got %v", sw)
	}

	// Success: nothing recorded, register restored.
	ft.regs.SetResult(0)
	s.ProcessSyscall(ft)
	if len(tr.raws) != 0 {
		t.Errorf("successful nanosleep recorded %d ranges", len(tr.raws))
	}
	if ft.regs.Arg(2) != 0x2000 {
		t.Errorf("rem register not restored: %#x", ft.regs.Arg(2))
	}

	// Interrupted: the kernel wrote the remaining time.
	s.PrepareSyscall(ft)
	rem := ft.regs.Arg(2)
	ft.mem.putWord(rem, 1, 8)
	ft.mem.putWord(rem+8, 500, 8)
	ft.regs.SetResultSigned(-int64(unix.EINTR))
	s.ProcessSyscall(ft)

	if len(tr.raws) != 1 || tr.raws[0].Addr != 0x2000 || uint64(len(tr.raws[0].Data)) != l.SizeofTimespec {
		t.Fatalf("interrupted nanosleep records: %+v", tr.raws)
	}
	got := make([]byte, 8)
	ft.mem.read(0x2000, got)
	if got[0] != 1 {
		t.Errorf("remaining time not written back: %v", got)
	}
}

// A restart interruption forces the write-back even though the syscall has
// not returned.
func TestNanosleepRestartForcesWriteBack(t *testing.T) {
	s, tr, _, _ := newTestSession(Config{})
	ft := newFakeTask(100, tr)
	s.AddTask(ft)

	ft.regs.SetSyscallno(amd64Sys.Nanosleep)
	ft.regs.SetArg(1, 0x1000)
	ft.regs.SetArg(2, 0x2000)
	s.PrepareSyscall(ft)

	rem := ft.regs.Arg(2)
	ft.mem.putWord(rem, 2, 8)
	ft.regs.SetResultSigned(-arch.ERESTARTSYS)

	s.PrepareRestartSyscall(ft)

	if len(tr.raws) != 1 || tr.raws[0].Addr != 0x2000 {
		t.Fatalf("restart write-back records: %+v", tr.raws)
	}
	if ft.regs.Arg(2) != 0x2000 {
		t.Errorf("rem register not restored: %#x", ft.regs.Arg(2))
	}
	if _, ok := s.states[ft.Tid()]; ok {
		t.Error("state must be destroyed at restart")
	}
}

func TestSchedYieldRoundRobin(t *testing.T) {
	s, tr, sched, _ := newTestSession(Config{})
	ft := newFakeTask(100, tr)
	s.AddTask(ft)

	ft.regs.SetSyscallno(amd64Sys.SchedYield)
	if sw := s.PrepareSyscall(ft); sw != AllowSwitch {
		t.Errorf("sched_yield: got %v", sw)
	}
	if !ft.pseudoBlocked {
		t.Error("sched_yield must mark the task pseudo-blocked")
	}
	if ft.eventCount == 0 {
		t.Error("sched_yield must boost the event counter")
	}
	if len(sched.roundRobin) != 1 || sched.roundRobin[0] != 100 {
		t.Errorf("round robin: %v", sched.roundRobin)
	}
}

func TestSchedSetaffinityNullified(t *testing.T) {
	s, tr, _, _ := newTestSession(Config{})
	ft := newFakeTask(100, tr)
	s.AddTask(ft)

	ft.regs.SetSyscallno(amd64Sys.SchedSetaffinity)
	ft.regs.SetArg(1, 100)
	ft.regs.SetArg(2, 8)
	ft.regs.SetArg(3, 0x1000)

	if sw := s.PrepareSyscall(ft); sw != PreventSwitch {
		t.Errorf("sched_setaffinity: got %v", sw)
	}
	if ft.regs.ArgUint(1) != ^uint64(0) {
		t.Errorf("pid not nullified: %#x", ft.regs.ArgUint(1))
	}

	ft.regs.SetResultSigned(-int64(unix.ESRCH))
	s.ProcessSyscall(ft)

	if ft.regs.ArgUint(1) != 100 {
		t.Errorf("pid not restored: %d", ft.regs.ArgUint(1))
	}
	if ft.regs.ResultSigned() != 0 {
		t.Errorf("result not forced to success: %d", ft.regs.ResultSigned())
	}
}

func TestUnhandledSyscallToleratesEnosysOnly(t *testing.T) {
	s, tr, _, _ := newTestSession(Config{})
	ft := newFakeTask(100, tr)
	s.AddTask(ft)

	// brk writes no tracee memory; recording the result is enough.
	ft.regs.SetSyscallno(12)
	s.PrepareSyscall(ft)
	ft.regs.SetResult(0x8000000)
	s.ProcessSyscall(ft)
	if len(tr.raws) != 0 {
		t.Errorf("deterministic syscall recorded %d ranges", len(tr.raws))
	}

	// mount is not handled.
	ft.regs.SetSyscallno(165)
	if sw := s.PrepareSyscall(ft); sw != PreventSwitch {
		t.Errorf("unhandled syscall: got %v", sw)
	}
	ft.regs.SetResult(0)
	expectFatal(t, func() { s.ProcessSyscall(ft) })

	s.PrepareSyscall(ft)
	ft.regs.SetResultSigned(-int64(unix.ENOSYS))
	s.ProcessSyscall(ft)
}

func TestMagicSaveDataFd(t *testing.T) {
	s, tr, _, _ := newTestSession(Config{})
	ft := newFakeTask(100, tr)
	s.AddTask(ft)

	ft.mem.write(0x1000, []byte("opaque"))
	ft.regs.SetSyscallno(amd64Sys.Write)
	ft.regs.SetArg(1, MagicSaveDataFd)
	ft.regs.SetArg(2, 0x1000)
	ft.regs.SetArg(3, 6)

	s.BeforeRecordSyscallEntry(ft, amd64Sys.Write)

	want := []rawRec{{Tid: 100, Addr: 0x1000, Data: []byte("opaque")}}
	if diff := cmp.Diff(want, tr.raws); diff != "" {
		t.Errorf("magic fd records (-want +got):\n%s", diff)
	}
}

func TestDeschedBypassesScratch(t *testing.T) {
	s, tr, _, _ := newTestSession(Config{})
	ft := newFakeTask(100, tr)
	s.AddTask(ft)

	ft.desched = &Desched{Syscallno: amd64Sys.Read, BufAddr: 0xb000, Size: 24}
	ft.mem.write(0xb000, bytes.Repeat([]byte{7}, 24))
	ft.regs.SetSyscallno(amd64Sys.Read)
	ft.regs.SetArg(1, 5)
	ft.regs.SetArg(2, 0x1000)
	ft.regs.SetArg(3, 16)

	if sw := s.PrepareSyscall(ft); sw != AllowSwitch {
		t.Errorf("desched read: got %v", sw)
	}
	if ft.regs.Arg(2) != 0x1000 {
		t.Errorf("desched syscall must not be relocated: %#x", ft.regs.Arg(2))
	}

	ft.regs.SetResult(16)
	s.ProcessSyscall(ft)
	if len(tr.raws) != 1 || tr.raws[0].Addr != 0xb000 || len(tr.raws[0].Data) != 24 {
		t.Errorf("syscallbuf not recorded: %+v", tr.raws)
	}
}
