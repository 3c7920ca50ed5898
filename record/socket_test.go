package record

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/zyedidia/retrace/arch"
)

// Scenario: recvmsg with msg_namelen=16, two iovecs, msg_controllen=32;
// the kernel returns 7 and shrinks namelen to 12 and controllen to 20.
func TestRecvmsgStagingAndCapture(t *testing.T) {
	s, tr, _, _ := newTestSession(Config{})
	ft := newFakeTask(100, tr)
	s.AddTask(ft)
	l := ft.arch.Layouts()

	const (
		msg     = arch.Addr(0x5000)
		name    = arch.Addr(0x6000)
		iov     = arch.Addr(0x7000)
		buf0    = arch.Addr(0x8000)
		buf1    = arch.Addr(0x9000)
		control = arch.Addr(0xa000)
	)
	ft.mem.putPtr(msg+arch.Addr(l.MsghdrName), name)
	ft.mem.putWord(msg+arch.Addr(l.MsghdrNamelen), 16, 4)
	ft.mem.putPtr(msg+arch.Addr(l.MsghdrIov), iov)
	ft.mem.putWord(msg+arch.Addr(l.MsghdrIovlen), 2, 8)
	ft.mem.putPtr(msg+arch.Addr(l.MsghdrControl), control)
	ft.mem.putWord(msg+arch.Addr(l.MsghdrControllen), 32, 8)

	ft.mem.putPtr(iov+arch.Addr(l.IovecBase), buf0)
	ft.mem.putWord(iov+arch.Addr(l.IovecLen), 4, 8)
	ft.mem.putPtr(iov+arch.Addr(l.SizeofIovec+l.IovecBase), buf1)
	ft.mem.putWord(iov+arch.Addr(l.SizeofIovec+l.IovecLen), 8, 8)

	ft.regs.SetSyscallno(amd64Sys.Recvmsg)
	ft.regs.SetArg(1, 4)
	ft.regs.SetArg(2, uint64(msg))
	ft.regs.SetArg(3, 0)

	if sw := s.PrepareSyscall(ft); sw != AllowSwitch {
		t.Fatalf("recvmsg without MSG_DONTWAIT: got %v", sw)
	}

	// Simulate the kernel through the relocated msghdr.
	msgScratch := ft.regs.Arg(2)
	nameScratch, _ := readPtr(ft, msgScratch+arch.Addr(l.MsghdrName))
	iovScratch, _ := readPtr(ft, msgScratch+arch.Addr(l.MsghdrIov))
	ctrlScratch, _ := readPtr(ft, msgScratch+arch.Addr(l.MsghdrControl))
	b0, _ := readPtr(ft, iovScratch+arch.Addr(l.IovecBase))
	b1, _ := readPtr(ft, iovScratch+arch.Addr(l.SizeofIovec+l.IovecBase))

	ft.mem.write(nameScratch, bytes.Repeat([]byte{0xaa}, 12))
	ft.mem.putWord(msgScratch+arch.Addr(l.MsghdrNamelen), 12, 4)
	ft.mem.write(b0, []byte("ABCD"))
	ft.mem.write(b1, []byte("EFG"))
	ft.mem.write(ctrlScratch, bytes.Repeat([]byte{0xcc}, 20))
	ft.mem.putWord(msgScratch+arch.Addr(l.MsghdrControllen), 20, 8)
	ft.regs.SetResult(7)

	s.ProcessSyscall(ft)

	// Pointer fields restored to tracee addresses.
	if ft.regs.Arg(2) != msg {
		t.Errorf("msghdr register not restored: %#x", ft.regs.Arg(2))
	}
	for _, check := range []struct {
		slot arch.Addr
		want arch.Addr
	}{
		{msg + arch.Addr(l.MsghdrName), name},
		{msg + arch.Addr(l.MsghdrIov), iov},
		{msg + arch.Addr(l.MsghdrControl), control},
		{iov + arch.Addr(l.IovecBase), buf0},
		{iov + arch.Addr(l.SizeofIovec+l.IovecBase), buf1},
	} {
		if got, _ := readPtr(ft, check.slot); got != check.want {
			t.Errorf("pointer at %#x: got %#x, want %#x", check.slot, got, check.want)
		}
	}

	// Payload landed at the original addresses.
	gotName := make([]byte, 12)
	ft.mem.read(name, gotName)
	if !bytes.Equal(gotName, bytes.Repeat([]byte{0xaa}, 12)) {
		t.Errorf("name buffer: %x", gotName)
	}
	got0 := make([]byte, 4)
	got1 := make([]byte, 3)
	ft.mem.read(buf0, got0)
	ft.mem.read(buf1, got1)
	if !bytes.Equal(got0, []byte("ABCD")) || !bytes.Equal(got1, []byte("EFG")) {
		t.Errorf("iov buffers: %q %q", got0, got1)
	}
	gotCtrl := make([]byte, 20)
	ft.mem.read(control, gotCtrl)
	if !bytes.Equal(gotCtrl, bytes.Repeat([]byte{0xcc}, 20)) {
		t.Errorf("control buffer: %x", gotCtrl)
	}

	// The payload records appear in registration order with the split
	// sizes: 12-byte name, 4 then 3 across the iovecs, 20-byte control.
	var sizes []rawRec
	for _, r := range tr.raws {
		if r.Addr != uint64(msg) && r.Addr != uint64(iov) {
			sizes = append(sizes, rawRec{Tid: r.Tid, Addr: r.Addr, Data: r.Data})
		}
	}
	want := []rawRec{
		{Tid: 100, Addr: uint64(name), Data: bytes.Repeat([]byte{0xaa}, 12)},
		{Tid: 100, Addr: uint64(buf0), Data: []byte("ABCD")},
		{Tid: 100, Addr: uint64(buf1), Data: []byte("EFG")},
		{Tid: 100, Addr: uint64(control), Data: bytes.Repeat([]byte{0xcc}, 20)},
	}
	if diff := cmp.Diff(want, sizes); diff != "" {
		t.Errorf("trace records (-want +got):\n%s", diff)
	}
}

func TestRecvmsgDontwaitPreventsSwitch(t *testing.T) {
	s, tr, _, _ := newTestSession(Config{})
	ft := newFakeTask(100, tr)
	s.AddTask(ft)
	l := ft.arch.Layouts()

	msg := arch.Addr(0x5000)
	ft.mem.putWord(msg+arch.Addr(l.MsghdrIovlen), 0, 8)

	ft.regs.SetSyscallno(amd64Sys.Recvmsg)
	ft.regs.SetArg(2, uint64(msg))
	ft.regs.SetArg(3, 0x40) // MSG_DONTWAIT

	if sw := s.PrepareSyscall(ft); sw != PreventSwitch {
		t.Errorf("recvmsg with MSG_DONTWAIT: got %v", sw)
	}
}
