package record

import (
	"github.com/zyedidia/retrace/arch"
)

// prepareRecvmsg stages the buffers reachable from one msghdr: the name
// buffer governed by *msg_namelen, the iovec array and each iov_base, and
// the control buffer governed by *msg_controllen. ioSize is the shared
// dynamic source for the payload buffers — the syscall result for recvmsg,
// the per-message msg_len field for recvmmsg — distributed across the
// iovecs in declaration order.
func (s *Session) prepareRecvmsg(t Task, st *SyscallState, msgp arch.Addr, ioSize ParamSize) {
	l := t.Arch().Layouts()

	namelen := msgp + arch.Addr(l.MsghdrNamelen)
	st.MemParam(msgp+arch.Addr(l.MsghdrName), SizeFromInitializedMem(t, namelen, 4), Out)

	iovlen, err := readWord(t, msgp+arch.Addr(l.MsghdrIovlen), 8)
	if err != nil {
		fatalf(t, "can't read msg_iovlen at %#x: %v", uint64(msgp), err)
	}
	iovecs := st.MemParam(msgp+arch.Addr(l.MsghdrIov), FixedSize(iovlen*l.SizeofIovec), In)
	if !iovecs.IsNull() {
		for i := uint64(0); i < iovlen; i++ {
			ent := iovecs + arch.Addr(i*l.SizeofIovec)
			entLen, err := readWord(t, ent+arch.Addr(l.IovecLen), 8)
			if err != nil {
				fatalf(t, "can't read msg_iov[%d]: %v", i, err)
			}
			st.MemParam(ent+arch.Addr(l.IovecBase), ioSize.Limit(entLen), Out)
		}
	}

	controllen := msgp + arch.Addr(l.MsghdrControllen)
	st.MemParam(msgp+arch.Addr(l.MsghdrControl), SizeFromInitializedMem(t, controllen, 8), Out)
}
