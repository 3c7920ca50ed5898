package record

import (
	"math"

	"github.com/zyedidia/retrace/arch"
	"golang.org/x/sys/unix"
)

// fcntl commands. The 64-bit lock commands alias the plain ones on LP64.
const (
	fDUPFD    = 0
	fGETFD    = 1
	fSETFD    = 2
	fGETFL    = 3
	fSETFL    = 4
	fGETLK    = 5
	fSETLK    = 6
	fSETLKW   = 7
	fSETOWN   = 8
	fGETOWN   = 9
	fSETSIG   = 10
	fGETSIG   = 11
	fSETOWNEX = 15
	fGETOWNEX = 16
)

// prctl options.
const (
	prGETPDEATHSIG = 2
	prGETUNALIGN   = 5
	prGETFPEMU     = 9
	prGETFPEXC     = 11
	prSETNAME      = 15
	prGETNAME      = 16
	prGETENDIAN    = 19
	prSETSECCOMP   = 22
	prGETTSC       = 25
)

// quotactl subcommands (the cmd part of QCMD, before the shift).
const (
	qSYNC     = 0x800001
	qQUOTAON  = 0x800002
	qQUOTAOFF = 0x800003
	qGETFMT   = 0x800004
	qGETINFO  = 0x800005
	qSETINFO  = 0x800006
	qGETQUOTA = 0x800007
	qSETQUOTA = 0x800008
)

// msgctl commands.
const (
	ipcSTAT  = 2
	ipcINFO  = 3
	msgSTAT  = 11
	msgINFO  = 12
	ipc64Bit = 0x100
)

// BeforeRecordSyscallEntry intercepts writes to the magic save-data fd so
// userspace can inject opaque bytes into the trace.
func (s *Session) BeforeRecordSyscallEntry(t Task, syscallno int) {
	if syscallno != t.Arch().Syscalls().Write {
		return
	}
	regs := t.Regs()
	if int(regs.ArgSigned(1)) != MagicSaveDataFd {
		return
	}
	buf := regs.Arg(2)
	n := regs.ArgUint(3)
	assert(t, !buf.IsNull(), "can't save a null buffer")
	t.RecordRemote(buf, n)
}

// PrepareSyscall runs at a syscall-entry stop. It registers the syscall's
// in/out memory parameters and returns whether the scheduler may park this
// task while the syscall blocks.
func (s *Session) PrepareSyscall(t Task) Switchable {
	st := s.state(t)
	regs := t.Regs()
	sysno := regs.Syscallno()
	tbl := t.Arch().Syscalls()
	l := t.Arch().Layouts()

	if t.DeschedRec() != nil {
		return s.prepareDesched(t, st, sysno)
	}

	if sysno < 0 {
		// Invalid syscall; don't let it accidentally match an absent
		// table entry.
		return PreventSwitch
	}

	switch sysno {
	case tbl.Read, tbl.Pread64:
		st.RegParam(2, SizeFromResult(8).Limit(regs.ArgUint(3)), Out)
		return st.DonePreparing(AllowSwitch)

	case tbl.Readv, tbl.Preadv:
		iovcnt := uint64(regs.ArgSigned(3))
		arr := st.RegParam(2, FixedSize(iovcnt*l.SizeofIovec), In)
		if arr.IsNull() {
			return st.DonePreparing(AllowSwitch)
		}
		ioSize := SizeFromResult(8)
		for i := uint64(0); i < iovcnt; i++ {
			ent := arr + arch.Addr(i*l.SizeofIovec)
			iovLen, err := readWord(t, ent+arch.Addr(l.IovecLen), 8)
			if err != nil {
				fatalf(t, "can't read iovec %d: %v", i, err)
			}
			st.MemParam(ent+arch.Addr(l.IovecBase), ioSize.Limit(iovLen), Out)
		}
		return st.DonePreparing(AllowSwitch)

	case tbl.Write, tbl.Writev:
		// Tracee writes to the recorder's own stdout/stderr are echoed
		// during replay; allowing a switch mid-write would let another
		// tracee's write interleave in an order we cannot reproduce.
		if s.isStdioFd(t, int(regs.ArgSigned(1))) {
			return PreventSwitch
		}
		return AllowSwitch

	case tbl.Recvfrom:
		st.RegParam(2, SizeFromResult(8).Limit(regs.ArgUint(3)), Out)
		addrlen := st.RegParam(6, FixedSize(l.SizeofSocklen), InOut)
		if !addrlen.IsNull() {
			st.RegParam(5, SizeFromInitializedMem(t, addrlen, 4), Out)
		}
		return st.DonePreparing(AllowSwitch)

	case tbl.Recvmsg:
		msgp := st.RegParam(2, FixedSize(l.SizeofMsghdr), InOut)
		if !msgp.IsNull() {
			s.prepareRecvmsg(t, st, msgp, SizeFromResult(8))
		}
		if regs.ArgUint(3)&unix.MSG_DONTWAIT == 0 {
			return st.DonePreparing(AllowSwitch)
		}
		return st.DonePreparing(PreventSwitch)

	case tbl.Recvmmsg:
		vlen := uint64(uint32(regs.ArgUint(3)))
		arr := st.RegParam(2, FixedSize(vlen*l.SizeofMmsghdr), InOut)
		if !arr.IsNull() {
			for i := uint64(0); i < vlen; i++ {
				ent := arr + arch.Addr(i*l.SizeofMmsghdr)
				s.prepareRecvmsg(t, st, ent+arch.Addr(l.MmsghdrHdr),
					SizeFromMem(ent+arch.Addr(l.MmsghdrLen), 4))
			}
		}
		if regs.ArgUint(4)&unix.MSG_DONTWAIT == 0 {
			return st.DonePreparing(AllowSwitch)
		}
		return st.DonePreparing(PreventSwitch)

	case tbl.Sendmsg:
		if regs.ArgUint(3)&unix.MSG_DONTWAIT == 0 {
			return st.DonePreparing(AllowSwitch)
		}
		return st.DonePreparing(PreventSwitch)

	case tbl.Sendmmsg:
		vlen := uint64(uint32(regs.ArgUint(3)))
		st.RegParam(2, FixedSize(vlen*l.SizeofMmsghdr), InOut)
		if regs.ArgUint(4)&unix.MSG_DONTWAIT == 0 {
			return st.DonePreparing(AllowSwitch)
		}
		return st.DonePreparing(PreventSwitch)

	case tbl.Accept, tbl.Accept4:
		addrlen := st.RegParam(3, FixedSize(l.SizeofSocklen), InOut)
		if !addrlen.IsNull() {
			st.RegParam(2, SizeFromInitializedMem(t, addrlen, 4), Out)
		}
		return st.DonePreparing(AllowSwitch)

	case tbl.Getsockname, tbl.Getpeername:
		addrlen := st.RegParam(3, FixedSize(l.SizeofSocklen), InOut)
		if !addrlen.IsNull() {
			st.RegParam(2, SizeFromInitializedMem(t, addrlen, 4), Out)
		}
		return st.DonePreparing(PreventSwitch)

	case tbl.Getsockopt:
		optlen := st.RegParam(5, FixedSize(l.SizeofSocklen), InOut)
		if !optlen.IsNull() {
			st.RegParam(4, SizeFromInitializedMem(t, optlen, 4), Out)
		}
		return st.DonePreparing(PreventSwitch)

	case tbl.Poll, tbl.Ppoll:
		nfds := regs.ArgUint(2)
		st.RegParam(1, FixedSize(nfds*l.SizeofPollfd), InOut)
		return st.DonePreparing(AllowSwitch)

	case tbl.Select, tbl.Pselect6:
		// Both supported architectures pass select arguments in
		// registers; the struct-argument convention is 32-bit only.
		st.RegParam(2, FixedSize(l.SizeofFdSet), InOut)
		st.RegParam(3, FixedSize(l.SizeofFdSet), InOut)
		st.RegParam(4, FixedSize(l.SizeofFdSet), InOut)
		if sysno == tbl.Pselect6 {
			st.RegParam(5, FixedSize(l.SizeofTimespec), InOut)
		} else {
			st.RegParam(5, FixedSize(l.SizeofTimeval), InOut)
		}
		return st.DonePreparing(AllowSwitch)

	case tbl.EpollWait, tbl.EpollPwait:
		maxevents := uint64(regs.ArgSigned(3))
		st.RegParam(2, FixedSize(maxevents*l.SizeofEpollEvent), Out)
		return st.DonePreparing(AllowSwitch)

	case tbl.Wait4:
		st.RegParam(2, FixedSize(l.SizeofInt), Out)
		st.RegParam(4, FixedSize(l.SizeofRusage), Out)
		return st.DonePreparing(AllowSwitch)

	case tbl.Waitid:
		st.RegParam(3, FixedSize(l.SizeofSiginfo), Out)
		return st.DonePreparing(AllowSwitch)

	case tbl.Pause:
		return st.DonePreparing(AllowSwitch)

	// nanosleep and sched_yield enable switching not for correctness
	// but to avoid busy-waiting on a tracee the kernel has put to sleep.
	case tbl.Nanosleep:
		st.RegParam(2, FixedSize(l.SizeofTimespec), Out)
		return st.DonePreparing(AllowSwitch)

	case tbl.ClockNanosleep:
		st.RegParam(4, FixedSize(l.SizeofTimespec), Out)
		return st.DonePreparing(AllowSwitch)

	case tbl.SchedYield:
		// Force a context switch if another runnable task exists. The
		// counter is boosted to half the integer range so intervening
		// bookkeeping events cannot overflow it; the task is only
		// pretending to be blocked.
		t.SetEventCount(math.MaxInt32 / 2)
		t.SetPseudoBlocked(true)
		s.Sched.ScheduleOneRoundRobin(t)
		return AllowSwitch

	case tbl.Getcwd:
		st.RegParam(1, SizeFromResult(8).Limit(regs.ArgUint(2)), Out)
		return st.DonePreparing(PreventSwitch)

	case tbl.Getdents, tbl.Getdents64:
		st.RegParam(2, SizeFromResult(4).Limit(uint64(uint32(regs.ArgUint(3)))), Out)
		return st.DonePreparing(PreventSwitch)

	case tbl.Readlink:
		st.RegParam(2, SizeFromResult(8).Limit(regs.ArgUint(3)), Out)
		return st.DonePreparing(PreventSwitch)

	case tbl.Readlinkat:
		st.RegParam(3, SizeFromResult(8).Limit(regs.ArgUint(4)), Out)
		return st.DonePreparing(PreventSwitch)

	case tbl.Getxattr, tbl.Lgetxattr, tbl.Fgetxattr:
		st.RegParam(3, SizeFromResult(8).Limit(regs.ArgUint(4)), Out)
		return st.DonePreparing(PreventSwitch)

	case tbl.Splice:
		st.RegParam(2, FixedSize(l.SizeofLoff), InOut)
		st.RegParam(4, FixedSize(l.SizeofLoff), InOut)
		return st.DonePreparing(AllowSwitch)

	case tbl.Sendfile:
		st.RegParam(3, FixedSize(l.SizeofOff), InOut)
		return st.DonePreparing(AllowSwitch)

	case tbl.Fcntl:
		switch int(regs.ArgSigned(2)) {
		case fDUPFD, fGETFD, fGETFL, fSETFL, fSETFD, fSETLK, fSETOWN, fSETOWNEX, fSETSIG, fGETOWN, fGETSIG:
			// No outparams.
		case fGETLK:
			st.RegParam(3, FixedSize(l.SizeofFlock), InOut)
		case fGETOWNEX:
			st.RegParam(3, FixedSize(l.SizeofFOwnerEx), Out)
		case fSETLKW:
			// Blocks, but writes nothing back to the flock argument.
			return st.DonePreparing(AllowSwitch)
		default:
			st.expectErrno = int(unix.EINVAL)
		}
		return st.DonePreparing(PreventSwitch)

	// Futex parameters are in-out but cannot be moved to scratch: the
	// word's address is its identity.
	case tbl.Futex:
		switch int(regs.ArgSigned(2)) & arch.FUTEX_CMD_MASK {
		case arch.FUTEX_WAIT, arch.FUTEX_WAIT_BITSET:
			st.RegParam(1, FixedSize(l.SizeofInt), InOutNoScratch)
			return st.DonePreparing(AllowSwitch)
		case arch.FUTEX_CMP_REQUEUE, arch.FUTEX_WAKE_OP:
			st.RegParam(1, FixedSize(l.SizeofInt), InOutNoScratch)
			st.RegParam(5, FixedSize(l.SizeofInt), InOutNoScratch)
		case arch.FUTEX_WAKE:
			st.RegParam(1, FixedSize(l.SizeofInt), InOutNoScratch)
		default:
			st.expectErrno = int(unix.EINVAL)
		}
		return st.DonePreparing(PreventSwitch)

	case tbl.Msgctl:
		return s.prepareMsgctl(t, st, int(regs.ArgSigned(2)), 3)

	case tbl.Msgrcv:
		msgsize := regs.ArgUint(3)
		st.RegParam(2, FixedSize(l.SizeofLong+msgsize), Out)
		return st.DonePreparing(AllowSwitch)

	case tbl.Msgsnd:
		return st.DonePreparing(AllowSwitch)

	case tbl.Quotactl:
		switch regs.ArgUint(1) >> 8 {
		case qGETQUOTA:
			st.RegParam(4, FixedSize(l.SizeofDqblk), Out)
		case qGETINFO:
			st.RegParam(4, FixedSize(l.SizeofDqinfo), Out)
		case qGETFMT:
			st.RegParam(4, FixedSize(l.SizeofInt), Out)
		case qSETQUOTA:
			fatalf(t, "quotactl(Q_SETQUOTA) may interfere with recording")
		case qQUOTAON, qQUOTAOFF, qSETINFO, qSYNC:
			// No outparams.
		default:
			st.expectErrno = int(unix.EINVAL)
		}
		return st.DonePreparing(PreventSwitch)

	case tbl.Prctl:
		switch int(regs.ArgSigned(1)) {
		case prGETENDIAN, prGETFPEMU, prGETFPEXC, prGETPDEATHSIG, prGETTSC, prGETUNALIGN:
			st.RegParam(2, FixedSize(l.SizeofInt), Out)
		case prGETNAME:
			st.RegParam(2, FixedSize(16), Out)
		case prSETNAME:
			if name, err := t.ReadCString(regs.Arg(2)); err == nil {
				t.SetName(name)
			}
		case prSETSECCOMP:
			// Nothing to stage.
		default:
			st.expectErrno = int(unix.EINVAL)
		}
		return st.DonePreparing(PreventSwitch)

	case tbl.Ioctl:
		s.prepareIoctl(t, st)
		return st.DonePreparing(PreventSwitch)

	case tbl.RtSigpending:
		st.RegParam(1, FixedSize(regs.ArgUint(2)), Out)
		return st.DonePreparing(PreventSwitch)

	case tbl.RtSigtimedwait:
		st.RegParam(2, FixedSize(l.SizeofSiginfo), Out)
		return st.DonePreparing(AllowSwitch)

	case tbl.RtSigsuspend:
		if mask, err := readWord(t, regs.Arg(1), int(l.SizeofSigset)); err == nil {
			t.SetSavedSigmask(mask)
		}
		return st.DonePreparing(AllowSwitch)

	case tbl.SchedSetaffinity:
		// The tracee must not change CPU affinity out from under the
		// recorder. Nullify the call by pointing it at an invalid pid;
		// the exit path restores the argument and forges success.
		saved := regs
		st.entryRegs = &saved
		regs.SetArg(1, ^uint64(0))
		t.SetRegs(regs)
		return PreventSwitch

	case tbl.Clone:
		saved := regs
		st.entryRegs = &saved
		flags := regs.ArgUint(1)
		if flags&unix.CLONE_UNTRACED != 0 {
			// Untraced children would introduce nondeterminism we
			// cannot replay. Unset the bit; the exit path covers
			// our tracks.
			regs.SetArg(1, flags&^uint64(unix.CLONE_UNTRACED))
			t.SetRegs(regs)
		}
		return PreventSwitch

	case tbl.Fork, tbl.Vfork:
		return PreventSwitch

	case tbl.Execve:
		s.prepareExecve(t, st)
		return PreventSwitch

	case tbl.Exit, tbl.ExitGroup:
		return PreventSwitch
	}

	return PreventSwitch
}

// prepareDesched handles a task that blocked inside an in-process buffered
// syscall: the syscall buffer already serves as scratch, so the only
// decision left is switchability.
func (s *Session) prepareDesched(t Task, st *SyscallState, sysno int) Switchable {
	rec := t.DeschedRec()
	assert(t, sysno == rec.Syscallno,
		"desched record says %s but task is in %s",
		t.Arch().Syscalls().Name(rec.Syscallno), t.Arch().Syscalls().Name(sysno))

	tbl := t.Arch().Syscalls()
	switch sysno {
	case tbl.Write, tbl.Writev:
		regs := t.Regs()
		if s.isStdioFd(t, int(regs.ArgSigned(1))) {
			return PreventSwitch
		}
		return AllowSwitch
	}
	return AllowSwitch
}

// prepareMsgctl stages the outparam of msgctl-style commands; bufPtrReg is
// the argument register holding the buffer pointer.
func (s *Session) prepareMsgctl(t Task, st *SyscallState, cmd int, bufPtrReg int) Switchable {
	l := t.Arch().Layouts()
	switch cmd &^ ipc64Bit {
	case ipcSTAT, msgSTAT:
		st.RegParam(bufPtrReg, FixedSize(l.SizeofMsqid64Ds), Out)
	case ipcINFO, msgINFO:
		st.RegParam(bufPtrReg, FixedSize(l.SizeofMsginfo), Out)
	}
	return st.DonePreparing(PreventSwitch)
}

// prepareExecve saves the entry registers and the prospective task event,
// and deflects exec of images the recorder cannot handle by advancing the
// filename pointer to its terminator, so the kernel sees an empty path and
// fails with ENOENT.
func (s *Session) prepareExecve(t Task, st *SyscallState) {
	regs := t.Regs()
	saved := regs
	st.entryRegs = &saved

	filename, err := t.ReadCString(regs.Arg(1))
	if err != nil {
		// The kernel will fault on it too.
		return
	}
	if class := t.ELFClass(filename); class != 0 && class != 64 {
		regs.SetArg(1, uint64(regs.Arg(1))+uint64(len(filename)))
		t.SetRegs(regs)
	}

	var cmdline []string
	argv := regs.Arg(2)
	ptrSize := uint64(t.Arch().PointerSize())
	for {
		p, err := readPtr(t, argv)
		if err != nil || p.IsNull() {
			break
		}
		arg, err := t.ReadCString(p)
		if err != nil {
			break
		}
		cmdline = append(cmdline, arg)
		argv += arch.Addr(ptrSize)
	}

	// The event cannot be recorded until the exec is known to succeed.
	st.execEvent = &TaskEvent{
		Kind:     TaskEventExec,
		Tid:      t.Tid(),
		Filename: filename,
		Cmdline:  cmdline,
	}
}

// PrepareRestartSyscall runs when an interrupted syscall is about to be
// restarted. nanosleep is the one syscall whose outparam the kernel
// updates at the restart interruption, so its results are written back
// here; the state is destroyed either way and re-created at the next entry
// stop.
func (s *Session) PrepareRestartSyscall(t Task) {
	st, ok := s.states[t.Tid()]
	if !ok {
		return
	}
	tbl := t.Arch().Syscalls()
	regs := t.Regs()
	switch regs.Syscallno() {
	case tbl.Nanosleep, tbl.ClockNanosleep:
		st.ProcessResults(DoWriteBack)
	}
	s.dropState(t)
}
