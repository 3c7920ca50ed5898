package record

import (
	"golang.org/x/sys/unix"
)

// ProcessSyscall runs at a syscall-exit stop: it verifies expected
// failures, runs the special-case post handlers, and writes back and
// records the staged parameters. The task's syscall state is destroyed on
// return; the next entry stop starts fresh.
func (s *Session) ProcessSyscall(t Task) {
	regs := t.Regs()
	sysno := regs.Syscallno()
	tbl := t.Arch().Syscalls()
	st := s.state(t)
	defer s.dropState(t)

	Logger.Debugf("%d: processing %s, result %d", t.Tid(), tbl.Name(sysno), regs.ResultSigned())

	s.beforeSyscallExit(t, sysno)

	if rec := t.DeschedRec(); rec != nil {
		// The syscallbuf was this call's scratch; its contents are the
		// recording.
		t.RecordRemote(rec.BufAddr, rec.Size)
		return
	}

	if sysno < 0 {
		checkSyscallRejected(t)
		return
	}

	if st.expectErrno != 0 {
		assert(t, regs.ResultSigned() == -int64(st.expectErrno),
			"expected errno %d for '%s' but got result %d",
			st.expectErrno, tbl.Name(sysno), regs.ResultSigned())
		return
	}

	switch sysno {
	case tbl.Clone:
		s.processClone(t, st)

	case tbl.Execve:
		s.processExecve(t, st)

	case tbl.Mmap, tbl.Mmap2:
		// Both supported architectures pass mmap arguments in
		// registers, with the offset in bytes.
		s.processMmap(t,
			regs.ArgUint(2),
			int(regs.ArgSigned(3)),
			int(regs.ArgSigned(4)),
			int(regs.ArgSigned(5)),
			regs.ArgSigned(6)/PageSize)

	case tbl.Nanosleep, tbl.ClockNanosleep:
		// When the sleep completes the kernel leaves the
		// remaining-time outparam untouched.
		if regs.ResultSigned() == 0 {
			st.ProcessResults(NoWriteBack)
		} else {
			st.ProcessResults(DoWriteBack)
		}

	case tbl.Open:
		s.processOpen(t, regs.Arg(1))

	case tbl.Openat:
		s.processOpen(t, regs.Arg(2))

	case tbl.Write, tbl.Writev:
		// Nothing to record; the kernel only read memory.

	case tbl.RtSigsuspend:
		t.ClearSavedSigmask()

	case tbl.SchedSetaffinity:
		// Restore the argument clobbered at entry and pretend the
		// nullified call succeeded.
		assert(t, st.entryRegs != nil, "sched_setaffinity exit without saved entry registers")
		restoreArg(t, &regs, 1, st.entryRegs.ArgUint(1))
		regs.SetResult(0)
		t.SetRegs(regs)

	case tbl.Exit, tbl.ExitGroup, tbl.Fork, tbl.Vfork,
		tbl.SetTidAddress, tbl.SetRobustList,
		tbl.RtSigaction, tbl.RtSigprocmask,
		tbl.Pause, tbl.SchedYield, tbl.Msgsnd, tbl.Sendmsg,
		tbl.Setpriority, tbl.Setsockopt, tbl.Close:
		// Handled in beforeSyscallExit or nothing to do.

	case tbl.Read, tbl.Pread64, tbl.Readv, tbl.Preadv,
		tbl.Recvfrom, tbl.Recvmsg, tbl.Recvmmsg, tbl.Sendmmsg,
		tbl.Accept, tbl.Accept4, tbl.Getsockname, tbl.Getpeername,
		tbl.Getsockopt, tbl.Poll, tbl.Ppoll, tbl.Select, tbl.Pselect6,
		tbl.EpollWait, tbl.EpollPwait, tbl.Wait4, tbl.Waitid,
		tbl.Futex, tbl.Fcntl, tbl.Ioctl, tbl.Prctl,
		tbl.Getdents, tbl.Getdents64, tbl.Getcwd,
		tbl.Readlink, tbl.Readlinkat,
		tbl.Getxattr, tbl.Lgetxattr, tbl.Fgetxattr,
		tbl.Splice, tbl.Sendfile, tbl.Msgrcv, tbl.Msgctl,
		tbl.Quotactl, tbl.RtSigpending, tbl.RtSigtimedwait:
		st.ProcessResults(DoWriteBack)

	default:
		if tbl.Deterministic(sysno) {
			// Only the result register is tracee-visible; nothing
			// to record.
			return
		}
		checkSyscallRejected(t)
	}
}

// beforeSyscallExit mirrors kernel-side task attribute changes into the
// recorder's shadow state before the main exit processing runs.
func (s *Session) beforeSyscallExit(t Task, sysno int) {
	tbl := t.Arch().Syscalls()
	regs := t.Regs()

	switch sysno {
	case tbl.Setpriority:
		// The call may have failed for lack of permission, but the new
		// value is honored anyway so priority inversions between
		// tracees can be exercised regardless of who runs the tests.
		if int(regs.ArgSigned(1)) == unix.PRIO_PROCESS {
			target := t
			if who := int(regs.ArgSigned(2)); who != 0 {
				target = s.FindTask(who)
			}
			if target != nil {
				Logger.Debugf("setting nice value for tid %d to %d", target.Tid(), regs.ArgSigned(3))
				s.Sched.UpdateTaskPriority(target, int(regs.ArgSigned(3)))
			}
		}

	case tbl.SetRobustList:
		t.SetRobustList(regs.Arg(1), regs.ArgUint(2))

	case tbl.SetTidAddress:
		t.SetTidAddr(regs.Arg(1))

	case tbl.RtSigaction:
		t.UpdateSigaction(regs)

	case tbl.RtSigprocmask:
		t.UpdateSigmask(regs)
	}
}

// checkSyscallRejected handles syscalls the recorder does not understand.
// -ENOSYS means the kernel ignored the call entirely, which is safe to
// pass through; any other result means nondeterminism may have leaked.
func checkSyscallRejected(t Task) {
	regs := t.Regs()
	if regs.ResultSigned() != -int64(unix.ENOSYS) {
		fatalf(t, "unhandled syscall %s (%d) returned %d",
			t.Arch().Syscalls().Name(regs.Syscallno()), regs.Syscallno(), regs.ResultSigned())
	}
}
