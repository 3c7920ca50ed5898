package arch

// Amd64 is the x86-64 ABI.
var Amd64 Arch = &amd64{}

type amd64 struct{}

var amd64Syscalls = newTable(&SyscallTable{
	Read:             0,
	Write:            1,
	Open:             2,
	Close:            3,
	Poll:             7,
	Mmap:             9,
	Mmap2:            -1,
	RtSigaction:      13,
	RtSigprocmask:    14,
	Ioctl:            16,
	Pread64:          17,
	Readv:            19,
	Writev:           20,
	Select:           23,
	SchedYield:       24,
	Pause:            34,
	Nanosleep:        35,
	Sendfile:         40,
	Accept:           43,
	Recvfrom:         45,
	Sendmsg:          46,
	Recvmsg:          47,
	Getsockname:      51,
	Getpeername:      52,
	Setsockopt:       54,
	Getsockopt:       55,
	Clone:            56,
	Fork:             57,
	Vfork:            58,
	Execve:           59,
	Exit:             60,
	Wait4:            61,
	Msgsnd:           69,
	Msgrcv:           70,
	Msgctl:           71,
	Fcntl:            72,
	Getdents:         78,
	Getcwd:           79,
	Readlink:         89,
	RtSigpending:     127,
	RtSigtimedwait:   128,
	RtSigsuspend:     130,
	Setpriority:      141,
	SchedSetaffinity: 203,
	Prctl:            157,
	Quotactl:         179,
	Getxattr:         191,
	Lgetxattr:        192,
	Fgetxattr:        193,
	Futex:            202,
	Getdents64:       217,
	SetTidAddress:    218,
	ClockNanosleep:   230,
	EpollWait:        232,
	ExitGroup:        231,
	Waitid:           247,
	Openat:           257,
	Readlinkat:       267,
	Pselect6:         270,
	Ppoll:            271,
	SetRobustList:    273,
	Splice:           275,
	EpollPwait:       281,
	Accept4:          288,
	Preadv:           295,
	Recvmmsg:         299,
	Sendmmsg:         307,
	Kcmp:             312,

	deterministic: amd64Deterministic,
}, map[int]string{
	0: "read", 1: "write", 2: "open", 3: "close", 7: "poll", 9: "mmap",
	13: "rt_sigaction", 14: "rt_sigprocmask", 16: "ioctl", 17: "pread64",
	19: "readv", 20: "writev", 23: "select", 24: "sched_yield",
	34: "pause", 35: "nanosleep", 40: "sendfile", 43: "accept",
	45: "recvfrom", 46: "sendmsg", 47: "recvmsg", 51: "getsockname",
	52: "getpeername", 54: "setsockopt", 55: "getsockopt", 56: "clone",
	57: "fork", 58: "vfork", 59: "execve", 60: "exit", 61: "wait4",
	69: "msgsnd", 70: "msgrcv", 71: "msgctl", 72: "fcntl",
	78: "getdents", 79: "getcwd", 89: "readlink", 127: "rt_sigpending",
	128: "rt_sigtimedwait", 130: "rt_sigsuspend", 141: "setpriority",
	157: "prctl", 179: "quotactl", 191: "getxattr", 192: "lgetxattr",
	193: "fgetxattr", 202: "futex", 203: "sched_setaffinity",
	217: "getdents64", 218: "set_tid_address", 230: "clock_nanosleep",
	231: "exit_group", 232: "epoll_wait", 247: "waitid", 257: "openat",
	267: "readlinkat", 270: "pselect6", 271: "ppoll",
	273: "set_robust_list", 275: "splice", 281: "epoll_pwait",
	288: "accept4", 295: "preadv", 299: "recvmmsg", 307: "sendmmsg",
	312: "kcmp",
})

var amd64Layouts = func() *Layouts {
	l := layouts64()
	// epoll_event is packed on x86-64.
	l.SizeofEpollEvent = 12
	return l
}()

// The canonical auxv ordering the kernel emits for x86-64 binaries, up to
// AT_RANDOM.
var amd64Auxv = []uint64{
	AT_SYSINFO_EHDR, AT_HWCAP, AT_PAGESZ, AT_CLKTCK, AT_PHDR,
	AT_PHENT, AT_PHNUM, AT_BASE, AT_FLAGS, AT_ENTRY,
	AT_UID, AT_EUID, AT_GID, AT_EGID, AT_SECURE,
}

func (*amd64) Tag() Tag                       { return AMD64 }
func (*amd64) PointerSize() int               { return 8 }
func (*amd64) Syscalls() *SyscallTable        { return amd64Syscalls }
func (*amd64) Layouts() *Layouts              { return amd64Layouts }
func (*amd64) AuxvOrder() []uint64            { return amd64Auxv }
func (*amd64) AuxvOptional() map[uint64]bool  { return auxvOptional }
func (*amd64) CloneTLSType() CloneTLSType     { return PthreadStructurePointer }
func (*amd64) MmapSemantics() CallSemantics   { return RegisterArguments }
func (*amd64) SelectSemantics() CallSemantics { return RegisterArguments }

// rax is distinct from rdi.
func (*amd64) ResultAliasesArg1() bool { return false }

// syscall is 0f 05.
func (*amd64) SyscallInstructionSize() int { return 2 }

// Keys kernels have inserted into the canonical ordering over time; the
// auxv walk skips them rather than failing.
var auxvOptional = map[uint64]bool{
	AT_MINSIGSTKSZ:       true,
	AT_HWCAP2:            true,
	AT_BASE_PLATFORM:     true,
	AT_SYSINFO:           true,
	AT_RSEQ_FEATURE_SIZE: true,
	AT_RSEQ_ALIGN:        true,
}

func newTable(t *SyscallTable, names map[int]string) *SyscallTable {
	t.names = names
	for no, name := range t.deterministic {
		t.names[no] = name
	}
	return t
}

// Syscalls whose only tracee-visible effect is the result register.
var amd64Deterministic = map[int]string{
	8:   "lseek",
	10:  "mprotect",
	11:  "munmap",
	12:  "brk",
	21:  "access",
	25:  "mremap",
	26:  "msync",
	28:  "madvise",
	32:  "dup",
	33:  "dup2",
	37:  "alarm",
	39:  "getpid",
	41:  "socket",
	42:  "connect",
	48:  "shutdown",
	49:  "bind",
	50:  "listen",
	62:  "kill",
	73:  "flock",
	74:  "fsync",
	75:  "fdatasync",
	76:  "truncate",
	77:  "ftruncate",
	80:  "chdir",
	81:  "fchdir",
	82:  "rename",
	83:  "mkdir",
	84:  "rmdir",
	85:  "creat",
	86:  "link",
	87:  "unlink",
	88:  "symlink",
	90:  "chmod",
	91:  "fchmod",
	92:  "chown",
	93:  "fchown",
	94:  "lchown",
	95:  "umask",
	102: "getuid",
	104: "getgid",
	105: "setuid",
	106: "setgid",
	107: "geteuid",
	108: "getegid",
	109: "setpgid",
	110: "getppid",
	111: "getpgrp",
	112: "setsid",
	113: "setreuid",
	114: "setregid",
	121: "getpgid",
	122: "setfsuid",
	123: "setfsgid",
	124: "getsid",
	146: "sched_get_priority_max",
	147: "sched_get_priority_min",
	149: "mlock",
	150: "munlock",
	151: "mlockall",
	152: "munlockall",
	161: "chroot",
	162: "sync",
	186: "gettid",
	200: "tkill",
	221: "fadvise64",
	234: "tgkill",
	251: "ioprio_set",
}
