package arch

// Arm64 is the aarch64 ABI. Legacy entry points (open, poll, select,
// readlink, epoll_wait, fork, ...) were never wired up on this
// architecture; their table entries are -1 so dispatch never matches them.
var Arm64 Arch = &arm64{}

type arm64 struct{}

var arm64Syscalls = newTable(&SyscallTable{
	Getcwd:           17,
	EpollPwait:       22,
	Fcntl:            25,
	Ioctl:            29,
	Getxattr:         8,
	Lgetxattr:        9,
	Fgetxattr:        10,
	Openat:           56,
	Close:            57,
	Quotactl:         60,
	Getdents64:       61,
	Read:             63,
	Write:            64,
	Readv:            65,
	Writev:           66,
	Pread64:          67,
	Preadv:           69,
	Sendfile:         71,
	Pselect6:         72,
	Ppoll:            73,
	Splice:           76,
	Readlinkat:       78,
	Exit:             93,
	ExitGroup:        94,
	Waitid:           95,
	SetTidAddress:    96,
	Futex:            98,
	SetRobustList:    99,
	Nanosleep:        101,
	ClockNanosleep:   115,
	SchedSetaffinity: 122,
	SchedYield:       124,
	RtSigsuspend:     133,
	RtSigaction:      134,
	RtSigprocmask:    135,
	RtSigpending:     136,
	RtSigtimedwait:   137,
	Setpriority:      140,
	Prctl:            167,
	Msgctl:           187,
	Msgrcv:           188,
	Msgsnd:           189,
	Accept:           202,
	Getsockname:      204,
	Getpeername:      205,
	Setsockopt:       208,
	Getsockopt:       209,
	Recvfrom:         207,
	Sendmsg:          211,
	Recvmsg:          212,
	Mmap:             222,
	Clone:            220,
	Execve:           221,
	Accept4:          242,
	Recvmmsg:         243,
	Wait4:            260,
	Sendmmsg:         269,
	Kcmp:             272,

	Open:      -1,
	Poll:      -1,
	Select:    -1,
	EpollWait: -1,
	Getdents:  -1,
	Readlink:  -1,
	Fork:      -1,
	Vfork:     -1,
	Pause:     -1,
	Mmap2:     -1,

	deterministic: arm64Deterministic,
}, map[int]string{
	8: "getxattr", 9: "lgetxattr", 10: "fgetxattr", 17: "getcwd",
	22: "epoll_pwait", 25: "fcntl", 29: "ioctl", 56: "openat",
	57: "close", 60: "quotactl", 61: "getdents64", 63: "read",
	64: "write", 65: "readv", 66: "writev", 67: "pread64",
	69: "preadv", 71: "sendfile", 72: "pselect6", 73: "ppoll",
	76: "splice", 78: "readlinkat", 93: "exit", 94: "exit_group",
	95: "waitid", 96: "set_tid_address", 98: "futex",
	99: "set_robust_list", 101: "nanosleep", 115: "clock_nanosleep",
	122: "sched_setaffinity", 124: "sched_yield", 133: "rt_sigsuspend",
	134: "rt_sigaction", 135: "rt_sigprocmask", 136: "rt_sigpending",
	137: "rt_sigtimedwait", 140: "setpriority", 167: "prctl",
	187: "msgctl", 188: "msgrcv", 189: "msgsnd", 202: "accept",
	204: "getsockname", 205: "getpeername", 207: "recvfrom",
	208: "setsockopt", 209: "getsockopt", 211: "sendmsg",
	212: "recvmsg", 220: "clone", 221: "execve", 222: "mmap",
	242: "accept4", 243: "recvmmsg", 260: "wait4", 269: "sendmmsg",
	272: "kcmp",
})

// Syscalls whose only tracee-visible effect is the result register.
var arm64Deterministic = map[int]string{
	23:  "dup",
	24:  "dup3",
	30:  "ioprio_set",
	32:  "flock",
	34:  "mkdirat",
	35:  "unlinkat",
	36:  "symlinkat",
	37:  "linkat",
	38:  "renameat",
	45:  "truncate",
	46:  "ftruncate",
	48:  "faccessat",
	49:  "chdir",
	50:  "fchdir",
	51:  "chroot",
	52:  "fchmod",
	53:  "fchmodat",
	54:  "fchownat",
	55:  "fchown",
	62:  "lseek",
	81:  "sync",
	82:  "fsync",
	83:  "fdatasync",
	125: "sched_get_priority_max",
	126: "sched_get_priority_min",
	129: "kill",
	130: "tkill",
	131: "tgkill",
	143: "setregid",
	144: "setgid",
	145: "setreuid",
	146: "setuid",
	151: "setfsuid",
	152: "setfsgid",
	154: "setpgid",
	155: "getpgid",
	156: "getsid",
	157: "setsid",
	166: "umask",
	172: "getpid",
	173: "getppid",
	174: "getuid",
	175: "geteuid",
	176: "getgid",
	177: "getegid",
	178: "gettid",
	198: "socket",
	200: "bind",
	201: "listen",
	203: "connect",
	210: "shutdown",
	214: "brk",
	215: "munmap",
	216: "mremap",
	223: "fadvise64",
	226: "mprotect",
	227: "msync",
	228: "mlock",
	229: "munlock",
	230: "mlockall",
	231: "munlockall",
	233: "madvise",
}

var arm64Layouts = layouts64()

var arm64Auxv = []uint64{
	AT_SYSINFO_EHDR, AT_HWCAP, AT_HWCAP2, AT_PAGESZ, AT_CLKTCK,
	AT_PHDR, AT_PHENT, AT_PHNUM, AT_BASE, AT_FLAGS, AT_ENTRY,
	AT_UID, AT_EUID, AT_GID, AT_EGID, AT_SECURE,
}

func (*arm64) Tag() Tag                       { return ARM64 }
func (*arm64) PointerSize() int               { return 8 }
func (*arm64) Syscalls() *SyscallTable        { return arm64Syscalls }
func (*arm64) Layouts() *Layouts              { return arm64Layouts }
func (*arm64) AuxvOrder() []uint64            { return arm64Auxv }
func (*arm64) AuxvOptional() map[uint64]bool  { return auxvOptional }
func (*arm64) CloneTLSType() CloneTLSType     { return PthreadStructurePointer }
func (*arm64) MmapSemantics() CallSemantics   { return RegisterArguments }
func (*arm64) SelectSemantics() CallSemantics { return RegisterArguments }

// x0 carries the first argument in and the result out.
func (*arm64) ResultAliasesArg1() bool { return true }

// svc #0 is a fixed-width instruction.
func (*arm64) SyscallInstructionSize() int { return 4 }
