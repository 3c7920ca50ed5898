// Package arch describes the architecture-dependent pieces of the Linux
// syscall ABI that the recorder needs: syscall numbers, structure layouts,
// the register-to-argument mapping, and the canonical ELF auxiliary vector
// ordering. One implementation exists per supported architecture and is
// selected at runtime from a task's architecture tag.
package arch

import "fmt"

// An Addr is an address in a tracee's address space. It is never
// dereferenced by the recorder directly; all access goes through a task's
// memory operations.
type Addr uint64

// IsNull reports whether the address is the null pointer.
func (a Addr) IsNull() bool {
	return a == 0
}

// Tag identifies an architecture.
type Tag int

const (
	AMD64 Tag = iota
	ARM64
)

// String returns the GOARCH-style name of the architecture.
func (t Tag) String() string {
	switch t {
	case AMD64:
		return "amd64"
	case ARM64:
		return "arm64"
	}
	return fmt.Sprintf("Tag(%d)", int(t))
}

// CloneTLSType describes what the tls argument of clone points at.
type CloneTLSType int

const (
	// UserDescPointer: tls points at a struct user_desc (32-bit x86).
	UserDescPointer CloneTLSType = iota
	// PthreadStructurePointer: tls points at the pthread structure
	// (all 64-bit architectures).
	PthreadStructurePointer
)

// CallSemantics distinguishes syscalls whose arguments arrive in registers
// from legacy variants that take a pointer to an argument block.
type CallSemantics int

const (
	RegisterArguments CallSemantics = iota
	StructArguments
)

// An Arch exposes the ABI constants and structure layouts for one
// architecture.
type Arch interface {
	Tag() Tag
	// PointerSize is the width of a tracee pointer in bytes.
	PointerSize() int
	Syscalls() *SyscallTable
	Layouts() *Layouts
	// AuxvOrder is the canonical ELF auxv key order the kernel emits for
	// this architecture, up to but not including AT_RANDOM.
	AuxvOrder() []uint64
	// AuxvOptional is the set of keys newer kernels may insert into the
	// canonical order; the exec-time walk skips them instead of failing.
	AuxvOptional() map[uint64]bool
	CloneTLSType() CloneTLSType
	MmapSemantics() CallSemantics
	SelectSemantics() CallSemantics
	// ResultAliasesArg1 reports whether the syscall result register is
	// the same physical register as the first argument (aarch64's x0).
	// On such architectures the first argument no longer exists once
	// the kernel has committed the return value, so nothing may be
	// restored into it at a syscall-exit stop.
	ResultAliasesArg1() bool
	// SyscallInstructionSize is the byte length of the syscall
	// instruction, used to rewind the instruction pointer when injecting
	// a remote syscall.
	SyscallInstructionSize() int
}

// ByTag returns the Arch implementation for a tag.
func ByTag(t Tag) Arch {
	switch t {
	case AMD64:
		return Amd64
	case ARM64:
		return Arm64
	}
	panic(fmt.Sprintf("arch: no implementation for %v", t))
}

// Native returns the Arch for the architecture this recorder was built for.
func Native() Arch {
	return native
}

// A SyscallTable holds the syscall numbers the recorder dispatches on. A
// value of -1 means the syscall does not exist on this architecture; since
// real syscall numbers are non-negative, absent entries never match.
type SyscallTable struct {
	Read, Write, Open, Openat, Close                  int
	Pread64, Preadv, Readv, Writev                    int
	Recvfrom, Recvmsg, Recvmmsg, Sendmsg, Sendmmsg    int
	Accept, Accept4, Getsockname, Getpeername         int
	Getsockopt, Setsockopt                            int
	Poll, Ppoll, Select, Pselect6                     int
	EpollWait, EpollPwait                             int
	Wait4, Waitid                                     int
	Nanosleep, ClockNanosleep                         int
	Futex, Fcntl, Ioctl, Prctl                        int
	Getdents, Getdents64, Getcwd                      int
	Readlink, Readlinkat                              int
	Getxattr, Lgetxattr, Fgetxattr                    int
	Splice, Sendfile                                  int
	Msgrcv, Msgsnd, Msgctl                            int
	Quotactl                                          int
	RtSigpending, RtSigtimedwait, RtSigsuspend, Pause int
	RtSigaction, RtSigprocmask                        int
	SchedYield, SchedSetaffinity, Setpriority         int
	Clone, Fork, Vfork, Execve, Exit, ExitGroup       int
	Mmap, Mmap2                                       int
	SetTidAddress, SetRobustList                      int
	Kcmp                                              int

	// deterministic lists syscalls whose only tracee-visible effect is
	// the result register: nothing to stage, nothing to record.
	deterministic map[int]string

	names map[int]string
}

// Deterministic reports whether the syscall writes no tracee memory, so
// recording its result register is sufficient.
func (t *SyscallTable) Deterministic(no int) bool {
	_, ok := t.deterministic[no]
	return ok
}

// Name returns a human-readable name for a syscall number, for diagnostics.
func (t *SyscallTable) Name(no int) string {
	if n, ok := t.names[no]; ok {
		return n
	}
	return fmt.Sprintf("syscall(%d)", no)
}

// Layouts holds byte sizes and field offsets of the kernel structures the
// recorder stages. All supported architectures are little-endian LP64, so
// most of these are shared; the per-arch constructors override the few that
// differ.
type Layouts struct {
	SizeofIovec uint64
	IovecBase   uint64 // offset of iov_base
	IovecLen    uint64 // offset of iov_len

	SizeofMsghdr     uint64
	MsghdrName       uint64
	MsghdrNamelen    uint64
	MsghdrIov        uint64
	MsghdrIovlen     uint64
	MsghdrControl    uint64
	MsghdrControllen uint64
	MsghdrFlags      uint64

	SizeofMmsghdr uint64
	MmsghdrHdr    uint64 // offset of msg_hdr
	MmsghdrLen    uint64 // offset of msg_len

	SizeofPollfd          uint64
	SizeofEpollEvent      uint64
	SizeofTimespec        uint64
	SizeofTimeval         uint64
	SizeofFdSet           uint64
	SizeofFlock           uint64
	SizeofFlock64         uint64
	SizeofFOwnerEx        uint64
	SizeofIfreq           uint64
	IfreqData             uint64 // offset of ifr_ifru.ifru_data
	SizeofIfconf          uint64
	IfconfLen             uint64 // offset of ifc_len
	IfconfBuf             uint64 // offset of ifc_ifcu.ifcu_buf
	SizeofIwreq           uint64
	SizeofTermios         uint64
	SizeofWinsize         uint64
	SizeofSockaddrStorage uint64
	SizeofSocklen         uint64
	SizeofSiginfo         uint64
	SizeofRusage          uint64
	SizeofDqblk           uint64
	SizeofDqinfo          uint64
	SizeofStackT          uint64
	SizeofSigset          uint64
	SizeofMsqid64Ds       uint64
	SizeofMsginfo         uint64
	SizeofLoff            uint64
	SizeofOff             uint64
	SizeofInt             uint64
	SizeofLong            uint64
}

func layouts64() *Layouts {
	return &Layouts{
		SizeofIovec: 16, IovecBase: 0, IovecLen: 8,

		SizeofMsghdr: 56,
		MsghdrName:   0, MsghdrNamelen: 8,
		MsghdrIov: 16, MsghdrIovlen: 24,
		MsghdrControl: 32, MsghdrControllen: 40,
		MsghdrFlags: 48,

		// struct mmsghdr is a msghdr followed by msg_len and padding.
		SizeofMmsghdr: 64, MmsghdrHdr: 0, MmsghdrLen: 56,

		SizeofPollfd:          8,
		SizeofEpollEvent:      16,
		SizeofTimespec:        16,
		SizeofTimeval:         16,
		SizeofFdSet:           128,
		SizeofFlock:           32,
		SizeofFlock64:         32,
		SizeofFOwnerEx:        8,
		SizeofIfreq:           40,
		IfreqData:             16,
		SizeofIfconf:          16,
		IfconfLen:             0,
		IfconfBuf:             8,
		SizeofIwreq:           32,
		SizeofTermios:         36,
		SizeofWinsize:         8,
		SizeofSockaddrStorage: 128,
		SizeofSocklen:         4,
		SizeofSiginfo:         128,
		SizeofRusage:          144,
		SizeofDqblk:           72,
		SizeofDqinfo:          24,
		SizeofStackT:          24,
		SizeofSigset:          8,
		SizeofMsqid64Ds:       120,
		SizeofMsginfo:         32,
		SizeofLoff:            8,
		SizeofOff:             8,
		SizeofInt:             4,
		SizeofLong:            8,
	}
}
