//go:build arm64

package task

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/zyedidia/retrace/arch"
)

// The aarch64 syscall convention: number in x8, arguments in x0..x5,
// result in x0. x0 serves as both the first argument and the result, so
// commits diff against the stop snapshot to decide which value wins.
func fromNative(n *unix.PtraceRegs) arch.Registers {
	var r arch.Registers
	r.SetSyscallno(int(int64(n.Regs[8])))
	for i := 0; i < 6; i++ {
		r.SetArg(i+1, n.Regs[i])
	}
	r.SetResult(n.Regs[0])
	r.SetSP(arch.Addr(n.Sp))
	r.SetIP(arch.Addr(n.Pc))
	return r
}

func (t *Task) commitRegs(r arch.Registers) error {
	var native unix.PtraceRegs
	if err := t.tracer.GetRegs(&native); err != nil {
		return err
	}
	setSysno := mergeRegs(&native, r, t.snap, t.snapValid)
	if err := t.tracer.SetRegs(&native); err != nil {
		return err
	}
	if setSysno {
		return t.setSyscallno(r.Syscallno())
	}
	return nil
}

// mergeRegs folds a generic register snapshot into the native register
// file, diffing against the stop snapshot to resolve the x0 aliasing: a
// result the caller changed wins over x0's argument role. The record core
// never restores argument register 1 at an exit stop on this architecture
// (see arch.ResultAliasesArg1), so an unchanged arg1 here means x0 keeps
// whatever it already holds — the entry-time argument or the kernel's
// committed result. Reports whether the syscall number must be rewritten
// via the dedicated register set.
func mergeRegs(native *unix.PtraceRegs, r, snap arch.Registers, snapValid bool) bool {
	for i := 1; i <= 6; i++ {
		native.Regs[i-1] = r.ArgUint(i)
	}
	if snapValid && r.Result() != snap.Result() {
		native.Regs[0] = r.Result()
	}
	native.Sp = uint64(r.SP())
	native.Pc = uint64(r.IP())
	return !snapValid || r.Syscallno() != snap.Syscallno()
}

// setSyscallno rewrites the in-flight syscall number, which on arm64 needs
// the NT_ARM_SYSTEM_CALL register set rather than x8.
func (t *Task) setSyscallno(no int) error {
	v := int32(no)
	iov := unix.Iovec{
		Base: (*byte)(unsafe.Pointer(&v)),
		Len:  4,
	}
	const ntARMSystemCall = 0x404
	_, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_SETREGSET,
		uintptr(t.tid), ntARMSystemCall, uintptr(unsafe.Pointer(&iov)), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}
