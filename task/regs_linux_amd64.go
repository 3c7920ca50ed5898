//go:build amd64

package task

import (
	"golang.org/x/sys/unix"

	"github.com/zyedidia/retrace/arch"
)

// The x86-64 syscall convention: number in orig_rax, arguments in
// rdi/rsi/rdx/r10/r8/r9, result in rax.
func fromNative(n *unix.PtraceRegs) arch.Registers {
	var r arch.Registers
	r.SetSyscallno(int(int64(n.Orig_rax)))
	r.SetArg(1, n.Rdi)
	r.SetArg(2, n.Rsi)
	r.SetArg(3, n.Rdx)
	r.SetArg(4, n.R10)
	r.SetArg(5, n.R8)
	r.SetArg(6, n.R9)
	r.SetResult(n.Rax)
	r.SetSP(arch.Addr(n.Rsp))
	r.SetIP(arch.Addr(n.Rip))
	return r
}

func (t *Task) commitRegs(r arch.Registers) error {
	var native unix.PtraceRegs
	if err := t.tracer.GetRegs(&native); err != nil {
		return err
	}
	native.Orig_rax = uint64(int64(r.Syscallno()))
	native.Rdi = r.ArgUint(1)
	native.Rsi = r.ArgUint(2)
	native.Rdx = r.ArgUint(3)
	native.R10 = r.ArgUint(4)
	native.R8 = r.ArgUint(5)
	native.R9 = r.ArgUint(6)
	native.Rax = r.Result()
	native.Rsp = uint64(r.SP())
	native.Rip = uint64(r.IP())
	return t.tracer.SetRegs(&native)
}
