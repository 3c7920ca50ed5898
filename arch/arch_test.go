package arch

import (
	"reflect"
	"testing"
)

// No two present table entries may share a syscall number, and every
// present entry should have a name for diagnostics.
func TestSyscallNumbersDistinct(t *testing.T) {
	for _, a := range []Arch{Amd64, Arm64} {
		tbl := a.Syscalls()
		seen := make(map[int]string)
		v := reflect.ValueOf(*tbl)
		ty := v.Type()
		for i := 0; i < v.NumField(); i++ {
			if ty.Field(i).Type.Kind() != reflect.Int {
				continue
			}
			no := int(v.Field(i).Int())
			if no < 0 {
				continue
			}
			if prev, ok := seen[no]; ok {
				t.Errorf("%v: %s and %s share syscall %d", a.Tag(), prev, ty.Field(i).Name, no)
			}
			seen[no] = ty.Field(i).Name
			if _, ok := tbl.names[no]; !ok {
				t.Errorf("%v: %s (%d) has no name", a.Tag(), ty.Field(i).Name, no)
			}
		}
	}
}

func TestSyscallName(t *testing.T) {
	if got := Amd64.Syscalls().Name(0); got != "read" {
		t.Errorf("amd64 syscall 0: %q", got)
	}
	if got := Arm64.Syscalls().Name(63); got != "read" {
		t.Errorf("arm64 syscall 63: %q", got)
	}
	if got := Amd64.Syscalls().Name(9999); got != "syscall(9999)" {
		t.Errorf("unknown syscall: %q", got)
	}
}

func TestAbsentSyscallsNegative(t *testing.T) {
	tbl := Arm64.Syscalls()
	for name, no := range map[string]int{
		"open": tbl.Open, "poll": tbl.Poll, "select": tbl.Select,
		"readlink": tbl.Readlink, "fork": tbl.Fork, "pause": tbl.Pause,
	} {
		if no >= 0 {
			t.Errorf("arm64 %s should be absent, got %d", name, no)
		}
	}
}

func TestIoctlEncoding(t *testing.T) {
	// TIOCGWINSZ is an old-style request with no direction bits.
	if IoctlDir(0x5413) != IocNone {
		t.Errorf("TIOCGWINSZ dir: %d", IoctlDir(0x5413))
	}
	// A modern _IOR request: dir=READ, size=24.
	req := uint32(IocRead)<<30 | 24<<16 | 0x7a<<8 | 0x01
	if IoctlDir(req) != IocRead {
		t.Errorf("dir: %d", IoctlDir(req))
	}
	if IoctlSize(req) != 24 {
		t.Errorf("size: %d", IoctlSize(req))
	}
	if IoctlType(req) != 0x7a {
		t.Errorf("type: %#x", IoctlType(req))
	}
	if IoctlNr(req) != 0x01 {
		t.Errorf("nr: %#x", IoctlNr(req))
	}
}

func TestRegisters(t *testing.T) {
	var r Registers
	r.SetArg(1, 0x1000)
	r.SetArg(6, 42)
	r.SetSyscallno(202)
	r.SetResultSigned(-11)

	if r.Arg(1) != 0x1000 || r.ArgUint(6) != 42 {
		t.Error("argument round trip failed")
	}
	if r.Syscallno() != 202 {
		t.Errorf("syscallno: %d", r.Syscallno())
	}
	if !r.Failed() || r.ResultSigned() != -11 {
		t.Errorf("failed result: %d", r.ResultSigned())
	}
	r.SetResult(10)
	if r.Failed() {
		t.Error("result 10 is not a failure")
	}
}

func TestAuxvOrderEndsBeforeRandom(t *testing.T) {
	for _, a := range []Arch{Amd64, Arm64} {
		for _, key := range a.AuxvOrder() {
			if key == AT_RANDOM {
				t.Errorf("%v: AT_RANDOM must not be part of the canonical prefix", a.Tag())
			}
		}
		if len(a.AuxvOrder()) == 0 {
			t.Errorf("%v: empty auxv order", a.Tag())
		}
	}
}

func TestResultAliasesArg1(t *testing.T) {
	if Amd64.ResultAliasesArg1() {
		t.Error("rax and rdi are distinct")
	}
	if !Arm64.ResultAliasesArg1() {
		t.Error("x0 carries both the first argument and the result")
	}
}

func TestByTag(t *testing.T) {
	if ByTag(AMD64).Tag() != AMD64 || ByTag(ARM64).Tag() != ARM64 {
		t.Error("ByTag mismatch")
	}
	if Native().PointerSize() != 8 {
		t.Error("native pointer size")
	}
}
