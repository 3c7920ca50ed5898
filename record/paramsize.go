package record

import (
	"errors"

	"github.com/zyedidia/retrace/arch"
)

var errBadWidth = errors.New("record: unsupported read width")

// Unbounded marks a ParamSize with no static cap. A parameter must resolve
// to a finite size before scratch can be allocated for it.
const Unbounded = ^uint64(0)

type sizeKind int

const (
	// sizeFixed: the size is max alone.
	sizeFixed sizeKind = iota
	// sizeFromMemory: the size is read from a tracee memory word after
	// the syscall, capped by max.
	sizeFromMemory
	// sizeFromResult: the size is the syscall result register, capped by
	// max.
	sizeFromResult
)

// A ParamSize describes how many bytes to record for a syscall memory
// parameter: a static cap known before the syscall executes (needed to
// reserve scratch), combined with an optional dynamic source consulted
// after the syscall has executed. The minimum of the two is used.
//
// When several parameters share one dynamic source (SameSource), the
// source value is distributed across them in registration order, each
// taking up to its cap. That is how iovec buffers are recorded without
// over-counting.
type ParamSize struct {
	kind  sizeKind
	max   uint64
	mem   arch.Addr
	width int
}

// FixedSize is a size fully known at syscall entry.
func FixedSize(n uint64) ParamSize {
	return ParamSize{kind: sizeFixed, max: n}
}

// SizeFromMem takes the size from a tracee memory word read after the
// syscall; there is no static cap.
func SizeFromMem(addr arch.Addr, width int) ParamSize {
	return ParamSize{kind: sizeFromMemory, max: Unbounded, mem: addr, width: width}
}

// SizeFromInitializedMem is SizeFromMem for the usual pattern where the
// tracee supplies both a buffer and its current length (e.g. *optlen): the
// word's pre-syscall value becomes the static cap, and the word is re-read
// after the syscall for the dynamic size.
func SizeFromInitializedMem(t Task, addr arch.Addr, width int) ParamSize {
	var max uint64
	if !addr.IsNull() {
		v, err := readWord(t, addr, width)
		if err != nil {
			fatalf(t, "can't read size word at %#x: %v", uint64(addr), err)
		}
		max = v
	}
	return ParamSize{kind: sizeFromMemory, max: max, mem: addr, width: width}
}

// SizeFromResult takes the size from the syscall result register,
// interpreted at the given width. Callers cap it with Limit.
func SizeFromResult(width int) ParamSize {
	return ParamSize{kind: sizeFromResult, max: Unbounded, width: width}
}

// Limit returns a copy with the static cap clamped to at most n. The
// dynamic source is preserved.
func (p ParamSize) Limit(n uint64) ParamSize {
	if n < p.max {
		p.max = n
	}
	return p
}

// MaxSize is the static cap; also the scratch reservation amount.
func (p ParamSize) MaxSize() uint64 {
	return p.max
}

// SameSource reports whether other takes its dynamic size from the same
// source as p: the same memory word, or both from the syscall result, at
// equal widths.
func (p ParamSize) SameSource(other ParamSize) bool {
	if p.width != other.width {
		return false
	}
	switch {
	case p.kind == sizeFromMemory && other.kind == sizeFromMemory:
		return !p.mem.IsNull() && p.mem == other.mem
	case p.kind == sizeFromResult && other.kind == sizeFromResult:
		return true
	}
	return false
}

// Eval computes the actual size after the syscall has executed.
// alreadyConsumed bytes are subtracted from the dynamic part of the size.
func (p ParamSize) Eval(t Task, alreadyConsumed uint64) uint64 {
	s := p.max
	switch p.kind {
	case sizeFromMemory:
		v, err := readWord(t, p.mem, p.width)
		if err != nil {
			fatalf(t, "can't evaluate size at %#x: %v", uint64(p.mem), err)
		}
		assert(t, alreadyConsumed <= v,
			"size source at %#x yields %d but %d already consumed", uint64(p.mem), v, alreadyConsumed)
		if rem := v - alreadyConsumed; rem < s {
			s = rem
		}
	case sizeFromResult:
		// A failed syscall is recorded as if it succeeded with no
		// bytes produced.
		var v uint64
		regs := t.Regs()
		if r := regs.ResultSigned(); r > 0 {
			v = truncWidth(uint64(r), p.width)
		}
		assert(t, alreadyConsumed <= v,
			"syscall result yields %d but %d already consumed", v, alreadyConsumed)
		if rem := v - alreadyConsumed; rem < s {
			s = rem
		}
	}
	assert(t, s < Unbounded, "no finite bound for parameter size")
	return s
}

func truncWidth(v uint64, width int) uint64 {
	switch width {
	case 1:
		return uint64(uint8(v))
	case 2:
		return uint64(uint16(v))
	case 4:
		return uint64(uint32(v))
	}
	return v
}
