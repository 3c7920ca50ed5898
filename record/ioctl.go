package record

import (
	"github.com/zyedidia/retrace/arch"
	"golang.org/x/sys/unix"
)

// ioctlHandler stages the parameters of one known ioctl request.
type ioctlHandler func(s *Session, t Task, st *SyscallState)

// ioctlRegistry maps irregular ioctl requests — those whose behavior does
// not follow from the _IOC direction/size encoding — to their handlers.
// Unknown requests with the READ direction bit fall back to recording the
// declared payload size rather than aborting.
var ioctlRegistry = map[uint32]ioctlHandler{
	unix.SIOCETHTOOL: func(s *Session, t Task, st *SyscallState) {
		l := t.Arch().Layouts()
		ifr := st.RegParam(3, FixedSize(l.SizeofIfreq), In)
		if !ifr.IsNull() {
			// ethtool_cmd is small; the generic commands fit in
			// a page-safe fixed size.
			st.MemParam(ifr+arch.Addr(l.IfreqData), FixedSize(44), Out)
		}
		st.recordStackPage = true
	},
	unix.SIOCGIFCONF: func(s *Session, t Task, st *SyscallState) {
		l := t.Arch().Layouts()
		ifc := st.RegParam(3, FixedSize(l.SizeofIfconf), InOut)
		if !ifc.IsNull() {
			n, err := readWord(t, ifc+arch.Addr(l.IfconfLen), 4)
			if err != nil {
				fatalf(t, "can't read ifc_len: %v", err)
			}
			st.MemParam(ifc+arch.Addr(l.IfconfBuf), FixedSize(n), Out)
		}
		st.recordStackPage = true
	},
	unix.SIOCGIFADDR:  ioctlIfreq,
	unix.SIOCGIFFLAGS: ioctlIfreq,
	unix.SIOCGIFINDEX: ioctlIfreq,
	unix.SIOCGIFMTU:   ioctlIfreq,
	unix.SIOCGIFNAME:  ioctlIfreq,
	// SIOCGIWRATE hasn't been observed to write beyond tracees' stacks,
	// but the behavior may be driver-dependent.
	siocgiwrate: func(s *Session, t Task, st *SyscallState) {
		st.RegParam(3, FixedSize(t.Arch().Layouts().SizeofIwreq), Out)
		st.recordStackPage = true
	},
	unix.TCGETS: func(s *Session, t Task, st *SyscallState) {
		st.RegParam(3, FixedSize(t.Arch().Layouts().SizeofTermios), Out)
	},
	unix.TIOCINQ: func(s *Session, t Task, st *SyscallState) {
		st.RegParam(3, FixedSize(t.Arch().Layouts().SizeofInt), Out)
	},
	unix.TIOCGWINSZ: func(s *Session, t Task, st *SyscallState) {
		st.RegParam(3, FixedSize(t.Arch().Layouts().SizeofWinsize), Out)
	},
}

// The wireless-extension ioctls never made it into x/sys/unix.
const siocgiwrate = 0x8B21

func ioctlIfreq(s *Session, t Task, st *SyscallState) {
	st.RegParam(3, FixedSize(t.Arch().Layouts().SizeofIfreq), Out)
	st.recordStackPage = true
}

// fatalIoctls are requests the recorder refuses outright: DRM requests
// open files behind the tracer's back on behalf of the callee.
var fatalIoctls = map[uint32]bool{
	arch.DRM_IOCTL_VERSION:               true,
	arch.DRM_IOCTL_GET_MAGIC:             true,
	arch.DRM_IOCTL_GEM_OPEN:              true,
	arch.DRM_IOCTL_I915_GEM_PWRITE:       true,
	arch.DRM_IOCTL_I915_GEM_MMAP:         true,
	arch.DRM_IOCTL_NOUVEAU_GEM_NEW:       true,
	arch.DRM_IOCTL_NOUVEAU_GEM_PUSHBUF:   true,
	arch.DRM_IOCTL_RADEON_INFO:           true,
	arch.DRM_IOCTL_RADEON_GEM_CREATE:     true,
	arch.DRM_IOCTL_RADEON_GEM_GET_TILING: true,
}

// prepareIoctl dispatches on the ioctl request code. Requests without the
// READ direction bit are deterministic from the tracee's point of view and
// need no capture.
func (s *Session) prepareIoctl(t Task, st *SyscallState) {
	regs := t.Regs()
	req := uint32(regs.ArgUint(2))

	Logger.Debugf("handling ioctl(%#x): type:%#x nr:%#x dir:%#x size:%d",
		req, arch.IoctlType(req), arch.IoctlNr(req), arch.IoctlDir(req), arch.IoctlSize(req))

	assert(t, t.DeschedRec() == nil, "failed to skip past desched ioctl()")

	if h, ok := ioctlRegistry[req]; ok {
		h(s, t, st)
		return
	}

	if fatalIoctls[req] || arch.IoctlType(req) == arch.DRMIoctlType {
		fatalf(t, "refusing DRM ioctl %#x (nr %#x)", req, arch.IoctlNr(req))
	}

	if arch.IoctlDir(req)&arch.IocRead == 0 {
		// The kernel writes nothing back; the observable result had
		// better be deterministic.
		Logger.Debugf("  (deterministic ioctl, nothing to do)")
		return
	}

	// Unknown request that writes back: record the declared payload size
	// as a best effort.
	size := uint64(arch.IoctlSize(req))
	Logger.Warnf("unknown ioctl %#x: recording declared size %d", req, size)
	st.RegParam(3, FixedSize(size), Out)
}
