package record

import (
	"os"
	"sync"

	"github.com/blang/semver"
	"github.com/zyedidia/retrace/arch"
	"golang.org/x/sys/unix"
)

var kcmpOnce sync.Once
var kcmpAvailable bool

// kernelHasKcmp reports whether kcmp(2) exists (Linux 3.5+). Parsing the
// uname release avoids probing with a syscall that would show up in the
// recorder's own strace output.
func kernelHasKcmp() bool {
	kcmpOnce.Do(func() {
		var uts unix.Utsname
		if err := unix.Uname(&uts); err != nil {
			return
		}
		release := string(uts.Release[:])
		for i, c := range release {
			if c == 0 {
				release = release[:i]
				break
			}
		}
		v, err := semver.ParseTolerant(release)
		if err != nil {
			return
		}
		kcmpAvailable = v.GTE(semver.MustParse("3.5.0"))
	})
	return kcmpAvailable
}

// isStdioFd reports whether fd in the tracee refers to the recorder's own
// stdout or stderr, delegating to the session's checker so tests can
// substitute one.
func (s *Session) isStdioFd(t Task, fd int) bool {
	if s.Stdio != nil {
		return s.Stdio(t, fd)
	}
	return isStdioFdKcmp(t, fd)
}

// isStdioFdKcmp is the exact determination via the kernel fd-comparison
// facility. Without it we fall back to the heuristic of comparing against
// fd numbers 1 and 2, which can be wrong when those fds have been duped or
// redirected.
func isStdioFdKcmp(t Task, fd int) bool {
	if !kernelHasKcmp() {
		return fd == int(os.Stdout.Fd()) || fd == int(os.Stderr.Fd())
	}
	pid := os.Getpid()
	for _, ours := range []uintptr{1, 2} {
		r, _, errno := unix.Syscall6(unix.SYS_KCMP, uintptr(pid), uintptr(t.Tid()),
			arch.KCMP_FILE, ours, uintptr(fd), 0)
		switch {
		case errno == unix.ENOSYS:
			return fd == 1 || fd == 2
		case errno == unix.EBADF:
			// Tracees may try to write to invalid fds.
			return false
		case errno != 0:
			fatalf(t, "kcmp failed: %v", errno)
		case r == 0:
			return true
		}
	}
	return false
}
