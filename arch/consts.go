package arch

// ELF auxiliary vector keys. x/sys/unix does not export these.
const (
	AT_NULL              = 0
	AT_IGNORE            = 1
	AT_EXECFD            = 2
	AT_PHDR              = 3
	AT_PHENT             = 4
	AT_PHNUM             = 5
	AT_PAGESZ            = 6
	AT_BASE              = 7
	AT_FLAGS             = 8
	AT_ENTRY             = 9
	AT_NOTELF            = 10
	AT_UID               = 11
	AT_EUID              = 12
	AT_GID               = 13
	AT_EGID              = 14
	AT_PLATFORM          = 15
	AT_HWCAP             = 16
	AT_CLKTCK            = 17
	AT_SECURE            = 23
	AT_BASE_PLATFORM     = 24
	AT_RANDOM            = 25
	AT_HWCAP2            = 26
	AT_RSEQ_FEATURE_SIZE = 27
	AT_RSEQ_ALIGN        = 28
	AT_EXECFN            = 31
	AT_SYSINFO           = 32
	AT_SYSINFO_EHDR      = 33
	AT_MINSIGSTKSZ       = 51
)

// Futex operation constants, including the command mask that strips the
// PRIVATE and CLOCK_REALTIME modifier bits.
const (
	FUTEX_WAIT           = 0
	FUTEX_WAKE           = 1
	FUTEX_FD             = 2
	FUTEX_REQUEUE        = 3
	FUTEX_CMP_REQUEUE    = 4
	FUTEX_WAKE_OP        = 5
	FUTEX_LOCK_PI        = 6
	FUTEX_UNLOCK_PI      = 7
	FUTEX_TRYLOCK_PI     = 8
	FUTEX_WAIT_BITSET    = 9
	FUTEX_WAKE_BITSET    = 10
	FUTEX_PRIVATE_FLAG   = 128
	FUTEX_CLOCK_REALTIME = 256
	FUTEX_CMD_MASK       = ^(FUTEX_PRIVATE_FLAG | FUTEX_CLOCK_REALTIME)
)

// ioctl request encoding. "_IOC_READ" set in the direction bits means the
// kernel writes back to the argument structure.
const (
	iocNrBits   = 8
	iocTypeBits = 8
	iocSizeBits = 14

	iocNrShift   = 0
	iocTypeShift = iocNrShift + iocNrBits
	iocSizeShift = iocTypeShift + iocTypeBits
	iocDirShift  = iocSizeShift + iocSizeBits

	IocNone  = 0
	IocWrite = 1
	IocRead  = 2
)

// IoctlNr extracts the request number field of an ioctl request code.
func IoctlNr(req uint32) uint32 { return (req >> iocNrShift) & (1<<iocNrBits - 1) }

// IoctlType extracts the type field of an ioctl request code.
func IoctlType(req uint32) uint32 { return (req >> iocTypeShift) & (1<<iocTypeBits - 1) }

// IoctlSize extracts the payload size field of an ioctl request code.
func IoctlSize(req uint32) uint32 { return (req >> iocSizeShift) & (1<<iocSizeBits - 1) }

// IoctlDir extracts the direction field of an ioctl request code.
func IoctlDir(req uint32) uint32 { return (req >> iocDirShift) & 3 }

// Kernel-internal restart errnos. A blocked syscall interrupted by a signal
// returns one of these at the syscall-exit stop before the kernel decides
// whether to restart it.
const (
	ERESTARTSYS           = 512
	ERESTARTNOINTR        = 513
	ERESTARTNOHAND        = 514
	ERESTART_RESTARTBLOCK = 516
)

// KCMP_FILE is the kcmp(2) resource type that checks whether two file
// descriptors refer to the same open file description.
const KCMP_FILE = 0

// DRM ioctl request codes the recorder refuses (type 0x64). Several of
// these open files behind the tracer's back.
const (
	DRM_IOCTL_VERSION               = 0xc0406400
	DRM_IOCTL_GET_MAGIC             = 0x80046402
	DRM_IOCTL_GEM_OPEN              = 0xc010640b
	DRM_IOCTL_I915_GEM_PWRITE       = 0x405c645d
	DRM_IOCTL_I915_GEM_MMAP         = 0xc028645e
	DRM_IOCTL_NOUVEAU_GEM_NEW       = 0xc0306480
	DRM_IOCTL_NOUVEAU_GEM_PUSHBUF   = 0xc0406481
	DRM_IOCTL_RADEON_INFO           = 0xc0106467
	DRM_IOCTL_RADEON_GEM_CREATE     = 0xc020645d
	DRM_IOCTL_RADEON_GEM_GET_TILING = 0xc010646b
)

// DRMIoctlType is the ioctl type field shared by all DRM requests.
const DRMIoctlType = 0x64
