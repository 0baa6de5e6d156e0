//go:build linux

package sigsync

import (
	"syscall"
	"time"
	"unsafe"

	sys "golang.org/x/sys/unix"
)

// From asm-generic/signal-defs.h, the kernel takes an 8 byte sigset.
const (
	sigBlock   = 0
	sigSetmask = 2
	sigsetSize = 8
)

func gettid() int {
	return sys.Gettid()
}

func tgkill(pid, tid int, sig syscall.Signal) error {
	return sys.Tgkill(pid, tid, sig)
}

func rtSigprocmask(how int, set, old *Sigset) error {
	_, _, errno := sys.RawSyscall6(sys.SYS_RT_SIGPROCMASK, uintptr(how), uintptr(unsafe.Pointer(set)), uintptr(unsafe.Pointer(old)), sigsetSize, 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// rtSigtimedwait consumes one pending signal in set, waiting at most d.
// It returns EAGAIN if nothing arrived in time.
func rtSigtimedwait(set *Sigset, d time.Duration) (syscall.Signal, error) {
	ts := sys.NsecToTimespec(int64(d))
	r, _, errno := sys.Syscall6(sys.SYS_RT_SIGTIMEDWAIT, uintptr(unsafe.Pointer(set)), 0, uintptr(unsafe.Pointer(&ts)), sigsetSize, 0, 0)
	if errno != 0 {
		return 0, errno
	}
	return syscall.Signal(r), nil
}
