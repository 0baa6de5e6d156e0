//go:build !linux && !windows

package sigsync

import (
	"syscall"
	"time"
)

const (
	sigBlock   = 0
	sigSetmask = 2
)

func gettid() int {
	return 0
}

func tgkill(pid, tid int, sig syscall.Signal) error {
	return ErrUnsupported
}

func rtSigprocmask(how int, set, old *Sigset) error {
	return ErrUnsupported
}

func rtSigtimedwait(set *Sigset, d time.Duration) (syscall.Signal, error) {
	return 0, ErrUnsupported
}
