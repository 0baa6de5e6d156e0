//go:build !windows

// Package sigsync waits for a debugger to attach without losing the
// signal it sends and without trusting that signal on its own.
//
// The wake signal is blocked on one locked OS thread before anything that
// could cause it to be sent runs. From then on every delivery is latched
// as pending on that thread and consumed by rt_sigtimedwait in Wait, so
// there is no window between deciding to wait and waiting. Each wake is
// only a hint: Wait returns once the kernel reports a non-zero TracerPid.
//
// Deliveries directed at the whole process can land on any thread that
// does not block the signal. Block registers the signal with os/signal
// so the runtime catches those and a forwarder re-sends them to the
// waiting thread with tgkill.
//
// Typical use:
//
//	m, err := sigsync.Block(syscall.SIGCONT)
//	if err != nil {
//		return err
//	}
//	defer m.Restore()
//	// start or invite the debugger here
//	pid, err := m.Wait(debugdetect.Default, sigsync.Options{})
package sigsync

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/go-delve/attachwait/pkg/logflags"
)

var (
	// ErrTimeout is returned by Wait when Options.Timeout expires before a
	// tracer shows up.
	ErrTimeout = errors.New("timed out waiting for a tracer")

	// ErrUnsupported is returned on platforms without rt_sigtimedwait.
	ErrUnsupported = errors.New("signal synchronization not supported on " + runtime.GOOS)

	// ErrWrongThread is returned when Wait or Restore are called from a
	// goroutine other than the one that called Block.
	ErrWrongThread = errors.New("mask used from a different thread than the one that blocked it")

	errAborted = errors.New("wait aborted")
)

// DefaultRecheckInterval is the RecheckInterval used when Options leaves
// it unset.
const DefaultRecheckInterval = time.Second

// Tracer reports the pid of the process currently tracing us, 0 if none.
// *debugdetect.Detector implements it.
type Tracer interface {
	TracerPID() (int, error)
}

// Options tunes Wait.
type Options struct {
	// RecheckInterval bounds each wait for the wake signal. The tracer is
	// looked up again every interval even if no signal arrived, debuggers
	// like dlv attach without sending one.
	RecheckInterval time.Duration

	// Timeout bounds the whole wait. Zero, the default, waits forever so
	// that a human can attach at their own pace.
	Timeout time.Duration

	// Abort ends the wait with the received error. Senders should call
	// Mask.Poke afterwards so that the waiting thread notices immediately.
	Abort <-chan error
}

// Sigset is a kernel signal set, bit n-1 stands for signal n.
type Sigset uint64

func sigbit(sig syscall.Signal) Sigset {
	return 1 << (uint(sig) - 1)
}

// Has returns true if sig is in the set.
func (s Sigset) Has(sig syscall.Signal) bool {
	return s&sigbit(sig) != 0
}

// Current returns the signal mask of the calling thread. The caller
// should hold runtime.LockOSThread for the result to mean anything.
func Current() (Sigset, error) {
	var cur Sigset
	if err := rtSigprocmask(sigBlock, nil, &cur); err != nil {
		return 0, err
	}
	return cur, nil
}

// Mask holds the wake signal blocked on one OS thread. It is created by
// Block and released by Restore.
type Mask struct {
	sig   syscall.Signal
	prior Sigset
	pid   int
	tid   int

	notify  chan os.Signal
	done    chan struct{}
	stopped chan struct{}

	once       sync.Once
	restoreErr error
	log        logflags.Logger
}

// Block locks the calling goroutine to its OS thread and blocks sig on
// it. The returned Mask must be restored with Restore from the same
// goroutine, on every path, once it is no longer needed.
func Block(sig syscall.Signal) (*Mask, error) {
	if sig <= 0 || sig > 64 || sig == syscall.SIGKILL || sig == syscall.SIGSTOP {
		return nil, fmt.Errorf("can not use %v as wake signal", sig)
	}
	runtime.LockOSThread()
	m := &Mask{
		sig:     sig,
		pid:     os.Getpid(),
		tid:     gettid(),
		notify:  make(chan os.Signal, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		log:     logflags.SigsyncLogger(),
	}
	set := sigbit(sig)
	if err := rtSigprocmask(sigBlock, &set, &m.prior); err != nil {
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("could not block %v: %w", sig, err)
	}
	signal.Notify(m.notify, sig)
	go m.forward()
	m.log.Debugf("blocked %v on thread %d", sig, m.tid)
	return m, nil
}

// Signal returns the wake signal.
func (m *Mask) Signal() syscall.Signal {
	return m.sig
}

// forward re-sends process directed deliveries caught by the runtime to
// the blocking thread, where they stay pending until Wait consumes them.
func (m *Mask) forward() {
	defer close(m.stopped)
	for {
		select {
		case <-m.notify:
			if err := tgkill(m.pid, m.tid, m.sig); err != nil {
				m.log.Errorf("could not forward %v to thread %d: %v", m.sig, m.tid, err)
			}
		case <-m.done:
			return
		}
	}
}

// Poke sends the wake signal to the waiting thread.
func (m *Mask) Poke() error {
	return tgkill(m.pid, m.tid, m.sig)
}

// Wait blocks until tracer reports a non-zero pid and returns it. Every
// wake signal, and every RecheckInterval without one, is followed by a
// tracer lookup. A wake without a tracer, for example a SIGCONT sent by
// job control, puts Wait back to sleep.
func (m *Mask) Wait(tracer Tracer, opts Options) (int, error) {
	if gettid() != m.tid {
		return 0, ErrWrongThread
	}
	interval := opts.RecheckInterval
	if interval <= 0 {
		interval = DefaultRecheckInterval
	}
	var deadline time.Time
	if opts.Timeout > 0 {
		deadline = time.Now().Add(opts.Timeout)
	}
	set := sigbit(m.sig)

	for {
		select {
		case err := <-opts.Abort:
			if err == nil {
				err = errAborted
			}
			m.log.Debugf("wait aborted: %v", err)
			return 0, err
		default:
		}

		d := interval
		if !deadline.IsZero() {
			left := time.Until(deadline)
			if left <= 0 {
				return 0, ErrTimeout
			}
			if left < d {
				d = left
			}
		}

		sig, err := rtSigtimedwait(&set, d)
		switch {
		case err == nil:
			m.log.Debugf("woken by %v", sig)
		case errors.Is(err, syscall.EAGAIN):
			// recheck
		case errors.Is(err, syscall.EINTR):
			m.log.Debugf("wait interrupted")
		default:
			return 0, fmt.Errorf("could not wait for %v: %w", m.sig, err)
		}

		pid, err := tracer.TracerPID()
		if err != nil {
			m.log.Debugf("tracer lookup failed: %v", err)
			continue
		}
		if pid != 0 {
			m.log.Debugf("traced by %d", pid)
			return pid, nil
		}
	}
}

// Restore stops listening for the wake signal, discards a wake that is
// still pending and puts back the thread's previous mask. Only the first
// call has an effect.
func (m *Mask) Restore() error {
	if gettid() != m.tid {
		return ErrWrongThread
	}
	m.once.Do(func() {
		close(m.done)
		<-m.stopped
		signal.Stop(m.notify)

		set := sigbit(m.sig)
		if !m.prior.Has(m.sig) {
			for {
				if _, err := rtSigtimedwait(&set, 0); err != nil {
					break
				}
			}
		}
		if err := rtSigprocmask(sigSetmask, &m.prior, nil); err != nil {
			m.restoreErr = fmt.Errorf("could not restore signal mask: %w", err)
		}
		runtime.UnlockOSThread()
		m.log.Debugf("restored signal mask on thread %d", m.tid)
	})
	return m.restoreErr
}
