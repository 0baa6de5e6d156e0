//go:build !windows

package attach

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"

	"github.com/go-delve/attachwait/pkg/logflags"
)

// fallback turns trace traps into a fatal diagnostic after a failed
// attach, instead of the runtime's register dump.
var fallback struct {
	mu     sync.Mutex
	armed  bool
	reason error
	trap   chan os.Signal
	done   chan struct{}
}

// exit is replaced by tests.
var exit = os.Exit

func armFallback(reason error) {
	fallback.mu.Lock()
	defer fallback.mu.Unlock()
	fallback.reason = reason
	if fallback.armed {
		return
	}
	fallback.armed = true
	fallback.trap = make(chan os.Signal, 1)
	fallback.done = make(chan struct{})
	signal.Notify(fallback.trap, syscall.SIGTRAP)
	go func(trap <-chan os.Signal, done <-chan struct{}) {
		select {
		case <-trap:
			fatalTrap()
		case <-done:
		}
	}(fallback.trap, fallback.done)
}

func disarmFallback() {
	fallback.mu.Lock()
	defer fallback.mu.Unlock()
	if !fallback.armed {
		return
	}
	signal.Stop(fallback.trap)
	close(fallback.done)
	fallback.armed = false
	fallback.reason = nil
}

// FallbackArmed returns true if the last Attach failed and trace traps
// are fatal.
func FallbackArmed() bool {
	fallback.mu.Lock()
	defer fallback.mu.Unlock()
	return fallback.armed
}

func fatalTrap() {
	fallback.mu.Lock()
	reason := fallback.reason
	fallback.mu.Unlock()
	logflags.AttachLogger().Errorf("trace trap without a debugger: %v", reason)
	fmt.Fprintf(os.Stderr, "fatal: trace trap reached but no debugger is attached (%v)\n", reason)
	exit(2)
}

// Break stops the program in the attached debugger. If the last Attach
// failed it prints a diagnostic and exits instead.
func Break() {
	if FallbackArmed() {
		fatalTrap()
		return
	}
	runtime.Breakpoint()
}
