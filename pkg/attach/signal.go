//go:build !windows

package attach

import (
	"fmt"
	"strconv"
	"strings"
	"syscall"

	sys "golang.org/x/sys/unix"
)

// ParseSignal accepts "SIGCONT", "CONT", "cont" or a signal number.
func ParseSignal(s string) (syscall.Signal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return syscall.SIGCONT, nil
	}
	var sig syscall.Signal
	if n, err := strconv.Atoi(s); err == nil {
		if n <= 0 || n > 64 {
			return 0, fmt.Errorf("signal number %d out of range", n)
		}
		sig = syscall.Signal(n)
	} else {
		name := strings.ToUpper(s)
		if !strings.HasPrefix(name, "SIG") {
			name = "SIG" + name
		}
		sig = sys.SignalNum(name)
		if sig == 0 {
			return 0, fmt.Errorf("unknown signal %q", s)
		}
	}
	if sig == syscall.SIGKILL || sig == syscall.SIGSTOP {
		return 0, fmt.Errorf("%s can not be blocked", SignalName(sig))
	}
	return sig, nil
}

// SignalName returns the SIGxxx name of sig, or its number if it has
// none.
func SignalName(sig syscall.Signal) string {
	if name := sys.SignalName(sig); name != "" {
		return name
	}
	return strconv.Itoa(int(sig))
}
