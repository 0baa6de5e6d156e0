//go:build !windows

package attach

import (
	"fmt"
	"io"
	"strings"
	"syscall"

	"github.com/kballard/go-shellquote"
)

const (
	colorBold  = "\x1b[1m"
	colorReset = "\x1b[0m"
)

// WriteInstructions tells the operator how to attach a debugger to pid.
// argv, if not empty, is printed as a ready to paste command line.
func WriteInstructions(w io.Writer, pid int, sig syscall.Signal, argv []string, color bool) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Process %d is waiting for a debugger to attach.\n", pid)
	if len(argv) > 0 {
		cmdline := shellquote.Join(argv...)
		if color {
			cmdline = colorBold + cmdline + colorReset
		}
		fmt.Fprintf(&b, "Attach with:\n\n\t%s\n\n", cmdline)
	}
	fmt.Fprintf(&b, "The process resumes once a tracer is attached and it receives %s.\n", SignalName(sig))
	_, err := io.WriteString(w, b.String())
	return err
}
