//go:build !windows

package attach

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"syscall"

	"github.com/cosiner/argv"
)

// Debugger kinds understood by Debugger.Args.
const (
	DebuggerGDB    = "gdb"
	DebuggerLLDB   = "lldb"
	DebuggerDlv    = "dlv"
	DebuggerCustom = "custom"
)

// Debugger describes the debugger that attaches to us.
type Debugger struct {
	// Kind is one of DebuggerGDB, DebuggerLLDB, DebuggerDlv or
	// DebuggerCustom. Empty means gdb.
	Kind string
	// Path replaces the executable name of the preset.
	Path string
	// Command is the command line of a custom debugger. {pid} and
	// {signal} are replaced by the process id and the wake signal name.
	Command string
}

// Args returns the command line that attaches the debugger to pid and has
// it send sig once attached.
func (d Debugger) Args(pid int, sig syscall.Signal) ([]string, error) {
	spid := strconv.Itoa(pid)
	signame := SignalName(sig)
	exe := func(def string) string {
		if d.Path != "" {
			return d.Path
		}
		return def
	}

	switch d.Kind {
	case "", DebuggerGDB:
		// Pagination is turned off around the signal command so that gdb
		// does not stop on a --More-- prompt before resuming us.
		return []string{exe("gdb"),
			"--eval-command", "set pagination off",
			"--eval-command", "signal " + signame,
			"--eval-command", "set pagination on",
			"--pid", spid}, nil
	case DebuggerLLDB:
		return []string{exe("lldb"), "--attach-pid", spid, "--one-line", "process signal " + signame}, nil
	case DebuggerDlv:
		// dlv does not send the wake signal, the tracer is noticed on the
		// next recheck after the user continues.
		return []string{exe("dlv"), "attach", spid}, nil
	case DebuggerCustom:
		return customArgs(d, spid, signame)
	}
	return nil, fmt.Errorf("unknown debugger %q", d.Kind)
}

func customArgs(d Debugger, spid, signame string) ([]string, error) {
	if strings.TrimSpace(d.Command) == "" {
		return nil, errors.New("custom debugger without a command")
	}
	cmdline := strings.NewReplacer("{pid}", spid, "{signal}", signame).Replace(d.Command)
	v, err := argv.Argv(cmdline,
		func(s string) (string, error) {
			return "", fmt.Errorf("backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return nil, err
	}
	if len(v) != 1 || len(v[0]) == 0 {
		return nil, fmt.Errorf("illegal debugger command line '%s'", d.Command)
	}
	w := v[0]
	if d.Path != "" {
		w[0] = d.Path
	}
	return w, nil
}
