//go:build !windows

// Package attach suspends the calling process until a debugger is
// attached to it.
//
// Two modes are supported. In ModeSelfManaged Attach starts the debugger
// itself, pointed at the current process. In ModeExternal it prints
// instructions and waits for somebody to attach one by hand. Either way
// Attach only returns nil once the kernel reports a tracer, so the caller
// can follow it with Break or any other code that needs a debugger.
//
// There is no timeout unless Config.Timeout is set: the wait is meant to
// last as long as the human on the other side needs.
package attach

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/go-delve/attachwait/pkg/debugdetect"
	"github.com/go-delve/attachwait/pkg/logflags"
	"github.com/go-delve/attachwait/pkg/sigsync"
)

var (
	// ErrPolicyDenied is returned when the ptrace_scope level does not let
	// the debugger attach and can not be relaxed.
	ErrPolicyDenied = debugdetect.ErrPolicyDenied

	// ErrSpawnFailed is returned when the debugger could not be started or
	// exited before attaching.
	ErrSpawnFailed = errors.New("could not start debugger")
)

// Mode selects who starts the debugger.
type Mode int

const (
	// ModeExternal prints instructions and waits for an operator to attach.
	ModeExternal Mode = iota
	// ModeSelfManaged starts the debugger as a child process.
	ModeSelfManaged
)

func (m Mode) String() string {
	switch m {
	case ModeExternal:
		return "external"
	case ModeSelfManaged:
		return "self-managed"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// State is a step of an attach attempt.
type State int

const (
	// StateStart is the state of a new attempt.
	StateStart State = iota
	// StatePolicyCheck reads ptrace_scope and relaxes it if asked to.
	StatePolicyCheck
	// StateSelfManagedSpawn starts the debugger in ModeSelfManaged.
	StateSelfManagedSpawn
	// StateExternalPrompt prints the attach instructions in ModeExternal.
	StateExternalPrompt
	// StateSynchronizing waits for the wake signal and a tracer.
	StateSynchronizing
	// StateAttached is final: a tracer was observed.
	StateAttached
	// StateFailed is final: Session.Err holds the reason.
	StateFailed
)

var stateNames = [...]string{
	StateStart:            "start",
	StatePolicyCheck:      "policy-check",
	StateSelfManagedSpawn: "spawn",
	StateExternalPrompt:   "prompt",
	StateSynchronizing:    "synchronizing",
	StateAttached:         "attached",
	StateFailed:           "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Detector is the kernel state Attach relies on. *debugdetect.Detector
// implements it.
type Detector interface {
	ReadPolicy() (debugdetect.Policy, error)
	RelaxPolicyAt(p debugdetect.Policy) error
	TracerPID() (int, error)
}

// Config describes an attach attempt.
type Config struct {
	Mode Mode

	// Debugger is started in ModeSelfManaged and suggested in the
	// instructions printed in ModeExternal.
	Debugger Debugger

	// WakeSignal is the signal the debugger sends once attached. SIGCONT
	// if zero.
	WakeSignal syscall.Signal

	// RelaxPolicy calls PR_SET_PTRACER before waiting in ModeExternal. In
	// ModeSelfManaged the policy is always relaxed since the debugger is
	// our child, not our ancestor.
	RelaxPolicy bool

	// RecheckInterval and Timeout are passed to sigsync.Mask.Wait.
	RecheckInterval time.Duration
	Timeout         time.Duration

	// Instructions receives the attach instructions in ModeExternal,
	// os.Stderr if nil.
	Instructions io.Writer
	// Color highlights the debugger command in the instructions.
	Color bool

	// Standard streams of the debugger in ModeSelfManaged, os.Stdin,
	// os.Stdout and os.Stderr if nil.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// Detector defaults to debugdetect.Default.
	Detector Detector
}

func (cfg *Config) setDefaults() {
	if cfg.WakeSignal == 0 {
		cfg.WakeSignal = syscall.SIGCONT
	}
	if cfg.Instructions == nil {
		cfg.Instructions = os.Stderr
	}
	if cfg.Stdin == nil {
		cfg.Stdin = os.Stdin
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	if cfg.Detector == nil {
		cfg.Detector = debugdetect.Default
	}
}

// Session is the record of one attach attempt.
type Session struct {
	Mode  Mode
	State State
	// Pid is the process that is waiting to be traced, i.e. us.
	Pid int
	// TracerPid is the tracer observed when the wait ended.
	TracerPid int
	// DebuggerPid is the debugger started in ModeSelfManaged.
	DebuggerPid int
	// Policy is the ptrace_scope level seen during the policy check.
	Policy debugdetect.Policy
	// Err is the reason of the failure, if any.
	Err error

	log logflags.Logger
}

func (s *Session) setState(st State) {
	if logflags.Attach() {
		s.log.Debugf("%s -> %s", s.State, st)
	}
	s.State = st
}

// Attach blocks until a tracer is attached to the calling process. A nil
// error means the kernel reported a non-zero TracerPid, the returned
// Session is never nil.
//
// If the attempt fails Attach arms a fallback that turns a later trace
// trap into a fatal diagnostic, see Break.
func Attach(cfg Config) (*Session, error) {
	cfg.setDefaults()
	s := &Session{
		Mode:   cfg.Mode,
		Pid:    os.Getpid(),
		Policy: debugdetect.PolicyUnrestricted,
	}
	s.log = logflags.AttachLogger().WithFields(logflags.Fields{"pid": s.Pid, "mode": cfg.Mode.String()})

	var err error
	switch cfg.Mode {
	case ModeExternal:
		err = s.external(&cfg)
	case ModeSelfManaged:
		err = s.selfManaged(&cfg)
	default:
		err = fmt.Errorf("unknown attach mode %v", cfg.Mode)
	}
	if err != nil {
		s.Err = err
		s.setState(StateFailed)
		s.log.Errorf("could not attach: %v", err)
		armFallback(err)
		return s, err
	}
	disarmFallback()
	s.setState(StateAttached)
	return s, nil
}

func (s *Session) checkPolicy(cfg *Config, relax bool) error {
	s.setState(StatePolicyCheck)
	p, err := cfg.Detector.ReadPolicy()
	if err != nil {
		s.log.Debugf("attach policy unknown, assuming unrestricted: %v", err)
		return nil
	}
	s.Policy = p
	if !relax {
		return nil
	}
	// Relax at the level just read, it is read once per attempt.
	err = cfg.Detector.RelaxPolicyAt(p)
	if err == nil {
		return nil
	}
	var perr *debugdetect.PolicyError
	if s.Mode == ModeSelfManaged && errors.As(err, &perr) && perr.Policy == debugdetect.PolicyAdminOnly && os.Geteuid() == 0 {
		// The debugger inherits our CAP_SYS_PTRACE.
		s.log.Debugf("ptrace_scope %d, continuing as root", int(perr.Policy))
		return nil
	}
	return err
}

func (s *Session) waitOptions(cfg *Config, abort <-chan error) sigsync.Options {
	return sigsync.Options{
		RecheckInterval: cfg.RecheckInterval,
		Timeout:         cfg.Timeout,
		Abort:           abort,
	}
}

func (s *Session) external(cfg *Config) (err error) {
	if err := s.checkPolicy(cfg, cfg.RelaxPolicy); err != nil {
		return err
	}

	// The wake signal must be blocked before anyone is told how to send it.
	m, err := sigsync.Block(cfg.WakeSignal)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := m.Restore(); rerr != nil && err == nil {
			err = rerr
		}
	}()

	s.setState(StateExternalPrompt)
	argv, aerr := cfg.Debugger.Args(s.Pid, cfg.WakeSignal)
	if aerr != nil {
		s.log.Debugf("no debugger command to suggest: %v", aerr)
		argv = nil
	}
	if err := WriteInstructions(cfg.Instructions, s.Pid, cfg.WakeSignal, argv, cfg.Color); err != nil {
		s.log.Warnf("could not print attach instructions: %v", err)
	}

	s.setState(StateSynchronizing)
	pid, err := m.Wait(cfg.Detector, s.waitOptions(cfg, nil))
	if err != nil {
		return err
	}
	s.TracerPid = pid
	return nil
}

func (s *Session) selfManaged(cfg *Config) (err error) {
	if err := s.checkPolicy(cfg, true); err != nil {
		return err
	}
	argv, err := cfg.Debugger.Args(s.Pid, cfg.WakeSignal)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	// Blocked before the debugger exists, it can not signal us any earlier.
	m, err := sigsync.Block(cfg.WakeSignal)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := m.Restore(); rerr != nil && err == nil {
			err = rerr
		}
	}()

	s.setState(StateSelfManagedSpawn)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdin = cfg.Stdin
	cmd.Stdout = cfg.Stdout
	cmd.Stderr = cfg.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	s.DebuggerPid = cmd.Process.Pid
	s.log.Debugf("started %v as %d", argv, s.DebuggerPid)

	// A debugger that dies before attaching would leave us waiting
	// forever.
	var mu sync.Mutex
	waiting := true
	abort := make(chan error, 1)
	go func() {
		werr := cmd.Wait()
		mu.Lock()
		defer mu.Unlock()
		if !waiting {
			return
		}
		if werr == nil {
			werr = errors.New("exit status 0")
		}
		abort <- fmt.Errorf("%w: %s exited before attaching: %v", ErrSpawnFailed, argv[0], werr)
		m.Poke()
	}()

	s.setState(StateSynchronizing)
	pid, err := m.Wait(cfg.Detector, s.waitOptions(cfg, abort))
	mu.Lock()
	waiting = false
	mu.Unlock()
	if err != nil {
		if !errors.Is(err, ErrSpawnFailed) {
			cmd.Process.Kill()
		}
		return err
	}
	s.TracerPid = pid
	return nil
}
