//go:build linux

package attach

import (
	"bytes"
	"errors"
	"io"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/go-delve/attachwait/pkg/debugdetect"
	"github.com/go-delve/attachwait/pkg/sigsync"
)

type fakeDetector struct {
	mu          sync.Mutex
	policy      debugdetect.Policy
	policyErr   error
	reads       int
	relaxCalls  int
	relaxedAt   debugdetect.Policy
	lookups     int
	attachAfter int
	tracer      int
}

func (f *fakeDetector) ReadPolicy() (debugdetect.Policy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	return f.policy, f.policyErr
}

func (f *fakeDetector) RelaxPolicyAt(p debugdetect.Policy) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.relaxCalls++
	f.relaxedAt = p
	if p >= debugdetect.PolicyAdminOnly {
		return &debugdetect.PolicyError{Policy: p}
	}
	return nil
}

func (f *fakeDetector) TracerPID() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if f.attachAfter > 0 && f.lookups >= f.attachAfter {
		return f.tracer, nil
	}
	return 0, nil
}

// withMaskCheck runs fn pinned to one thread and fails if the signal mask
// differs afterwards.
func withMaskCheck(t *testing.T, fn func()) {
	t.Helper()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	before, err := sigsync.Current()
	if err != nil {
		t.Fatal(err)
	}
	fn()
	after, err := sigsync.Current()
	if err != nil {
		t.Fatal(err)
	}
	if before != after {
		t.Fatalf("signal mask changed: before %#x after %#x", before, after)
	}
}

func resetFallback(t *testing.T) {
	t.Cleanup(disarmFallback)
}

func TestExternalRestrictedPolicy(t *testing.T) {
	resetFallback(t)
	d := &fakeDetector{policy: debugdetect.PolicyRestricted, attachAfter: 2, tracer: 4821}
	var out bytes.Buffer

	var s *Session
	var err error
	withMaskCheck(t, func() {
		s, err = Attach(Config{
			Mode:            ModeExternal,
			RelaxPolicy:     true,
			RecheckInterval: 10 * time.Millisecond,
			Timeout:         30 * time.Second,
			Instructions:    &out,
			Detector:        d,
		})
	})
	if err != nil {
		t.Fatal(err)
	}
	if s.State != StateAttached || s.TracerPid != 4821 || s.Policy != debugdetect.PolicyRestricted {
		t.Fatalf("unexpected session %#v", s)
	}
	if d.relaxCalls != 1 || d.relaxedAt != debugdetect.PolicyRestricted {
		t.Fatalf("expected one relaxation at restricted, got %d at %s", d.relaxCalls, d.relaxedAt)
	}
	if d.reads != 1 {
		t.Fatalf("expected ptrace_scope to be read once, got %d reads", d.reads)
	}
	if !strings.Contains(out.String(), strconv.Itoa(s.Pid)) || !strings.Contains(out.String(), "'signal SIGCONT'") {
		t.Fatalf("instructions do not mention pid and gdb command:\n%s", out.String())
	}
	if FallbackArmed() {
		t.Fatal("fallback armed after successful attach")
	}
}

func TestExternalPolicyDenied(t *testing.T) {
	resetFallback(t)
	for _, p := range []debugdetect.Policy{debugdetect.PolicyAdminOnly, debugdetect.PolicyNoAttach} {
		d := &fakeDetector{policy: p}
		var out bytes.Buffer
		var s *Session
		var err error
		withMaskCheck(t, func() {
			s, err = Attach(Config{Mode: ModeExternal, RelaxPolicy: true, Instructions: &out, Detector: d})
		})
		if !errors.Is(err, ErrPolicyDenied) {
			t.Fatalf("%s: expected ErrPolicyDenied, got %v", p, err)
		}
		if !strings.Contains(err.Error(), p.String()) {
			t.Fatalf("%s: diagnostic does not name the policy level: %v", p, err)
		}
		if s.State != StateFailed || s.Err != err {
			t.Fatalf("%s: unexpected session %#v", p, s)
		}
		if out.Len() != 0 {
			t.Fatalf("%s: instructions printed after denial:\n%s", p, out.String())
		}
		if d.lookups != 0 {
			t.Fatalf("%s: waited after denial", p)
		}
		if !FallbackArmed() {
			t.Fatalf("%s: fallback not armed", p)
		}
	}
}

func TestExternalWithoutRelax(t *testing.T) {
	resetFallback(t)
	d := &fakeDetector{policyErr: debugdetect.ErrUnreadable, attachAfter: 1, tracer: 9}
	var s *Session
	var err error
	withMaskCheck(t, func() {
		s, err = Attach(Config{Mode: ModeExternal, Instructions: io.Discard, Detector: d, RecheckInterval: 10 * time.Millisecond})
	})
	if err != nil {
		t.Fatal(err)
	}
	if d.relaxCalls != 0 {
		t.Fatal("policy relaxed without being asked to")
	}
	if s.TracerPid != 9 {
		t.Fatalf("expected tracer 9, got %d", s.TracerPid)
	}
}

func TestExternalTimeout(t *testing.T) {
	resetFallback(t)
	d := &fakeDetector{}
	var err error
	withMaskCheck(t, func() {
		_, err = Attach(Config{Mode: ModeExternal, Instructions: io.Discard, Detector: d, RecheckInterval: 10 * time.Millisecond, Timeout: 100 * time.Millisecond})
	})
	if err != sigsync.ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if !FallbackArmed() {
		t.Fatal("fallback not armed after timeout")
	}
}

func selfManagedConfig(d *fakeDetector, command string) Config {
	return Config{
		Mode:            ModeSelfManaged,
		Debugger:        Debugger{Kind: DebuggerCustom, Command: command},
		RecheckInterval: time.Hour,
		Timeout:         time.Minute,
		Stdin:           strings.NewReader(""),
		Stdout:          io.Discard,
		Stderr:          io.Discard,
		Detector:        d,
	}
}

func TestSelfManagedMissingDebugger(t *testing.T) {
	resetFallback(t)
	d := &fakeDetector{}
	var s *Session
	var err error
	start := time.Now()
	withMaskCheck(t, func() {
		s, err = Attach(selfManagedConfig(d, "/nonexistent/attachwait-debugger --pid {pid}"))
	})
	if !errors.Is(err, ErrSpawnFailed) {
		t.Fatalf("expected ErrSpawnFailed, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("spawn failure took %v", elapsed)
	}
	if s.State != StateFailed || s.DebuggerPid != 0 {
		t.Fatalf("unexpected session %#v", s)
	}
	if !FallbackArmed() {
		t.Fatal("fallback not armed after spawn failure")
	}
}

func TestSelfManagedDebuggerExitsEarly(t *testing.T) {
	resetFallback(t)
	d := &fakeDetector{}
	var s *Session
	var err error
	start := time.Now()
	withMaskCheck(t, func() {
		s, err = Attach(selfManagedConfig(d, "/bin/sh -c 'exit 3' {pid}"))
	})
	if !errors.Is(err, ErrSpawnFailed) {
		t.Fatalf("expected ErrSpawnFailed, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("early exit noticed after %v", elapsed)
	}
	if s.DebuggerPid == 0 {
		t.Fatal("debugger pid not recorded")
	}
}

func TestSelfManagedAttach(t *testing.T) {
	resetFallback(t)
	d := &fakeDetector{policy: debugdetect.PolicyRestricted, attachAfter: 1, tracer: 31337}
	var s *Session
	var err error
	withMaskCheck(t, func() {
		// Stands in for a debugger: sends the wake signal and stays around.
		s, err = Attach(selfManagedConfig(d, "/bin/sh -c 'kill -CONT $1; sleep 30' sh {pid}"))
	})
	if err != nil {
		t.Fatal(err)
	}
	defer syscall.Kill(s.DebuggerPid, syscall.SIGKILL)
	if s.TracerPid != 31337 || s.State != StateAttached {
		t.Fatalf("unexpected session %#v", s)
	}
	if d.relaxCalls != 1 {
		t.Fatalf("self-managed mode must relax the policy, got %d calls", d.relaxCalls)
	}
}

func TestSelfManagedPolicyDenied(t *testing.T) {
	resetFallback(t)
	d := &fakeDetector{policy: debugdetect.PolicyNoAttach}
	_, err := Attach(selfManagedConfig(d, "/bin/true {pid}"))
	if !errors.Is(err, ErrPolicyDenied) {
		t.Fatalf("expected ErrPolicyDenied, got %v", err)
	}
}

func TestUnknownMode(t *testing.T) {
	resetFallback(t)
	if _, err := Attach(Config{Mode: Mode(42), Detector: &fakeDetector{}}); err == nil {
		t.Fatal("expected error")
	}
}
