package debugdetect

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func fakeProc(t *testing.T, status, scope string) *Detector {
	t.Helper()
	root := t.TempDir()
	if status != "" {
		if err := os.MkdirAll(filepath.Join(root, "self"), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(root, statusPath), []byte(status), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if scope != "" {
		if err := os.MkdirAll(filepath.Join(root, "sys/kernel/yama"), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(root, ptraceScopePath), []byte(scope), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return &Detector{ProcRoot: root}
}

const statusHead = "Name:\tattachwait\nUmask:\t0022\nState:\tS (sleeping)\nTgid:\t100\nNgid:\t0\nPid:\t100\nPPid:\t1\n"

func TestTracerPID(t *testing.T) {
	tests := []struct {
		name   string
		status string
		pid    int
		err    error
	}{
		{"not traced", statusHead + "TracerPid:\t0\nUid:\t0\t0\t0\t0\n", 0, nil},
		{"traced", statusHead + "TracerPid:\t4821\nUid:\t0\t0\t0\t0\n", 4821, nil},
		{"spaces", "TracerPid:    77\n", 77, nil},
		{"field missing", statusHead, 0, nil},
		{"empty value", "TracerPid:\n", 0, nil},
		{"garbage", "TracerPid:\tabc\n", 0, ErrUnreadable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := fakeProc(t, tt.status, "")
			pid, err := d.TracerPID()
			if !errors.Is(err, tt.err) {
				t.Fatalf("expected error %v, got %v", tt.err, err)
			}
			if pid != tt.pid {
				t.Fatalf("expected pid %d, got %d", tt.pid, pid)
			}
		})
	}
}

func TestTracerPIDMissingFile(t *testing.T) {
	d := &Detector{ProcRoot: t.TempDir()}
	if _, err := d.TracerPID(); !errors.Is(err, ErrUnreadable) {
		t.Fatalf("expected ErrUnreadable, got %v", err)
	}
	attached, err := d.IsDebuggerAttached()
	if attached || err == nil {
		t.Fatalf("expected (false, error), got (%v, %v)", attached, err)
	}
}

func TestReadPolicy(t *testing.T) {
	tests := []struct {
		scope  string
		policy Policy
		err    error
	}{
		{"0\n", PolicyUnrestricted, nil},
		{"1\n", PolicyRestricted, nil},
		{"2", PolicyAdminOnly, nil},
		{"3\n", PolicyNoAttach, nil},
		{"4\n", PolicyUnrestricted, ErrUnreadable},
		{"yes\n", PolicyUnrestricted, ErrUnreadable},
		{"\n", PolicyUnrestricted, ErrUnreadable},
	}
	for _, tt := range tests {
		d := fakeProc(t, "", tt.scope)
		p, err := d.ReadPolicy()
		if !errors.Is(err, tt.err) {
			t.Errorf("%q: expected error %v, got %v", tt.scope, tt.err, err)
		}
		if p != tt.policy {
			t.Errorf("%q: expected %s, got %s", tt.scope, tt.policy, p)
		}
	}

	d := &Detector{ProcRoot: t.TempDir()}
	if _, err := d.ReadPolicy(); !errors.Is(err, ErrUnreadable) {
		t.Fatalf("expected ErrUnreadable for missing file, got %v", err)
	}
}

func TestRelaxPolicy(t *testing.T) {
	tests := []struct {
		name    string
		scope   string
		calls   int
		denied  bool
		setErr  error
		wantErr bool
	}{
		{name: "no yama", scope: ""},
		{name: "unrestricted", scope: "0\n"},
		{name: "restricted", scope: "1\n", calls: 2},
		{name: "admin only", scope: "2\n", denied: true, wantErr: true},
		{name: "no attach", scope: "3\n", denied: true, wantErr: true},
		{name: "prctl fails", scope: "1\n", calls: 2, setErr: errors.New("EINVAL"), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := fakeProc(t, "", tt.scope)
			calls := 0
			d.SetPtracer = func() error {
				calls++
				return tt.setErr
			}
			// Relaxing twice must give the same answer both times.
			for i := 0; i < 2; i++ {
				err := d.RelaxPolicy()
				if (err != nil) != tt.wantErr {
					t.Fatalf("call %d: unexpected error %v", i, err)
				}
				if errors.Is(err, ErrPolicyDenied) != tt.denied {
					t.Fatalf("call %d: expected denied=%v, got %v", i, tt.denied, err)
				}
				var perr *PolicyError
				if tt.denied && !errors.As(err, &perr) {
					t.Fatalf("call %d: expected *PolicyError, got %T", i, err)
				}
			}
			if calls != tt.calls {
				t.Fatalf("expected %d prctl calls, got %d", tt.calls, calls)
			}
		})
	}
}

func TestRelaxPolicyAt(t *testing.T) {
	// No ptrace_scope file: the level given by the caller is trusted.
	d := fakeProc(t, "", "")
	calls := 0
	d.SetPtracer = func() error {
		calls++
		return nil
	}
	if err := d.RelaxPolicyAt(PolicyRestricted); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 prctl call, got %d", calls)
	}
	if err := d.RelaxPolicyAt(PolicyUnrestricted); err != nil {
		t.Fatal(err)
	}
	var perr *PolicyError
	if err := d.RelaxPolicyAt(PolicyAdminOnly); !errors.As(err, &perr) || perr.Policy != PolicyAdminOnly {
		t.Fatalf("expected *PolicyError for admin-only, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 prctl call, got %d", calls)
	}
}

func TestPolicyString(t *testing.T) {
	if s := PolicyRestricted.String(); s != "restricted-to-relatives" {
		t.Fatalf("got %q", s)
	}
	if s := Policy(9).String(); s != "Policy(9)" {
		t.Fatalf("got %q", s)
	}
}

func TestIntegration_NotAttached(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("procfs only")
	}
	pid, err := TracerPID()
	if err != nil {
		t.Fatal(err)
	}
	attached, err := IsDebuggerAttached()
	if err != nil {
		t.Fatal(err)
	}
	if attached != (pid != 0) {
		t.Fatalf("IsDebuggerAttached %v disagrees with TracerPid %d", attached, pid)
	}
}
