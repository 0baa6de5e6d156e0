package debugdetect

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/go-delve/attachwait/pkg/logflags"
)

var (
	// ErrUnreadable is returned when a kernel text interface is missing or
	// can not be parsed. Callers usually treat it as "no restriction" or "no
	// tracer", since a missing file most often means the kernel does not
	// have the feature.
	ErrUnreadable = errors.New("kernel interface unreadable")

	// ErrPolicyDenied is returned when the attach policy can not be relaxed
	// at its current level.
	ErrPolicyDenied = errors.New("attach policy can not be relaxed")
)

// Policy is the value of the Yama ptrace_scope setting.
type Policy int

const (
	// PolicyUnrestricted lets any process with the same uid attach.
	PolicyUnrestricted Policy = iota
	// PolicyRestricted only lets ancestors attach, unless the tracee
	// declares a tracer with PR_SET_PTRACER.
	PolicyRestricted
	// PolicyAdminOnly requires CAP_SYS_PTRACE.
	PolicyAdminOnly
	// PolicyNoAttach disables PTRACE_ATTACH entirely.
	PolicyNoAttach
)

func (p Policy) String() string {
	switch p {
	case PolicyUnrestricted:
		return "unrestricted"
	case PolicyRestricted:
		return "restricted-to-relatives"
	case PolicyAdminOnly:
		return "admin-only"
	case PolicyNoAttach:
		return "no-attach"
	}
	return fmt.Sprintf("Policy(%d)", int(p))
}

// PolicyError is returned by RelaxPolicy when the current level does not
// allow a non-ancestor to become our tracer.
type PolicyError struct {
	Policy Policy
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("ptrace_scope is %d (%s), relaxation is not possible; try writing \"0\" or \"1\" to /proc/sys/kernel/yama/ptrace_scope", int(e.Policy), e.Policy)
}

func (e *PolicyError) Unwrap() error {
	return ErrPolicyDenied
}

const (
	statusPath      = "self/status"
	ptraceScopePath = "sys/kernel/yama/ptrace_scope"

	// Both interesting values live in the first few hundred bytes.
	readBufSize = 512
)

// Detector reads tracer state from procfs. The zero value reads the
// running kernel.
type Detector struct {
	// ProcRoot is where procfs is mounted, "/proc" if empty.
	ProcRoot string
	// SetPtracer declares that any process may trace us. If nil
	// prctl(PR_SET_PTRACER, PR_SET_PTRACER_ANY) is used.
	SetPtracer func() error
}

// Default is the Detector used by the package level functions.
var Default = &Detector{}

func (d *Detector) path(rel string) string {
	root := d.ProcRoot
	if root == "" {
		root = "/proc"
	}
	return filepath.Join(root, rel)
}

// ReadPolicy returns the current ptrace_scope level. The value is read
// again on every call since it can be changed at runtime.
func (d *Detector) ReadPolicy() (Policy, error) {
	f, err := os.Open(d.path(ptraceScopePath))
	if err != nil {
		return PolicyUnrestricted, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	defer f.Close()

	buf := make([]byte, 16)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return PolicyUnrestricted, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	s := strings.TrimSpace(string(buf[:n]))
	v, err := strconv.Atoi(s)
	if err != nil || v < int(PolicyUnrestricted) || v > int(PolicyNoAttach) {
		return PolicyUnrestricted, fmt.Errorf("%w: bad ptrace_scope value %q", ErrUnreadable, s)
	}
	return Policy(v), nil
}

// TracerPID returns the pid of the process tracing us, or 0 if there is
// none.
func (d *Detector) TracerPID() (int, error) {
	f, err := os.Open(d.path(statusPath))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(bufio.NewReaderSize(f, readBufSize))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "TracerPid:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, nil
		}
		pid, err := strconv.Atoi(fields[1])
		if err != nil || pid < 0 {
			return 0, fmt.Errorf("%w: malformed TracerPid line %q", ErrUnreadable, line)
		}
		return pid, nil
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	return 0, nil
}

// RelaxPolicy lets any process attach to us as a tracer. It is a no-op
// when attaching is unrestricted or Yama is not present and fails with a
// *PolicyError at levels where relaxation can not work.
func (d *Detector) RelaxPolicy() error {
	p, err := d.ReadPolicy()
	if err != nil {
		logflags.DetectLogger().Debugf("no attach policy to relax: %v", err)
		return nil
	}
	return d.RelaxPolicyAt(p)
}

// RelaxPolicyAt is RelaxPolicy for a policy level the caller has already
// read, ptrace_scope is not read again.
func (d *Detector) RelaxPolicyAt(p Policy) error {
	switch p {
	case PolicyUnrestricted:
		return nil
	case PolicyRestricted:
		setPtracer := d.SetPtracer
		if setPtracer == nil {
			setPtracer = setPtracerAny
		}
		if err := setPtracer(); err != nil {
			return fmt.Errorf("could not relax attach policy: %w", err)
		}
		logflags.DetectLogger().Debugf("relaxed attach policy %s", p)
		return nil
	default:
		return &PolicyError{Policy: p}
	}
}

// IsDebuggerAttached returns true if the process is currently being
// traced.
func (d *Detector) IsDebuggerAttached() (bool, error) {
	pid, err := d.TracerPID()
	if err != nil {
		return false, err
	}
	if logflags.Detect() {
		logflags.DetectLogger().Debugf("TracerPid %d", pid)
	}
	return pid != 0, nil
}

// ReadPolicy calls Default.ReadPolicy.
func ReadPolicy() (Policy, error) {
	return Default.ReadPolicy()
}

// TracerPID calls Default.TracerPID.
func TracerPID() (int, error) {
	return Default.TracerPID()
}

// RelaxPolicy calls Default.RelaxPolicy.
func RelaxPolicy() error {
	return Default.RelaxPolicy()
}

// IsDebuggerAttached returns true if the current process is being debugged
// by a ptrace-based debugger (Delve, gdb, lldb, etc.).
//
// Returns an error if the debugger state cannot be determined.
func IsDebuggerAttached() (bool, error) {
	if runtime.GOOS != "linux" {
		return false, fmt.Errorf("debugger detection not supported on %s", runtime.GOOS)
	}
	return Default.IsDebuggerAttached()
}

// WaitForDebugger polls IsDebuggerAttached until it returns true.
// It does not consume the wake signal a debugger may send, see package
// sigsync for a wait that does.
func WaitForDebugger() error {
	for {
		attached, err := IsDebuggerAttached()
		if attached || err != nil {
			return err
		}
		time.Sleep(500 * time.Millisecond)
	}
}
