// Package debugdetect reads the kernel state that tells whether a
// program is running under a debugger and whether a debugger is allowed
// to attach to it.
//
// Two procfs files are consulted:
//
//	/proc/self/status                   TracerPid of the current tracer, 0 if none
//	/proc/sys/kernel/yama/ptrace_scope  Yama attach policy, 0 to 3
//
// Neither value is cached, both can change while the program runs.
//
// Example usage:
//
//	if err := debugdetect.RelaxPolicy(); err != nil {
//		log.Fatalf("debugger will not be able to attach: %v", err)
//	}
//	pid, err := debugdetect.TracerPID()
//	if err == nil && pid != 0 {
//		fmt.Printf("traced by %d\n", pid)
//	}
//
// Supported platforms: linux
package debugdetect
