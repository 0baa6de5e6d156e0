//go:build !windows

package attach

import (
	"errors"
	"os"
	"syscall"
	"testing"
	"time"
)

func stubExit(t *testing.T) <-chan int {
	t.Helper()
	codes := make(chan int, 4)
	exit = func(code int) {
		codes <- code
	}
	t.Cleanup(func() {
		exit = os.Exit
		disarmFallback()
	})
	return codes
}

func TestFallbackCatchesTrapSignal(t *testing.T) {
	codes := stubExit(t)
	armFallback(errors.New("gdb not found"))
	if !FallbackArmed() {
		t.Fatal("fallback not armed")
	}
	if err := syscall.Kill(os.Getpid(), syscall.SIGTRAP); err != nil {
		t.Fatal(err)
	}
	select {
	case code := <-codes:
		if code != 2 {
			t.Fatalf("expected exit status 2, got %d", code)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("SIGTRAP did not trigger the fallback")
	}
}

func TestBreakWithFallback(t *testing.T) {
	codes := stubExit(t)
	armFallback(errors.New("timed out"))
	// Must not execute the breakpoint instruction.
	Break()
	select {
	case code := <-codes:
		if code != 2 {
			t.Fatalf("expected exit status 2, got %d", code)
		}
	default:
		t.Fatal("Break did not exit")
	}
}

func TestDisarm(t *testing.T) {
	stubExit(t)
	armFallback(errors.New("first"))
	armFallback(errors.New("second"))
	disarmFallback()
	if FallbackArmed() {
		t.Fatal("fallback still armed")
	}
	disarmFallback()
}
