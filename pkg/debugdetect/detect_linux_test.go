//go:build linux

package debugdetect

import (
	"testing"
)

func TestSetPtracerAny(t *testing.T) {
	// PR_SET_PTRACER is only understood when Yama is loaded.
	if _, err := ReadPolicy(); err != nil {
		t.Skipf("yama not available: %v", err)
	}
	if err := setPtracerAny(); err != nil {
		t.Fatalf("prctl(PR_SET_PTRACER, PR_SET_PTRACER_ANY): %v", err)
	}
}
