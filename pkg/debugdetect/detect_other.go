//go:build !linux

package debugdetect

import (
	"fmt"
	"runtime"
)

func setPtracerAny() error {
	return fmt.Errorf("PR_SET_PTRACER not supported on %s", runtime.GOOS)
}
