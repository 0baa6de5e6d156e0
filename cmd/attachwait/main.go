//go:build !windows

package main

import (
	"os"

	"github.com/go-delve/attachwait/cmd/attachwait/cmds"
	"github.com/go-delve/attachwait/pkg/version"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	if Build != "" {
		version.AttachwaitVersion.Build = Build
	}
	if err := cmds.New(false).Execute(); err != nil {
		os.Exit(1)
	}
}
