package helphelpers

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Prepare prepares cmd flag set for the invocation of its usage function by
// hiding flags that we want cobra to parse but we don't want to show to the
// user.
// The attach flags live on the root command so that they parse in any
// position, but only 'wait' and 'launch' use all of them.
//
// Prepare is a destructive command, cmd can not be reused after it has been
// called.
func Prepare(cmd *cobra.Command) {
	switch cmd.Name() {
	case "attachwait", "help", "log", "version":
		hideAllFlags(cmd)
	case "status":
		hideAttachFlags(cmd)
	case "relax":
		hideAttachFlags(cmd)
	case "wait":
		// All flags apply
	case "launch":
		hideFlag(cmd, "no-color")
		hideFlag(cmd, "relax-policy")
	}
}

func hideAttachFlags(cmd *cobra.Command) {
	for _, name := range []string{"debugger", "debugger-path", "debugger-command", "wake-signal", "relax-policy", "recheck-interval", "timeout", "no-color"} {
		hideFlag(cmd, name)
	}
}

func hideAllFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().VisitAll(func(flag *pflag.Flag) {
		flag.Hidden = true
	})
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		flag.Hidden = true
	})
}

func hideFlag(cmd *cobra.Command, name string) {
	if cmd == nil {
		return
	}
	flag := cmd.Flags().Lookup(name)
	if flag != nil {
		flag.Hidden = true
		return
	}
	hideFlag(cmd.Parent(), name)
}
