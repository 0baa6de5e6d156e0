//go:build !windows

package cmds

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/go-delve/attachwait/cmd/attachwait/cmds/helphelpers"
	"github.com/go-delve/attachwait/pkg/attach"
	"github.com/go-delve/attachwait/pkg/config"
	"github.com/go-delve/attachwait/pkg/debugdetect"
	"github.com/go-delve/attachwait/pkg/logflags"
	"github.com/go-delve/attachwait/pkg/sigsync"
	"github.com/go-delve/attachwait/pkg/version"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string

	// debuggerKind is the debugger preset: gdb, lldb, dlv or custom.
	debuggerKind string
	// debuggerPath overrides the debugger executable.
	debuggerPath string
	// debuggerCommand is the command template of the custom preset.
	debuggerCommand string
	// wakeSignal is the signal the debugger sends once attached.
	wakeSignal string
	// relaxPolicy allows any process of the same user to attach.
	relaxPolicy bool
	// recheckInterval is how often the tracer is looked up without a wake signal.
	recheckInterval time.Duration
	// timeout gives up waiting, zero waits forever.
	timeout time.Duration
	// noColor disables highlighting of the instructions.
	noColor bool

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const attachwaitCommandLongDesc = `Attachwait holds a program until a debugger is attached to it.

The wait is race free: the wake signal is blocked before the debugger is told
about the process, so a debugger that attaches and signals immediately is never
missed. The kernel's TracerPid is checked on every wake up and on a fixed
interval, so unrelated signals and debuggers that do not signal are handled too.

Pass the program to run once attached after ` + "`--`" + `, for example:

` + "`attachwait wait -- ./server --config conf/config.toml`"

// New returns an initialized command tree.
func New(docCall bool) *cobra.Command {
	// Config setup and load. Generated documentation shows the defaults.
	if docCall {
		conf = &config.Config{}
	} else {
		conf = config.LoadConfig()
	}

	// Main attachwait root command.
	rootCommand = &cobra.Command{
		Use:   "attachwait",
		Short: "Attachwait holds a program until a debugger is attached.",
		Long:  attachwaitCommandLongDesc,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'attachwait help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'attachwait help log').")

	rootCommand.PersistentFlags().StringVarP(&debuggerKind, "debugger", "d", attach.DebuggerGDB, `Debugger to start or suggest: gdb, lldb, dlv or custom.`)
	rootCommand.PersistentFlags().StringVar(&debuggerPath, "debugger-path", "", "Debugger executable, looked up in PATH if empty.")
	rootCommand.PersistentFlags().StringVar(&debuggerCommand, "debugger-command", "", "Command line of the custom debugger, {pid} and {signal} are replaced.")
	rootCommand.PersistentFlags().StringVarP(&wakeSignal, "wake-signal", "s", "SIGCONT", "Signal the debugger sends once attached.")
	rootCommand.PersistentFlags().BoolVar(&relaxPolicy, "relax-policy", false, "Allow any process of the same user to attach (PR_SET_PTRACER).")
	rootCommand.PersistentFlags().DurationVar(&recheckInterval, "recheck-interval", sigsync.DefaultRecheckInterval, "How often the tracer is checked when no wake signal arrives.")
	rootCommand.PersistentFlags().DurationVar(&timeout, "timeout", 0, "Give up after the given duration, 0 waits forever.")
	rootCommand.PersistentFlags().BoolVar(&noColor, "no-color", false, "Do not highlight the attach instructions.")

	defaultHelp := rootCommand.HelpFunc()
	rootCommand.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		helphelpers.Prepare(cmd)
		defaultHelp(cmd, args)
	})

	// 'wait' subcommand.
	waitCommand := &cobra.Command{
		Use:   "wait [-- program [args...]]",
		Short: "Wait for a debugger started by the user.",
		Long: `Prints how to attach to this process and waits until a tracer is attached.

Once attached the program given after '--' is executed in place of attachwait,
so it starts under the debugger. Without a program attachwait exits after
printing the pid of the tracer.

Under ptrace_scope 1 the debugger is not our ancestor and can only attach if
the policy is relaxed with --relax-policy or the debugger runs as root.`,
		Run: waitCmd,
	}
	waitCommand.Flags().SetInterspersed(false)
	rootCommand.AddCommand(waitCommand)

	// 'launch' subcommand.
	launchCommand := &cobra.Command{
		Use:   "launch [-- program [args...]]",
		Short: "Start a debugger and wait for it to attach.",
		Long: `Starts the configured debugger on this process and waits until it is attached.

The debugger shares the terminal of attachwait. Once attached the program given
after '--' is executed in place of attachwait. If the debugger can not be
started, or exits before attaching, attachwait fails without waiting.`,
		Run: launchCmd,
	}
	launchCommand.Flags().SetInterspersed(false)
	rootCommand.AddCommand(launchCommand)

	// 'status' subcommand.
	statusCommand := &cobra.Command{
		Use:   "status",
		Short: "Prints the ptrace policy and the current tracer.",
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(printStatus(cmd.OutOrStdout(), debugdetect.Default))
		},
	}
	rootCommand.AddCommand(statusCommand)

	// 'relax' subcommand.
	relaxCommand := &cobra.Command{
		Use:   "relax [-- program [args...]]",
		Short: "Relax the ptrace policy and run a program.",
		Long: `Allows any process of the same user to attach, then executes the program
given after '--'. The relaxation survives exec, so the program can be attached
to later without waiting for a debugger at startup.`,
		Run: relaxCmd,
	}
	relaxCommand.Flags().SetInterspersed(false)
	rootCommand.AddCommand(relaxCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Attachwait\n%s\n", version.AttachwaitVersion)
			if log {
				fmt.Printf("%s\n", version.BuildInfo())
			}
		},
	}
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	attach		Log the attach state machine (default)
	sigsync		Log signal mask changes and wake ups
	detect		Log ptrace policy and tracer lookups

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.

`,
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

func waitCmd(cmd *cobra.Command, args []string) {
	os.Exit(execute(cmd, args, attach.ModeExternal))
}

func launchCmd(cmd *cobra.Command, args []string) {
	os.Exit(execute(cmd, args, attach.ModeSelfManaged))
}

func relaxCmd(cmd *cobra.Command, args []string) {
	status := func() int {
		if err := logflags.Setup(log, logOutput, logDest); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		defer logflags.Close()

		if err := debugdetect.RelaxPolicy(); err != nil {
			fmt.Fprintf(os.Stderr, "Could not relax ptrace policy: %v\n", err)
			return 1
		}
		_, targetArgs := splitArgs(cmd, args)
		if len(targetArgs) == 0 {
			return 0
		}
		return execProgram(targetArgs)
	}()
	os.Exit(status)
}

// printStatus prints the policy and tracer of the attachwait process itself.
func printStatus(out io.Writer, d *debugdetect.Detector) int {
	policy, err := d.ReadPolicy()
	if err != nil {
		fmt.Fprintf(out, "ptrace_scope:\tunavailable (%v)\n", err)
	} else {
		fmt.Fprintf(out, "ptrace_scope:\t%d (%s)\n", int(policy), policy)
	}
	pid, err := d.TracerPID()
	if err != nil {
		fmt.Fprintf(out, "TracerPid:\tunavailable (%v)\n", err)
		return 1
	}
	fmt.Fprintf(out, "TracerPid:\t%d\n", pid)
	return 0
}

func execute(cmd *cobra.Command, args []string, mode attach.Mode) int {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()

	cfg, err := attachConfig(cmd, conf, mode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	s, err := attach.Attach(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Could not attach: %v\n", err)
		return 1
	}

	_, targetArgs := splitArgs(cmd, args)
	if len(targetArgs) == 0 {
		fmt.Fprintf(os.Stderr, "Attached by process %d\n", s.TracerPid)
		return 0
	}
	return execProgram(targetArgs)
}

// attachConfig merges the configuration file with the command line, flags
// that were set explicitly win.
func attachConfig(cmd *cobra.Command, conf *config.Config, mode attach.Mode) (attach.Config, error) {
	changed := func(name string) bool {
		return cmd.Flags().Changed(name)
	}
	kind, path, command, sig := debuggerKind, debuggerPath, debuggerCommand, wakeSignal
	relax, interval, tmo, plain := relaxPolicy, recheckInterval, timeout, noColor
	if conf != nil {
		if !changed("debugger") && conf.Debugger != "" {
			kind = conf.Debugger
		}
		if !changed("debugger-path") && conf.DebuggerPath != "" {
			path = conf.DebuggerPath
		}
		if !changed("debugger-command") && conf.DebuggerCommand != "" {
			command = conf.DebuggerCommand
		}
		if !changed("wake-signal") && conf.WakeSignal != "" {
			sig = conf.WakeSignal
		}
		if !changed("relax-policy") {
			relax = conf.RelaxPolicy
		}
		if !changed("recheck-interval") && conf.RecheckInterval > 0 {
			interval = conf.RecheckInterval
		}
		if !changed("timeout") && conf.Timeout > 0 {
			tmo = conf.Timeout
		}
		if !changed("no-color") {
			plain = conf.NoColor
		}
	}
	if kind == attach.DebuggerCustom && command == "" {
		return attach.Config{}, errors.New("the custom debugger needs --debugger-command")
	}

	signum, err := attach.ParseSignal(sig)
	if err != nil {
		return attach.Config{}, err
	}
	if interval <= 0 {
		return attach.Config{}, fmt.Errorf("invalid recheck interval %v", interval)
	}
	if tmo < 0 {
		return attach.Config{}, fmt.Errorf("invalid timeout %v", tmo)
	}

	return attach.Config{
		Mode:            mode,
		Debugger:        attach.Debugger{Kind: kind, Path: path, Command: command},
		WakeSignal:      signum,
		RelaxPolicy:     relax,
		RecheckInterval: interval,
		Timeout:         tmo,
		Instructions:    colorable.NewColorableStderr(),
		Color:           !plain && isatty.IsTerminal(os.Stderr.Fd()),
	}, nil
}

// execProgram replaces attachwait with the target program, a tracer stays
// attached across exec.
func execProgram(targetArgs []string) int {
	path, err := exec.LookPath(targetArgs[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	logflags.Close()
	err = syscall.Exec(path, targetArgs, os.Environ())
	fmt.Fprintf(os.Stderr, "Could not execute %s: %v\n", targetArgs[0], err)
	return 1
}

func splitArgs(cmd *cobra.Command, args []string) ([]string, []string) {
	if cmd.ArgsLenAtDash() >= 0 {
		return args[:cmd.ArgsLenAtDash()], args[cmd.ArgsLenAtDash():]
	}
	return []string{}, args
}
