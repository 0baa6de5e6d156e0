package main

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

const AttachwaitMainPackagePath = "github.com/go-delve/attachwait/cmd/attachwait"

var Verbose bool
var NOTimeout bool
var TestSudo bool
var TestSet, TestRegex string

func NewMakeCommands() *cobra.Command {
	RootCommand := &cobra.Command{
		Use:   "make.go",
		Short: "make script for attachwait.",
	}

	RootCommand.AddCommand(&cobra.Command{
		Use:   "build",
		Short: "Build attachwait",
		Run: func(cmd *cobra.Command, args []string) {
			execute("go", "build", buildFlags(), AttachwaitMainPackagePath)
		},
	})

	RootCommand.AddCommand(&cobra.Command{
		Use:   "install",
		Short: "Installs attachwait",
		Run: func(cmd *cobra.Command, args []string) {
			execute("go", "install", buildFlags(), AttachwaitMainPackagePath)
			fmt.Printf("installed %s\n", installedExecutablePath())
		},
	})

	RootCommand.AddCommand(&cobra.Command{
		Use:   "uninstall",
		Short: "Uninstalls attachwait",
		Run: func(cmd *cobra.Command, args []string) {
			execute("go", "clean", "-i", AttachwaitMainPackagePath)
		},
	})

	test := &cobra.Command{
		Use:   "test",
		Short: "Tests attachwait",
		Long: `Tests attachwait.

Use the flags -s and -r to specify which tests to run. Specifying nothing will run all tests.

The ptrace integration tests skip themselves when the kernel does not let
the test binary trace its child, use --sudo to run them as root.
`,
		Run: testCmd,
	}
	test.PersistentFlags().BoolVarP(&Verbose, "verbose", "v", false, "Verbose tests")
	test.PersistentFlags().BoolVarP(&NOTimeout, "timeout", "t", false, "Set infinite timeouts")
	test.PersistentFlags().StringVarP(&TestSet, "test-set", "s", "", `Select the set of tests to run, one of either:
	all		tests all packages
	integration	runs the ptrace integration tests only
	package-name	test the specified package only
`)
	test.PersistentFlags().StringVarP(&TestRegex, "test-run", "r", "", `Only runs the tests matching the specified regex. This option can only be specified if testset is a single package`)
	test.PersistentFlags().BoolVarP(&TestSudo, "sudo", "", false, "Run the tests as root")

	RootCommand.AddCommand(test)

	return RootCommand
}

func strflatten(v []interface{}) []string {
	r := []string{}
	for _, s := range v {
		switch s := s.(type) {
		case []string:
			r = append(r, s...)
		case string:
			if s != "" {
				r = append(r, s)
			}
		}
	}
	return r
}

func executeq(cmd string, args ...interface{}) {
	x := exec.Command(cmd, strflatten(args)...)
	x.Stdout = os.Stdout
	x.Stderr = os.Stderr
	x.Env = os.Environ()
	err := x.Run()
	if x.ProcessState != nil && !x.ProcessState.Success() {
		os.Exit(1)
	}
	if err != nil {
		log.Fatal(err)
	}
}

func execute(cmd string, args ...interface{}) {
	fmt.Printf("%s %s\n", cmd, strings.Join(quotemaybe(strflatten(args)), " "))
	executeq(cmd, args...)
}

func quotemaybe(args []string) []string {
	for i := range args {
		if strings.Contains(args[i], " ") {
			args[i] = fmt.Sprintf("%q", args[i])
		}
	}
	return args
}

func getoutput(cmd string, args ...interface{}) string {
	x := exec.Command(cmd, strflatten(args)...)
	x.Env = os.Environ()
	out, err := x.Output()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error executing %s %v\n", cmd, args)
		log.Fatal(err)
	}
	if !x.ProcessState.Success() {
		fmt.Fprintf(os.Stderr, "Error executing %s %v\n", cmd, args)
		os.Exit(1)
	}
	return string(out)
}

func installedExecutablePath() string {
	if gobin := os.Getenv("GOBIN"); gobin != "" {
		return filepath.Join(gobin, "attachwait")
	}
	gopath := strings.Split(getoutput("go", "env", "GOPATH"), ":")
	return filepath.Join(strings.TrimSpace(gopath[0]), "bin", "attachwait")
}

func buildFlags() []string {
	buildSHA, err := exec.Command("git", "rev-parse", "HEAD").CombinedOutput()
	if err != nil {
		return nil
	}
	ldFlags := "-X main.Build=" + strings.TrimSpace(string(buildSHA))
	return []string{fmt.Sprintf("-ldflags=%s", ldFlags)}
}

func testFlags() []string {
	// Signal masks are per thread and the tests move them around, one
	// package at a time keeps stray signals out of other packages.
	testFlags := []string{"-count", "1", "-p", "1"}
	if Verbose {
		testFlags = append(testFlags, "-v")
	}
	if NOTimeout {
		testFlags = append(testFlags, "-timeout", "0")
	}
	return testFlags
}

func testCmd(cmd *cobra.Command, args []string) {
	gotest := func(args ...interface{}) {
		args = append([]interface{}{"test"}, args...)
		if TestSudo {
			execute("sudo", append([]interface{}{"-E", "go"}, args...)...)
			return
		}
		execute("go", args...)
	}

	switch TestSet {
	case "", "all":
		if TestRegex != "" {
			fmt.Println("Can not use --test-run with --test-set=all")
			os.Exit(1)
		}
		gotest(testFlags(), allPackages())
	case "integration":
		gotest(testFlags(), "./pkg/attach", "./pkg/debugdetect", "-run=Integration")
	default:
		pkgs := testSetToPackages(TestSet)
		if len(pkgs) == 0 {
			fmt.Printf("Unknown test set %q\n", TestSet)
			os.Exit(1)
		}
		if TestRegex != "" {
			gotest(testFlags(), pkgs, "-run="+TestRegex)
		} else {
			gotest(testFlags(), pkgs)
		}
	}
}

func testSetToPackages(testSet string) []string {
	for _, pkg := range allPackages() {
		if pkg == testSet || strings.HasSuffix(pkg, "/"+testSet) {
			return []string{pkg}
		}
	}
	return nil
}

func allPackages() []string {
	r := []string{}
	for _, dir := range strings.Split(getoutput("go", "list", "./..."), "\n") {
		dir = strings.TrimSpace(dir)
		if dir == "" || strings.Contains(dir, "/_scripts") {
			continue
		}
		r = append(r, dir)
	}
	sort.Strings(r)
	return r
}

func main() {
	NewMakeCommands().Execute()
}
