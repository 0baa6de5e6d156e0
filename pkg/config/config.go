package config

import (
	"fmt"
	"io"
	"os"
	"os/user"
	"path"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = "attachwait"
	configFile string = "config.yml"
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Debugger is the debugger started by 'launch' and suggested by
	// 'wait': gdb, lldb, dlv or custom.
	Debugger string `yaml:"debugger"`
	// DebuggerPath overrides the executable looked up in PATH.
	DebuggerPath string `yaml:"debugger-path,omitempty"`
	// DebuggerCommand is the command line used when Debugger is
	// "custom". Every {pid} is replaced with the process id to attach to.
	DebuggerCommand string `yaml:"debugger-command,omitempty"`

	// WakeSignal is the signal the debugger sends once attached, SIGCONT
	// if empty.
	WakeSignal string `yaml:"wake-signal,omitempty"`
	// RelaxPolicy makes 'wait' call PR_SET_PTRACER so that a debugger that
	// is not our ancestor can attach under ptrace_scope 1.
	RelaxPolicy bool `yaml:"relax-policy"`

	// RecheckInterval is how often the tracer is looked up when no wake
	// signal arrives.
	RecheckInterval time.Duration `yaml:"recheck-interval,omitempty"`
	// Timeout gives up waiting after the given duration. Zero waits
	// forever.
	Timeout time.Duration `yaml:"timeout,omitempty"`

	// NoColor disables highlighting of the attach instructions.
	NoColor bool `yaml:"no-color"`
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Printf("Could not create config directory: %v.", err)
		return &Config{}
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Printf("Unable to get config file path: %v.", err)
		return &Config{}
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			fmt.Printf("Error creating default config file: %v", err)
			return &Config{}
		}
	}
	defer func() {
		err := f.Close()
		if err != nil {
			fmt.Printf("Closing config file failed: %v.", err)
		}
	}()

	c, err := decode(f)
	if err != nil {
		fmt.Printf("%v.", err)
		return &Config{}
	}
	return c
}

// LoadConfigFrom reads the configuration from the file at path.
func LoadConfigFrom(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return decode(f)
}

func decode(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("unable to read config data: %v", err)
	}

	var c Config
	err = yaml.Unmarshal(data, &c)
	if err != nil {
		return nil, fmt.Errorf("unable to decode config file: %v", err)
	}
	return &c, nil
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(fullConfigFile)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	err = writeDefaultConfig(f)
	if err != nil {
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return f, nil
}

func writeDefaultConfig(f io.Writer) error {
	_, err := io.WriteString(f,
		`# Configuration file for attachwait.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Debugger started by 'attachwait launch' and suggested by 'attachwait wait'.
# One of gdb, lldb, dlv or custom.
# debugger: gdb

# Path of the debugger executable, looked up in PATH if unset.
# debugger-path: /usr/bin/gdb

# Command line used when debugger is custom, {pid} is replaced by the
# process id to attach to.
# debugger-command: "gdb -q -ex 'signal SIGCONT' -p {pid}"

# Signal the debugger sends once it is attached.
# wake-signal: SIGCONT

# Call PR_SET_PTRACER before waiting so that a debugger started from another
# terminal can attach when /proc/sys/kernel/yama/ptrace_scope is 1.
# relax-policy: true

# How often the tracer is looked up when no wake signal arrives.
# recheck-interval: 1s

# Give up waiting after this long. Unset or 0 waits forever.
# timeout: 0s

# Uncomment to print the attach instructions without colors.
# no-color: true
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	if configPath := os.Getenv("XDG_CONFIG_HOME"); configPath != "" {
		return path.Join(configPath, configDir, file), nil
	}

	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, ".config", configDir, file), nil
}
