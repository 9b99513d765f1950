package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cosiner/argv"
	"gopkg.in/yaml.v2"
)

const (
	configDir  string = "dbgfront"
	configFile string = "config.yml"
)

// DefaultBackend is the backend command line used when the configuration
// does not name one.
const DefaultBackend = "gdb --interpreter=mi2 --nx --quiet"

// SubstitutePathRule describes a rule for substitution of path to source code file.
type SubstitutePathRule struct {
	// Directory path will be substituted if it matches `From`.
	From string
	// Path to which substitution is performed.
	To string
}

// SubstitutePathRules is a slice of source code path substitution rules.
type SubstitutePathRules []SubstitutePathRule

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Backend is the command line used to start the debugger backend.
	// It must speak GDB/MI on its standard streams.
	Backend string `yaml:"backend,omitempty"`

	// Commands aliases.
	Aliases map[string][]string `yaml:"aliases"`
	// Source code path substitution rules.
	SubstitutePath SubstitutePathRules `yaml:"substitute-path"`

	// WatchdogInterval is how often the backend process is probed for
	// liveness. Zero disables the probe.
	WatchdogInterval time.Duration `yaml:"watchdog-interval,omitempty"`
	// WatchdogTimeout is how long a command may wait for its reply before
	// the backend is declared hung. Zero disables the deadline.
	WatchdogTimeout time.Duration `yaml:"watchdog-timeout,omitempty"`

	// MaxChildrenShown is the maximum number of children the terminal
	// prints when expanding a variable.
	MaxChildrenShown *int `yaml:"max-children-shown,omitempty"`

	// StackTraceDepth is the default depth of the stack command.
	StackTraceDepth *int `yaml:"stack-trace-depth,omitempty"`

	// If InferiorTTY is true the debugged program gets its own
	// pseudo-terminal instead of sharing the backend's.
	InferiorTTY bool `yaml:"inferior-tty"`

	// MetricsAddr, if set, is the address the metrics endpoint listens on.
	MetricsAddr string `yaml:"metrics-addr,omitempty"`
}

// BackendArgv returns the backend command line split into arguments.
func (c *Config) BackendArgv() ([]string, error) {
	cmdline := c.Backend
	if strings.TrimSpace(cmdline) == "" {
		cmdline = DefaultBackend
	}
	args, err := argv.Argv(cmdline, func(s string) (string, error) {
		return "", fmt.Errorf("backtick not supported in backend command line %q", s)
	}, nil)
	if err != nil {
		return nil, err
	}
	if len(args) != 1 {
		return nil, fmt.Errorf("backend command line %q must not contain pipes", cmdline)
	}
	return args[0], nil
}

// Substitute rewrites path according to the substitution rules. The first
// matching rule wins.
func (rules SubstitutePathRules) Substitute(path string) string {
	for _, r := range rules {
		from := filepath.Clean(r.From)
		if path == from {
			return filepath.Clean(r.To)
		}
		if strings.HasPrefix(path, from+string(filepath.Separator)) {
			return filepath.Join(r.To, strings.TrimPrefix(path, from))
		}
	}
	return path
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

	c, err := readConfig(f)
	if err != nil {
		fmt.Printf("%v.", err)
		return &Config{}
	}
	return c
}

func readConfig(r io.Reader) (*Config, error) {
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
		`# Configuration file for dbgfront.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Command line of the debugger backend. It must speak GDB/MI.
# backend: "gdb --interpreter=mi2 --nx --quiet"

# Provided aliases will be added to the default aliases for a given command.
aliases:
  # command: ["alias1", "alias2"]

# Define sources path substitution rules. Can be used to rewrite a source path
# reported by the backend, if the sources were moved to a different place
# between compilation and debugging.
substitute-path:
  # - {from: path, to: path}

# How often the backend process is checked for liveness.
# watchdog-interval: 1s

# End the session if the backend leaves a command unanswered this long.
# watchdog-timeout: 30s

# Maximum number of children printed by the expand command.
# max-children-shown: 64

# Default depth of the stack command.
# stack-trace-depth: 50

# Uncomment the following line to give the debugged program its own terminal.
# inferior-tty: true

# Serve prometheus metrics on this address.
# metrics-addr: "localhost:9464"
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
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, configDir, file), nil
	}
	userHomeDir, err := os.UserHomeDir()
	if err != nil {
		userHomeDir = "."
	}
	return filepath.Join(userHomeDir, ".config", configDir, file), nil
}
