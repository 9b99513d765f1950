package cmds

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/dbgfront/dbgfront/cmd/dbgfront/cmds/helphelpers"
	"github.com/dbgfront/dbgfront/pkg/config"
	"github.com/dbgfront/dbgfront/pkg/engine"
	"github.com/dbgfront/dbgfront/pkg/logflags"
	"github.com/dbgfront/dbgfront/pkg/terminal"
	"github.com/dbgfront/dbgfront/pkg/transport"
	"github.com/dbgfront/dbgfront/pkg/version"
	"github.com/dbgfront/dbgfront/service"
	"github.com/dbgfront/dbgfront/service/dap"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string
	// addr is the DAP server listen address.
	addr string
	// initFile is the path to initialization file.
	initFile string
	// workingDir is the working directory for running the program.
	workingDir string
	// tty is used to provide an alternate TTY for the program you wish to debug.
	tty string
	// backend is the backend command line, overriding the configuration file.
	backend string
	// metricsAddr is the address metrics are served on.
	metricsAddr string

	// rootCommand is the root of the command tree.
	rootCommand *cobra.Command

	conf *config.Config
)

const dbgfrontCommandLongDesc = `dbgfront is a front end for debuggers speaking the GDB/MI protocol.

dbgfront starts a debugger backend (gdb by default), drives it over GDB/MI and
lets you control the debugged program from an interactive terminal or from an
editor speaking the Debug Adapter Protocol.

Pass flags to the program you are debugging using ` + "`--`" + `, for example:

` + "`dbgfront exec ./hello -- server --config conf/config.toml`"

// New returns an initialized command tree.
func New(docCall bool) *cobra.Command {
	// Config setup and load.
	if docCall {
		conf = &config.Config{}
	} else {
		conf = config.LoadConfig()
	}

	// Main dbgfront root command.
	rootCommand = &cobra.Command{
		Use:   "dbgfront",
		Short: "dbgfront is a front end for GDB/MI debuggers.",
		Long:  dbgfrontCommandLongDesc,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable debugging server logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", `Comma separated list of components that should produce debug output (see 'dbgfront help log')`)
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file or file descriptor (see 'dbgfront help log').")

	rootCommand.PersistentFlags().StringVar(&initFile, "init", "", "Init file, executed by the terminal client.")
	rootCommand.PersistentFlags().StringVar(&workingDir, "wd", "", "Working directory for running the program.")
	rootCommand.PersistentFlags().StringVar(&backend, "backend", "default", `Backend command line (see 'dbgfront help backend').`)
	rootCommand.PersistentFlags().StringVar(&tty, "tty", "", "TTY to use for the target program")
	rootCommand.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serve metrics on this address, overrides metrics-addr in the config file.")

	// 'exec' subcommand.
	execCommand := &cobra.Command{
		Use:   "exec <path/to/binary>",
		Short: "Load a binary in the backend and begin a debug session.",
		Long: `Load a binary in the backend and begin a debug session.

This command starts the backend, loads the binary into it and opens the
terminal client. The program is not started until you type 'run' or
'continue', so that breakpoints can be set first.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("you must provide a path to a binary")
			}
			return nil
		},
		Run: execCmd,
	}
	rootCommand.AddCommand(execCommand)

	// 'dap' subcommand.
	dapCommand := &cobra.Command{
		Use:   "dap",
		Short: "Starts a TCP server communicating via Debug Adaptor Protocol (DAP).",
		Long: `Starts a TCP server communicating via Debug Adaptor Protocol (DAP).

The server accepts a single client connection. The backend is started when the
client sends a launch request naming the program to debug. Attach requests are
not supported.`,
		Run: dapCmd,
	}
	dapCommand.Flags().StringVarP(&addr, "listen", "l", "127.0.0.1:0", "Debugging server listen address.")
	rootCommand.AddCommand(dapCommand)

	// 'version' subcommand.
	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dbgfront\n%s\n", version.DbgfrontVersion)
			if log {
				fmt.Printf("%s\n", version.BuildInfo())
			}
		},
	}
	rootCommand.AddCommand(versionCommand)

	rootCommand.AddCommand(&cobra.Command{
		Use:   "backend",
		Short: "Help about the --backend flag.",
		Long: `The --backend flag specifies the command line used to start the debugger
backend. The backend must speak GDB/MI on its standard input and output.

	default		Uses the backend key of the configuration file, or
			"` + config.DefaultBackend + `" if it is not set.

Any other value is split like a shell command line, for example:

	dbgfront --backend "gdb-multiarch --interpreter=mi2 --nx" exec ./prog

`})

	rootCommand.AddCommand(&cobra.Command{
		Use:   "log",
		Short: "Help about logging flags.",
		Long: `Logging can be enabled by specifying the --log flag and using the
--log-output flag to select which components should produce logs.

The argument of --log-output must be a comma separated list of component
names selected from this list:


	engine		Log session state changes and command correlation
	miwire		Log every line exchanged with the backend
	dap		Log all DAP messages
	terminal	Log terminal client activity
	transport	Log backend process lifecycle and liveness checks

Additionally --log-dest can be used to specify where the logs should be
written.
If the argument is a number it will be interpreted as a file descriptor,
otherwise as a file path.
This option will also redirect the "server listening at" message in dap mode.

`,
	})

	usage := rootCommand.UsageFunc()
	rootCommand.SetUsageFunc(func(cmd *cobra.Command) error {
		helphelpers.Prepare(cmd)
		return usage(cmd)
	})

	rootCommand.DisableAutoGenTag = true

	return rootCommand
}

// applyFlags copies the command line overrides into conf.
func applyFlags(conf *config.Config) {
	if backend != "" && backend != "default" {
		conf.Backend = backend
	}
	if metricsAddr != "" {
		conf.MetricsAddr = metricsAddr
	}
}

func execCmd(cmd *cobra.Command, args []string) {
	os.Exit(execute(args[0], args[1:], conf))
}

func dapCmd(cmd *cobra.Command, args []string) {
	status := func() int {
		if err := logflags.Setup(log, logOutput, logDest); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		defer logflags.Close()
		applyFlags(conf)

		if initFile != "" {
			fmt.Fprint(os.Stderr, "Warning: init file ignored with dap\n")
		}
		if tty != "" {
			fmt.Fprint(os.Stderr, "Warning: tty ignored with dap; set inferior-tty in the config file instead\n")
		}
		if len(args) > 0 {
			fmt.Fprintf(os.Stderr, "Warning: program flags ignored with dap; specify via launch request instead\n")
		}

		argv, err := conf.BackendArgv()
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}

		stopMetrics, err := serveMetrics(conf.MetricsAddr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		defer stopMetrics()

		listener, err := net.Listen("tcp", addr)
		if err != nil {
			fmt.Printf("couldn't start listener: %s\n", err)
			return 1
		}
		disconnectChan := make(chan struct{})
		server := dap.NewServer(dapConfig(conf, listener, argv, disconnectChan))
		defer server.Stop()

		server.Run()
		waitForDisconnectSignal(disconnectChan)
		return 0
	}()
	os.Exit(status)
}

func dapConfig(conf *config.Config, listener net.Listener, argv []string, disconnectChan chan<- struct{}) *service.Config {
	c := &service.Config{
		Listener:       listener,
		Connect:        service.StartBackend(argv, workingDir),
		Engine:         engine.Config{WatchdogInterval: conf.WatchdogInterval, CommandTimeout: conf.WatchdogTimeout},
		InferiorTTY:    conf.InferiorTTY,
		SubstitutePath: conf.SubstitutePath,
		DisconnectChan: disconnectChan,
	}
	if conf.StackTraceDepth != nil {
		c.StackTraceDepth = *conf.StackTraceDepth
	}
	return c
}

// waitForDisconnectSignal is a blocking function that waits for either
// a SIGINT (Ctrl-C) signal from the OS or for disconnectChan to be closed
// by the server when the client disconnects.
func waitForDisconnectSignal(disconnectChan chan struct{}) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT)
	defer signal.Stop(ch)
	select {
	case <-ch:
	case <-disconnectChan:
	}
}

// serveMetrics serves the engine metrics on addr. An empty addr serves
// nothing.
func serveMetrics(addr string) (stop func(), err error) {
	if addr == "" {
		return func() {}, nil
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("couldn't start metrics listener: %v", err)
	}
	return serveMetricsOn(listener), nil
}

func serveMetricsOn(listener net.Listener) (stop func()) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux}
	go srv.Serve(listener)
	return func() { srv.Close() }
}

// debugSession is a running engine with the program loaded.
type debugSession struct {
	engine *engine.Engine
	client *engine.Client
	tty    *transport.InferiorTTY
	cancel context.CancelFunc
	done   chan struct{}
}

// startSession starts an engine on tr and loads program into it. When
// conf asks for it the debugged program gets its own pseudo-terminal,
// whose output is copied to stdout.
func startSession(tr transport.Transport, conf *config.Config, program string, args []string, ttyPath string) (*debugSession, error) {
	e := engine.New(tr, engine.Config{WatchdogInterval: conf.WatchdogInterval, CommandTimeout: conf.WatchdogTimeout})
	ctx, cancel := context.WithCancel(context.Background())
	s := &debugSession{
		engine: e,
		client: engine.NewClient(e),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		e.Run(ctx)
	}()

	if err := s.client.LoadProgram(ctx, program, args, workingDir); err != nil {
		s.Close()
		return nil, err
	}

	if ttyPath == "" && conf.InferiorTTY {
		t, err := transport.OpenInferiorTTY(os.Stdout)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.tty = t
		ttyPath = t.Name()
	}
	if ttyPath != "" {
		if err := s.client.SetInferiorTTY(ctx, ttyPath); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

// Close stops the engine loop and closes the backend.
func (s *debugSession) Close() {
	s.cancel()
	<-s.done
	s.engine.Close()
	if s.tty != nil {
		s.tty.Close()
	}
}

func execute(program string, args []string, conf *config.Config) int {
	if err := logflags.Setup(log, logOutput, logDest); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer logflags.Close()
	applyFlags(conf)

	argv, err := conf.BackendArgv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	stopMetrics, err := serveMetrics(conf.MetricsAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer stopMetrics()

	p, err := transport.Start(transport.ProcessConfig{Argv: argv, WorkingDir: workingDir})
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not start backend: %v\n", err)
		return 1
	}

	s, err := startSession(p, conf, program, args, tty)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not load %s: %v\n", program, err)
		return 1
	}
	defer s.Close()

	term := terminal.New(s.client, conf)
	term.InitFile = initFile
	term.Program = program
	term.WorkingDir = workingDir
	status, err := term.Run()
	if err != nil {
		fmt.Println(err)
	}
	return status
}
