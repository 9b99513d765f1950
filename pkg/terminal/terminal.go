package terminal

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"

	"github.com/go-delve/liner"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/dbgfront/dbgfront/pkg/config"
	"github.com/dbgfront/dbgfront/pkg/engine"
	"github.com/dbgfront/dbgfront/pkg/logflags"
	"github.com/dbgfront/dbgfront/pkg/terminal/starbind"
)

const (
	historyFile                 string = ".dbg_history"
	terminalHighlightEscapeCode string = "\033[%2dm"
	terminalResetEscapeCode     string = "\033[0m"
)

const ansiBlue = 34

const (
	defaultMaxChildrenShown = 64
	defaultStackTraceDepth  = 50
)

// Term represents the terminal running dbgfront.
type Term struct {
	client   *engine.Client
	conf     *config.Config
	prompt   string
	line     *liner.State
	cmds     *Commands
	dumb     bool
	stdout   *pagingWriter
	InitFile string

	// Program and WorkingDir are used by the run command when it is given
	// new arguments.
	Program    string
	WorkingDir string

	ctx         context.Context
	log         logflags.Logger
	events      chan engine.Event
	unsubscribe func()

	// inspector holds the variable object of the last print command.
	inspector *engine.Root

	starlarkEnv *starbind.Env

	quittingMutex sync.Mutex
	quitting      bool
}

// New returns a new Term.
func New(client *engine.Client, conf *config.Config) *Term {
	cmds := DebugCommands(client)
	if conf != nil && conf.Aliases != nil {
		cmds.Merge(conf.Aliases)
	}

	if conf == nil {
		conf = &config.Config{}
	}

	var w io.Writer

	dumb := strings.ToLower(os.Getenv("TERM")) == "dumb" || !isatty.IsTerminal(os.Stdout.Fd())
	if dumb {
		w = os.Stdout
	} else {
		w = getColorableWriter()
	}

	t := &Term{
		client: client,
		conf:   conf,
		prompt: "(dbgfront) ",
		line:   liner.NewLiner(),
		cmds:   cmds,
		dumb:   dumb,
		stdout: &pagingWriter{w: w},
		ctx:    context.Background(),
		log:    logflags.TerminalLogger(),
		events: make(chan engine.Event, 256),
	}
	t.starlarkEnv = starbind.New(starlarkContext{t}, t.stdout)
	if client != nil {
		t.unsubscribe = client.Subscribe(t.handleEvent,
			engine.KindStopped, engine.KindProgramFinished, engine.KindEngineDied, engine.KindOutput)
	}
	return t
}

// Close returns the terminal to its previous mode.
func (t *Term) Close() {
	if t.unsubscribe != nil {
		t.unsubscribe()
		t.unsubscribe = nil
	}
	t.line.Close()
}

func getColorableWriter() io.Writer {
	return colorable.NewColorableStdout()
}

// handleEvent runs on the engine loop. It must not call the client.
func (t *Term) handleEvent(ev engine.Event) {
	if out, ok := ev.(engine.Output); ok && out.Stream != engine.TargetOutput {
		if logflags.Terminal() {
			t.log.Debugf("backend output: %q", out.Text)
		}
		return
	}
	select {
	case t.events <- ev:
	default:
		t.log.Warnf("dropping %s event, terminal is not reading", ev.Kind())
	}
}

// drainEvents discards events left over from an earlier command.
func (t *Term) drainEvents() {
	for {
		select {
		case <-t.events:
		default:
			return
		}
	}
}

func (t *Term) sigintGuard(ch <-chan os.Signal) {
	for range ch {
		fmt.Fprintf(os.Stderr, "received SIGINT, stopping process (will not forward signal)\n")
		t.starlarkEnv.Cancel()
		if err := t.client.Interrupt(t.ctx); err != nil && !engine.IsUsageError(err) {
			fmt.Fprintf(os.Stderr, "%v\n", err)
		}
	}
}

// Run begins running dbgfront in the terminal.
func (t *Term) Run() (int, error) {
	defer t.Close()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT)
	defer signal.Stop(ch)
	go t.sigintGuard(ch)

	t.line.SetCompleter(func(line string) []string {
		if strings.Contains(line, " ") {
			return nil
		}
		c := t.cmds.trie.PrefixSearch(strings.ToLower(line))
		sort.Strings(c)
		return c
	})

	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		fmt.Printf("Unable to load history file: %v.", err)
	}

	f, err := os.Open(fullHistoryFile)
	if err != nil {
		f, err = os.Create(fullHistoryFile)
		if err != nil {
			fmt.Printf("Unable to open history file: %v. History will not be saved for this session.", err)
		}
	}
	if f != nil {
		t.line.ReadHistory(f)
		f.Close()
	}
	fmt.Println("Type 'help' for list of commands.")

	if t.InitFile != "" {
		err := t.cmds.sourceCommand(t, t.InitFile)
		if err != nil {
			if _, ok := err.(ExitRequestError); ok {
				return t.handleExit()
			}
			fmt.Fprintf(os.Stderr, "Error executing init file: %s\n", err)
		}
	}

	for {
		cmdstr, err := t.promptForInput()
		if err != nil {
			if err == io.EOF {
				fmt.Println("exit")
				return t.handleExit()
			}
			return 1, fmt.Errorf("prompt for input failed")
		}

		err = t.cmds.Call(cmdstr, t)
		t.stdout.Reset()
		if err != nil {
			if _, ok := err.(ExitRequestError); ok {
				return t.handleExit()
			}
			if engine.IsBackendGone(err) {
				fmt.Fprintln(os.Stderr, err.Error())
				return t.handleExit()
			}
			t.quittingMutex.Lock()
			quitting := t.quitting
			t.quittingMutex.Unlock()
			if quitting {
				return t.handleExit()
			}
			fmt.Fprintf(os.Stderr, "Command failed: %s\n", err)
		}
	}
}

// Println prints a line to the terminal.
func (t *Term) Println(prefix, str string) {
	if !t.dumb {
		terminalColorEscapeCode := fmt.Sprintf(terminalHighlightEscapeCode, ansiBlue)
		prefix = fmt.Sprintf("%s%s%s", terminalColorEscapeCode, prefix, terminalResetEscapeCode)
	}
	fmt.Fprintf(t.stdout, "%s%s\n", prefix, str)
}

func (t *Term) substitutePath(path string) string {
	if t.conf == nil {
		return path
	}
	return t.conf.SubstitutePath.Substitute(path)
}

func (t *Term) promptForInput() (string, error) {
	l, err := t.line.Prompt(t.prompt)
	if err != nil {
		return "", err
	}

	l = strings.TrimSuffix(l, "\n")
	if l != "" {
		t.line.AppendHistory(l)
	}

	return l, nil
}

func (t *Term) handleExit() (int, error) {
	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		fmt.Println("Error saving history file:", err)
	} else {
		if f, err := os.OpenFile(fullHistoryFile, os.O_RDWR, 0666); err == nil {
			_, err = t.line.WriteHistory(f)
			if err != nil {
				fmt.Println("readline history error:", err)
			}
			f.Close()
		}
	}

	t.quittingMutex.Lock()
	quitting := t.quitting
	t.quitting = true
	t.quittingMutex.Unlock()
	if quitting {
		return 0, nil
	}

	s, err := t.client.Session(t.ctx)
	if err != nil {
		if engine.IsBackendGone(err) {
			return 0, nil
		}
		return 1, err
	}
	if s.State != engine.Dead {
		if err := t.client.Quit(t.ctx); err != nil && !engine.IsBackendGone(err) {
			return 1, err
		}
	}
	return 0, nil
}

func (t *Term) maxChildrenShown() int {
	if t.conf.MaxChildrenShown != nil && *t.conf.MaxChildrenShown > 0 {
		return *t.conf.MaxChildrenShown
	}
	return defaultMaxChildrenShown
}

func (t *Term) stackTraceDepth() int {
	if t.conf.StackTraceDepth != nil && *t.conf.StackTraceDepth > 0 {
		return *t.conf.StackTraceDepth
	}
	return defaultStackTraceDepth
}
