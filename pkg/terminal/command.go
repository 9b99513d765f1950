// Package terminal implements functions for responding to user
// input and dispatching to appropriate backend commands.
package terminal

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/derekparker/trie"

	"github.com/dbgfront/dbgfront/pkg/engine"
)

const sourceListLineCount = 5

type cmdfunc func(t *Term, args string) error

type command struct {
	aliases        []string
	builtinAliases []string
	group          commandGroup
	helpMsg        string
	cmdFn          cmdfunc
}

// Returns true if the command string matches one of the aliases for this command
func (c command) match(cmdstr string) bool {
	for _, v := range c.aliases {
		if v == cmdstr {
			return true
		}
	}
	return false
}

// Commands represents the commands for the dbgfront terminal process.
type Commands struct {
	cmds   []command
	client *engine.Client
	// trie holds every alias, for completion.
	trie *trie.Trie
}

// byFirstAlias will sort by the first
// alias of a command.
type byFirstAlias []command

func (a byFirstAlias) Len() int           { return len(a) }
func (a byFirstAlias) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
func (a byFirstAlias) Less(i, j int) bool { return a[i].aliases[0] < a[j].aliases[0] }

// DebugCommands returns a Commands struct with default commands defined.
func DebugCommands(client *engine.Client) *Commands {
	c := &Commands{client: client}

	c.cmds = []command{
		{aliases: []string{"help", "h"}, cmdFn: c.help, helpMsg: `Prints the help message.

	help [command]

Type "help" followed by the name of a command for more information about it.`},
		{aliases: []string{"break", "b"}, group: breakCmds, cmdFn: breakpoint, helpMsg: `Sets a breakpoint.

	break <location> [if <condition>]

The location is either <file>:<line>, a line number in the current file or
the name of a function. If a condition is given the program only stops when
it evaluates to true.

See also: "help condition" and "help clear"`},
		{aliases: []string{"countpoint", "cp"}, group: breakCmds, cmdFn: countpoint, helpMsg: `Sets a count point.

	countpoint <location> [if <condition>]

A count point is a breakpoint that does not stop the program, it only counts
how many times it was hit. Use "breakpoints" to see the counts.`},
		{aliases: []string{"breakpoints", "bp"}, group: breakCmds, cmdFn: breakpoints, helpMsg: `Print out info for active breakpoints.

	breakpoints [-refresh]

With -refresh the breakpoint table is reloaded from the backend first.`},
		{aliases: []string{"clear"}, group: breakCmds, cmdFn: clearCmd, helpMsg: `Deletes a breakpoint.

	clear <breakpoint number>
	clear <location>`},
		{aliases: []string{"enable"}, group: breakCmds, cmdFn: enable, helpMsg: `Enables a breakpoint.

	enable <breakpoint number>`},
		{aliases: []string{"disable"}, group: breakCmds, cmdFn: disable, helpMsg: `Disables a breakpoint.

	disable <breakpoint number>`},
		{aliases: []string{"condition", "cond"}, group: breakCmds, cmdFn: conditionCmd, helpMsg: `Set breakpoint condition.

	condition <breakpoint number> [<boolean expression>]

Specifies that the breakpoint should be triggered only if the boolean
expression is true. Without an expression the condition is removed.`},
		{aliases: []string{"run", "r"}, group: runCmds, cmdFn: run, helpMsg: `Start the program.

	run [arguments...]

If arguments are given they replace the ones the program was loaded with.
Quoting follows shell rules.`},
		{aliases: []string{"continue", "c"}, group: runCmds, cmdFn: cont, helpMsg: "Run until breakpoint or program termination."},
		{aliases: []string{"next", "n"}, group: runCmds, cmdFn: next, helpMsg: "Step over to next source line."},
		{aliases: []string{"step", "s"}, group: runCmds, cmdFn: step, helpMsg: "Single step through program."},
		{aliases: []string{"stepout", "so"}, group: runCmds, cmdFn: stepout, helpMsg: "Step out of the current function."},
		{aliases: []string{"threads"}, group: threadCmds, cmdFn: threads, helpMsg: "Print out info for every traced thread."},
		{aliases: []string{"thread", "tr"}, group: threadCmds, cmdFn: thread, helpMsg: `Switch to the specified thread.

	thread <id>`},
		{aliases: []string{"stack", "bt"}, group: stackCmds, cmdFn: stack, helpMsg: `Print stack trace.

	stack [<depth>]

The default depth is the stack-trace-depth configuration value.`},
		{aliases: []string{"frame"}, group: stackCmds, cmdFn: frame, helpMsg: `Set the current frame.

	frame <level>

Frame 0 is the innermost frame.`},
		{aliases: []string{"locals"}, group: dataCmds, cmdFn: locals, helpMsg: "Print arguments and local variables of the current frame."},
		{aliases: []string{"print", "p"}, group: dataCmds, cmdFn: printVar, helpMsg: `Evaluate an expression.

	print <expression>

The value is kept as a variable object, its name is printed when it has
children. Use "expand" to show them.`},
		{aliases: []string{"expand", "e"}, group: dataCmds, cmdFn: expand, helpMsg: `Show the children of a variable object.

	expand <variable object>`},
		{aliases: []string{"set"}, group: dataCmds, cmdFn: setVar, helpMsg: `Changes the value of a variable.

	set <variable> = <value>

The variable is either an expression or the name of a variable object.`},
		{aliases: []string{"pathexpr"}, group: dataCmds, cmdFn: pathexpr, helpMsg: `Print the full expression of a variable object.

	pathexpr <variable object>`},
		{aliases: []string{"exit", "quit", "q"}, cmdFn: exitCommand, helpMsg: "Exit the debugger."},
		{aliases: []string{"config"}, cmdFn: configureCmd, helpMsg: `Changes configuration parameters.

	config -list

Show all configuration parameters.

	config -save

Saves the configuration file to disk, overwriting the current configuration file.

	config <parameter> <value>

Changes the value of a configuration parameter.

	config substitute-path <from> <to>
	config substitute-path <from>

Adds or removes a path substitution rule.

	config alias <command> <alias>
	config alias <alias>

Defines <alias> as an alias to <command> or removes an alias.`},
		{aliases: []string{"source"}, cmdFn: c.sourceCommand, helpMsg: `Executes a file containing a list of dbgfront commands.

	source <path>

If path ends with the .star extension it will be interpreted as a starlark script.
Functions named command_<name> defined by the script become new commands.

If path is a single '-' character an interactive starlark interpreter will start instead. Type 'exit' to exit.`},
	}

	sort.Sort(byFirstAlias(c.cmds))
	c.buildTrie()
	return c
}

func (c *Commands) buildTrie() {
	c.trie = trie.New()
	for _, cmd := range c.cmds {
		for _, alias := range cmd.aliases {
			c.trie.Add(alias, nil)
		}
	}
}

// Register custom commands. Expects cf to be a func of type cmdfunc,
// returning only an error.
func (c *Commands) Register(cmdstr string, cf cmdfunc, helpMsg string) {
	for i := range c.cmds {
		if c.cmds[i].match(cmdstr) {
			c.cmds[i].cmdFn = cf
			return
		}
	}

	c.cmds = append(c.cmds, command{aliases: []string{cmdstr}, cmdFn: cf, helpMsg: helpMsg})
	c.trie.Add(cmdstr, nil)
}

// Find will look up the command function for the given command input.
// If it cannot find the command it will default to noCmdAvailable().
// If the command is an empty string it will do nothing.
func (c *Commands) Find(cmdstr string) cmdfunc {
	if cmdstr == "" {
		return nullCommand
	}

	for _, v := range c.cmds {
		if v.match(cmdstr) {
			return v.cmdFn
		}
	}

	return noCmdAvailable
}

// Call takes a command to execute.
func (c *Commands) Call(cmdstr string, t *Term) error {
	vals := strings.SplitN(strings.TrimSpace(cmdstr), " ", 2)
	cmdname := vals[0]
	var args string
	if len(vals) > 1 {
		args = strings.TrimSpace(vals[1])
	}
	if cmdname != "" {
		t.log.Debugf("command %q", cmdstr)
	}
	return c.Find(cmdname)(t, args)
}

// Merge takes aliases defined in the config struct and merges them with the default aliases.
func (c *Commands) Merge(allAliases map[string][]string) {
	for i := range c.cmds {
		if c.cmds[i].builtinAliases != nil {
			c.cmds[i].aliases = append(c.cmds[i].aliases[:0], c.cmds[i].builtinAliases...)
		}
	}
	for i := range c.cmds {
		if aliases, ok := allAliases[c.cmds[i].aliases[0]]; ok {
			if c.cmds[i].builtinAliases == nil {
				c.cmds[i].builtinAliases = make([]string, len(c.cmds[i].aliases))
				copy(c.cmds[i].builtinAliases, c.cmds[i].aliases)
			}
			c.cmds[i].aliases = append(c.cmds[i].aliases, aliases...)
		}
	}
	c.buildTrie()
}

var errNoCmd = errors.New("command not available")

func noCmdAvailable(t *Term, args string) error {
	return errNoCmd
}

func nullCommand(t *Term, args string) error {
	return nil
}

func (c *Commands) help(t *Term, args string) error {
	if args != "" {
		for _, cmd := range c.cmds {
			for _, alias := range cmd.aliases {
				if alias == args {
					fmt.Fprintln(t.stdout, cmd.helpMsg)
					return nil
				}
			}
		}
		return errNoCmd
	}

	t.stdout.PageMaybe()
	fmt.Fprintln(t.stdout, "The following commands are available:")

	for _, cgd := range commandGroupDescriptions {
		fmt.Fprintf(t.stdout, "\n%s:\n", cgd.description)
		w := new(tabwriter.Writer)
		w.Init(t.stdout, 0, 8, 0, '-', 0)
		for _, cmd := range c.cmds {
			if cmd.group != cgd.group {
				continue
			}
			h := cmd.helpMsg
			if idx := strings.Index(h, "\n"); idx >= 0 {
				h = h[:idx]
			}
			if len(cmd.aliases) > 1 {
				fmt.Fprintf(w, "    %s (alias: %s) \t %s\n", cmd.aliases[0], strings.Join(cmd.aliases[1:], " | "), h)
			} else {
				fmt.Fprintf(w, "    %s \t %s\n", cmd.aliases[0], h)
			}
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	fmt.Fprintln(t.stdout)
	fmt.Fprintln(t.stdout, "Type help followed by a command for full documentation.")
	return nil
}

// location is a parsed breakpoint location: either file and line or a
// function name.
type location struct {
	file     string
	line     int
	function string
}

func (t *Term) parseLocation(spec string) (location, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return location{}, errors.New("location required")
	}
	if n, err := strconv.Atoi(spec); err == nil {
		s, err := t.client.Session(t.ctx)
		if err != nil {
			return location{}, err
		}
		if s.Frame == nil || s.Frame.File == "" {
			return location{}, fmt.Errorf("no current file, use <file>:%d", n)
		}
		return location{file: s.Frame.File, line: n}, nil
	}
	if i := strings.LastIndexByte(spec, ':'); i > 0 {
		if n, err := strconv.Atoi(spec[i+1:]); err == nil {
			if n <= 0 {
				return location{}, fmt.Errorf("invalid line number %d", n)
			}
			return location{file: spec[:i], line: n}, nil
		}
	}
	return location{function: spec}, nil
}

func breakpoint(t *Term, args string) error {
	return setBreakpoint(t, args, false)
}

func countpoint(t *Term, args string) error {
	return setBreakpoint(t, args, true)
}

func setBreakpoint(t *Term, argstr string, countPoint bool) error {
	spec, cond := argstr, ""
	if i := strings.Index(argstr, " if "); i >= 0 {
		spec, cond = argstr[:i], strings.TrimSpace(argstr[i+len(" if "):])
	}
	loc, err := t.parseLocation(spec)
	if err != nil {
		return err
	}
	var bp *engine.Breakpoint
	if loc.function != "" {
		bp, err = t.client.SetFunctionBreakpoint(t.ctx, loc.function, cond, countPoint)
	} else {
		bp, err = t.client.SetBreakpoint(t.ctx, loc.file, loc.line, cond, countPoint)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "%s set at %s\n", formatBreakpointName(bp, true), t.formatBreakpointLocation(bp))
	return nil
}

func formatBreakpointName(bp *engine.Breakpoint, upcase bool) string {
	thing := "breakpoint"
	if bp.IsCountPoint {
		thing = "countpoint"
	}
	if upcase {
		thing = strings.ToUpper(thing[:1]) + thing[1:]
	}
	return fmt.Sprintf("%s %d", thing, bp.Number)
}

func (t *Term) formatBreakpointLocation(bp *engine.Breakpoint) string {
	var out strings.Builder
	if bp.Address != "" {
		fmt.Fprintf(&out, "%s ", bp.Address)
	}
	if bp.Function != "" {
		fmt.Fprintf(&out, "for %s() ", bp.Function)
	}
	if bp.Line > 0 {
		fmt.Fprintf(&out, "%s:%d", t.formatPath(bp.FullName, bp.File), bp.Line)
	} else {
		out.WriteString(bp.OriginalLocation)
	}
	return strings.TrimSpace(out.String())
}

// formatPath returns the path to show for a source file, preferring the
// full name the backend resolved.
func (t *Term) formatPath(fullname, file string) string {
	if fullname != "" {
		return t.substitutePath(fullname)
	}
	return file
}

type byNumber []engine.Breakpoint

func (a byNumber) Len() int           { return len(a) }
func (a byNumber) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
func (a byNumber) Less(i, j int) bool { return a[i].Number < a[j].Number }

func breakpoints(t *Term, args string) error {
	var (
		bps []engine.Breakpoint
		err error
	)
	switch args {
	case "":
		bps, err = t.client.Breakpoints(t.ctx)
	case "-refresh":
		bps, err = t.client.RefreshBreakpoints(t.ctx)
	default:
		return fmt.Errorf("unknown argument %q", args)
	}
	if err != nil {
		return err
	}
	sort.Sort(byNumber(bps))
	t.stdout.PageMaybe()
	for i := range bps {
		bp := &bps[i]
		enabled := "(enabled)"
		if !bp.Enabled {
			enabled = "(disabled)"
		}
		fmt.Fprintf(t.stdout, "%s %s at %s (%d)\n", formatBreakpointName(bp, true), enabled, t.formatBreakpointLocation(bp), bp.HitCount)
		if bp.Condition != "" {
			fmt.Fprintf(t.stdout, "\tcond %s\n", bp.Condition)
		}
	}
	return nil
}

func breakpointNumber(args string) (int, error) {
	if args == "" {
		return 0, errors.New("not enough arguments")
	}
	n, err := strconv.Atoi(args)
	if err != nil {
		return 0, fmt.Errorf("invalid breakpoint number %q", args)
	}
	return n, nil
}

func clearCmd(t *Term, args string) error {
	if args == "" {
		return errors.New("not enough arguments")
	}
	n, err := strconv.Atoi(args)
	if err != nil {
		loc, err := t.parseLocation(args)
		if err != nil {
			return err
		}
		var ok bool
		if loc.function != "" {
			n, ok, err = t.client.LookupByFunction(t.ctx, loc.function)
		} else {
			n, ok, err = t.client.LookupByLocation(t.ctx, loc.file, loc.line)
		}
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no breakpoint at %s", args)
		}
	}
	if err := t.client.DeleteBreakpoint(t.ctx, n); err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "Breakpoint %d cleared\n", n)
	return nil
}

func enable(t *Term, args string) error {
	n, err := breakpointNumber(args)
	if err != nil {
		return err
	}
	if err := t.client.EnableBreakpoint(t.ctx, n); err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "Breakpoint %d enabled\n", n)
	return nil
}

func disable(t *Term, args string) error {
	n, err := breakpointNumber(args)
	if err != nil {
		return err
	}
	if err := t.client.DisableBreakpoint(t.ctx, n); err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "Breakpoint %d disabled\n", n)
	return nil
}

func conditionCmd(t *Term, args string) error {
	v := strings.SplitN(args, " ", 2)
	n, err := breakpointNumber(v[0])
	if err != nil {
		return err
	}
	var cond string
	if len(v) > 1 {
		cond = strings.TrimSpace(v[1])
	}
	return t.client.SetBreakpointCondition(t.ctx, n, cond)
}

func run(t *Term, args string) error {
	if args != "" {
		if t.Program == "" {
			return errors.New("no program to run")
		}
		argv, err := splitArgs(args)
		if err != nil {
			return err
		}
		if err := t.client.LoadProgram(t.ctx, t.Program, argv, t.WorkingDir); err != nil {
			return err
		}
	}
	return t.resume(t.client.Run)
}

func cont(t *Term, args string) error {
	return t.resume(t.client.Continue)
}

func next(t *Term, args string) error {
	return t.resume(t.client.StepOver)
}

func step(t *Term, args string) error {
	return t.resume(t.client.StepInto)
}

func stepout(t *Term, args string) error {
	return t.resume(t.client.StepOut)
}

// resume calls op and waits until the program stops again.
func (t *Term) resume(op func(context.Context) error) error {
	t.drainEvents()
	if err := op(t.ctx); err != nil {
		return err
	}
	return t.waitForStop()
}

func (t *Term) waitForStop() error {
	for {
		var ev engine.Event
		select {
		case ev = <-t.events:
		case <-t.ctx.Done():
			return t.ctx.Err()
		}
		switch ev := ev.(type) {
		case engine.Output:
			fmt.Fprint(t.stdout, ev.Text)
		case engine.ProgramStopped:
			if ev.CountPoint {
				continue
			}
			t.printcontext(ev)
			return nil
		case engine.ProgramFinished:
			pid := 0
			if s, err := t.client.Session(t.ctx); err == nil {
				pid = s.Pid
			}
			fmt.Fprintf(t.stdout, "Process %d has exited with status %d\n", pid, ev.ExitCode)
			t.inspector = nil
			return nil
		case engine.EngineDied:
			return fmt.Errorf("%w: %v", engine.ErrEngineDead, ev.Err)
		}
	}
}

func (t *Term) printcontext(ev engine.ProgramStopped) {
	if !ev.HasFrame() {
		fmt.Fprintf(t.stdout, "> stopped (%s) in thread %s\n", ev.Reason, ev.ThreadID)
		return
	}
	f := ev.Frame
	var prefix string
	switch {
	case ev.Breakpoint > 0:
		prefix = fmt.Sprintf("[Breakpoint %d] ", ev.Breakpoint)
	case ev.Signal != "":
		prefix = fmt.Sprintf("[%s] ", ev.Signal)
	}
	hits := ""
	if ev.Breakpoint > 0 {
		if bps, err := t.client.Breakpoints(t.ctx); err == nil {
			for _, bp := range bps {
				if bp.Number == ev.Breakpoint {
					hits = fmt.Sprintf(" (hits: %d)", bp.HitCount)
				}
			}
		}
	}
	fmt.Fprintf(t.stdout, "> %s%s() %s%s (PC: %s)\n", prefix, f.Func, formatFrameLocation(t, f), hits, f.Addr)
	if f.FullName != "" {
		printfile(t, f.FullName, f.Line, true)
	}
}

func formatFrameLocation(t *Term, f *engine.Frame) string {
	if f.Line > 0 {
		return fmt.Sprintf("%s:%d", t.formatPath(f.FullName, f.File), f.Line)
	}
	if f.From != "" {
		return f.From
	}
	return "?"
}

func printfile(t *Term, filename string, line int, showArrow bool) error {
	file, err := os.Open(t.substitutePath(filename))
	if err != nil {
		return err
	}
	defer file.Close()

	start, end := line-sourceListLineCount, line+sourceListLineCount
	scanner := bufio.NewScanner(file)
	for n := 1; scanner.Scan() && n <= end; n++ {
		if n < start {
			continue
		}
		arrow := "  "
		if showArrow && n == line {
			arrow = "=>"
		}
		num := strconv.Itoa(n)
		if !t.dumb {
			num = fmt.Sprintf(terminalHighlightEscapeCode, ansiBlue) + num + terminalResetEscapeCode
		}
		fmt.Fprintf(t.stdout, "%s%*s%s:\t%s\n", arrow, 5-len(strconv.Itoa(n)), "", num, scanner.Text())
	}
	return scanner.Err()
}

func threads(t *Term, args string) error {
	ths, err := t.client.ListThreads(t.ctx)
	if err != nil {
		return err
	}
	for _, th := range ths {
		prefix := "  "
		if th.Current {
			prefix = "* "
		}
		if th.Frame != nil {
			fmt.Fprintf(t.stdout, "%sThread %s (%s) at %s %s %s\n",
				prefix, th.ID, th.TargetID, th.Frame.Addr, formatFrameLocation(t, th.Frame), th.Frame.Func)
		} else {
			fmt.Fprintf(t.stdout, "%sThread %s (%s) %s\n", prefix, th.ID, th.TargetID, th.State)
		}
	}
	return nil
}

func thread(t *Term, args string) error {
	if len(args) == 0 {
		return fmt.Errorf("you must specify a thread")
	}
	old, err := t.client.Session(t.ctx)
	if err != nil {
		return err
	}
	if err := t.client.SelectThread(t.ctx, args); err != nil {
		return err
	}
	oldThread := "<none>"
	if old.ThreadID != "" {
		oldThread = old.ThreadID
	}
	fmt.Fprintf(t.stdout, "Switched from %s to %s\n", oldThread, args)
	return nil
}

func stack(t *Term, args string) error {
	depth := t.stackTraceDepth()
	if args != "" {
		n, err := strconv.Atoi(args)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid depth %q", args)
		}
		depth = n
	}
	frames, err := t.client.ListFrames(t.ctx, depth)
	if err != nil {
		return err
	}
	t.stdout.PageMaybe()
	printStack(t, frames)
	return nil
}

func printStack(t *Term, frames []engine.Frame) {
	if len(frames) == 0 {
		return
	}
	d := len(strconv.Itoa(len(frames) - 1))
	fmtstr := "%" + strconv.Itoa(d) + "d  %s in %s\n"
	s := strings.Repeat(" ", d+2)
	for i := range frames {
		f := &frames[i]
		fmt.Fprintf(t.stdout, fmtstr, f.Level, f.Addr, f.Func)
		fmt.Fprintf(t.stdout, "%sat %s\n", s, formatFrameLocation(t, f))
	}
}

func frame(t *Term, args string) error {
	level, err := strconv.Atoi(args)
	if err != nil || level < 0 {
		return fmt.Errorf("invalid frame level %q", args)
	}
	f, err := t.client.SelectFrame(t.ctx, level)
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "Frame %d: %s() %s (PC: %s)\n", f.Level, f.Func, formatFrameLocation(t, f), f.Addr)
	if f.FullName != "" && f.Line > 0 {
		printfile(t, f.FullName, f.Line, true)
	}
	return nil
}

func locals(t *Term, args string) error {
	vars, err := t.client.FrameVariables(t.ctx)
	if err != nil {
		return err
	}
	if len(vars) == 0 {
		fmt.Fprintln(t.stdout, "(no locals)")
		return nil
	}
	for _, fv := range vars {
		root, err := t.client.NewRoot(t.ctx)
		if err != nil {
			return err
		}
		v, err := t.client.Create(t.ctx, root, fv.Name)
		if err != nil {
			fmt.Fprintf(t.stdout, "%s = <error: %v>\n", fv.Name, err)
		} else {
			fmt.Fprintf(t.stdout, "%s = %s\n", fv.Name, v.Value)
		}
		if err := t.client.ReleaseRoot(t.ctx, root); err != nil {
			return err
		}
	}
	return nil
}

func printVar(t *Term, args string) error {
	if args == "" {
		return errors.New("not enough arguments")
	}
	if t.inspector == nil {
		root, err := t.client.NewRoot(t.ctx)
		if err != nil {
			return err
		}
		t.inspector = root
	}
	v, err := t.client.Create(t.ctx, t.inspector, args)
	if err != nil {
		return err
	}
	printVariable(t, v)
	return nil
}

func printVariable(t *Term, v *engine.Variable) {
	fmt.Fprintf(t.stdout, "%s = %s\n", v.Expression, v.Value)
	if v.NeedsUnfolding {
		fmt.Fprintf(t.stdout, "\t(%s, %d children, use \"expand %s\")\n", v.Type, v.NumChild, v.Name)
	}
}

func expand(t *Term, args string) error {
	if args == "" {
		return errors.New("not enough arguments")
	}
	children, err := t.client.Unfold(t.ctx, args)
	if errors.Is(err, engine.ErrNothingToUnfold) {
		children, err = t.client.Children(t.ctx, args)
		if err == nil && len(children) == 0 {
			return fmt.Errorf("%s has no children", args)
		}
	}
	if err != nil {
		return err
	}
	limit := t.maxChildrenShown()
	w := new(tabwriter.Writer)
	w.Init(t.stdout, 0, 8, 1, ' ', 0)
	for i, c := range children {
		if i >= limit {
			fmt.Fprintf(w, "\t...+%d more\n", len(children)-limit)
			break
		}
		fmt.Fprintf(w, "\t%s\t%s = %s\t(%s)\n", c.Name, c.Expression, c.Value, c.Type)
	}
	return w.Flush()
}

func setVar(t *Term, args string) error {
	i := strings.Index(args, "=")
	if i < 0 {
		return errors.New("syntax error: expected <variable> = <value>")
	}
	lhs, rhs := strings.TrimSpace(args[:i]), strings.TrimSpace(args[i+1:])
	if lhs == "" || rhs == "" {
		return errors.New("syntax error: expected <variable> = <value>")
	}

	name := lhs
	if _, err := t.client.Variable(t.ctx, lhs); errors.Is(err, engine.ErrUnknownVariable) {
		root, err := t.client.NewRoot(t.ctx)
		if err != nil {
			return err
		}
		defer t.client.ReleaseRoot(t.ctx, root)
		v, err := t.client.Create(t.ctx, root, lhs)
		if err != nil {
			return err
		}
		name = v.Name
	} else if err != nil {
		return err
	}

	v, err := t.client.Assign(t.ctx, name, rhs)
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "%s = %s\n", lhs, v.Value)
	return nil
}

func pathexpr(t *Term, args string) error {
	if args == "" {
		return errors.New("not enough arguments")
	}
	p, err := t.client.PathExpression(t.ctx, args)
	if err != nil {
		return err
	}
	fmt.Fprintln(t.stdout, p)
	return nil
}

func (c *Commands) sourceCommand(t *Term, args string) error {
	if len(args) == 0 {
		return fmt.Errorf("wrong number of arguments: source <filename>")
	}

	if filepath.Ext(args) == ".star" {
		_, err := t.starlarkEnv.Execute(args, nil, "main", nil)
		return err
	}

	if args == "-" {
		return t.starlarkEnv.REPL()
	}

	return c.executeFile(t, args)
}

// ExitRequestError is returned when the user
// exits dbgfront.
type ExitRequestError struct{}

func (ere ExitRequestError) Error() string {
	return ""
}

func exitCommand(t *Term, args string) error {
	return ExitRequestError{}
}

func (c *Commands) executeFile(t *Term, name string) error {
	fh, err := os.Open(name)
	if err != nil {
		return err
	}
	defer fh.Close()

	scanner := bufio.NewScanner(fh)
	lineno := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		lineno++

		if line == "" || line[0] == '#' {
			continue
		}

		if err := c.Call(line, t); err != nil {
			if _, isExitRequest := err.(ExitRequestError); isExitRequest {
				return err
			}
			fmt.Fprintf(t.stdout, "%s:%d: %v\n", name, lineno, err)
		}
	}

	return scanner.Err()
}
