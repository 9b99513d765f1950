// Package mitest provides an in-process GDB/MI backend for tests. It
// simulates a small single-threaded program well enough to drive the
// engine and its consumers end to end.
package mitest

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/dbgfront/dbgfront/pkg/mi"
)

// Var is a variable of the simulated program.
type Var struct {
	Name     string
	Type     string
	Value    string
	Arg      bool
	Children []Var
}

// Program describes the simulated program. It runs through Lines in
// order; each entry is one executable source line of Func in File.
type Program struct {
	File     string
	FullName string
	Func     string
	Lines    []int
	ExitCode int
	Locals   []Var
	// Hang makes continue run until interrupted.
	Hang bool
}

// Sample returns a small program: main in /src/main.c executing lines 5
// to 9, with an int argument, an int local and a struct local.
func Sample() *Program {
	return &Program{
		File:     "main.c",
		FullName: "/src/main.c",
		Func:     "main",
		Lines:    []int{5, 6, 7, 8, 9},
		Locals: []Var{
			{Name: "argc", Type: "int", Value: "1", Arg: true},
			{Name: "n", Type: "int", Value: "3"},
			{Name: "p", Type: "struct point", Value: "{...}", Children: []Var{
				{Name: "x", Type: "int", Value: "1"},
				{Name: "y", Type: "int", Value: "2"},
			}},
		},
	}
}

type breakpoint struct {
	number    int
	line      int
	function  string
	cond      string
	enabled   bool
	times     int
	countOnly bool
	origLoc   string
}

type varobj struct {
	v    *Var
	path string
}

// Backend implements transport.Transport. Commands are answered
// synchronously as they are written.
type Backend struct {
	prog *Program

	mu       sync.Mutex
	commands []string
	lines    chan string
	done     chan struct{}
	err      error
	closed   bool

	started bool
	running bool
	pc      int
	level   int
	bps     []*breakpoint
	nextBp  int
	vars    map[string]*varobj
	nextVar int
}

// NewBackend returns a backend simulating prog.
func NewBackend(prog *Program) *Backend {
	return &Backend{
		prog:  prog,
		lines: make(chan string, 4096),
		done:  make(chan struct{}),
		vars:  make(map[string]*varobj),
	}
}

// Commands returns the commands received so far, without their tokens.
func (b *Backend) Commands() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.commands...)
}

// Received reports whether a command starting with prefix was received.
func (b *Backend) Received(prefix string) bool {
	for _, c := range b.Commands() {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

func (b *Backend) Lines() <-chan string  { return b.lines }
func (b *Backend) Done() <-chan struct{} { return b.done }

func (b *Backend) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeLocked(io.ErrClosedPipe)
	return nil
}

// Crash makes the backend disappear as if it had been killed.
func (b *Backend) Crash() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeLocked(io.ErrUnexpectedEOF)
}

func (b *Backend) closeLocked(err error) {
	if b.closed {
		return
	}
	b.closed = true
	b.err = err
	close(b.done)
}

func (b *Backend) WriteLine(line string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return io.ErrClosedPipe
	}
	i := 0
	for i < len(line) && line[i] >= '0' && line[i] <= '9' {
		i++
	}
	token, text := line[:i], line[i:]
	b.commands = append(b.commands, text)
	op, args := splitCommand(text)
	for _, out := range b.handle(op, args) {
		if strings.HasPrefix(out, "^") {
			out = token + out
		}
		b.lines <- out
	}
	b.lines <- "(gdb) "
	if op == "gdb-exit" {
		b.closeLocked(io.EOF)
	}
	return nil
}

func done(results string) []string {
	if results == "" {
		return []string{"^done"}
	}
	return []string{"^done," + results}
}

func failure(msg string) []string {
	return []string{"^error,msg=" + quote(msg)}
}

func quote(s string) string {
	q := mi.Quote(s)
	if !strings.HasPrefix(q, `"`) {
		q = `"` + q + `"`
	}
	return q
}

func (b *Backend) handle(op string, args []string) []string {
	switch op {
	case "file-exec-and-symbols", "exec-arguments", "environment-cd", "inferior-tty-set", "gdb-set":
		return done("")
	case "gdb-exit":
		return []string{"^exit"}
	case "break-insert":
		return b.breakInsert(args)
	case "break-delete", "break-enable", "break-disable", "break-condition", "break-commands":
		return b.breakChange(op, args)
	case "break-list":
		rows := make([]string, 0, len(b.bps))
		for _, bp := range b.bps {
			rows = append(rows, "bkpt="+b.bkpt(bp))
		}
		return done(fmt.Sprintf(`BreakpointTable={nr_rows="%d",nr_cols="6",hdr=[],body=[%s]}`, len(rows), strings.Join(rows, ",")))
	case "exec-run":
		if b.started {
			return failure("The program being debugged has been started already.")
		}
		b.started = true
		b.pc = -1
		return b.resume(true, "")
	case "exec-continue":
		if b.prog.Hang {
			b.running = true
			return []string{"^running", `*running,thread-id="all"`}
		}
		return b.resume(true, "")
	case "exec-next", "exec-step":
		return b.resume(false, "end-stepping-range")
	case "exec-finish":
		return failure(`"finish" not meaningful in the outermost frame.`)
	case "exec-interrupt":
		if !b.running {
			return failure("Inferior is not running.")
		}
		b.running = false
		return append(done(""), `*stopped,reason="signal-received",signal-name="SIGINT",signal-meaning="Interrupt",`+b.frame(0)+`,thread-id="1",stopped-threads="all"`)
	case "thread-info":
		return done(`threads=[{id="1",target-id="process 4242",name="prog",` + b.frame(0) + `,state="stopped",core="0"}],current-thread-id="1"`)
	case "thread-select":
		if len(args) != 1 || args[0] != "1" {
			return failure("Invalid thread id: " + strings.Join(args, " "))
		}
		return done(`new-thread-id="1",` + b.frame(0))
	case "stack-list-frames":
		frames := []string{b.frame(0), b.frame(1)}
		if len(args) == 2 {
			if high, err := strconv.Atoi(args[1]); err == nil && high+1 < len(frames) {
				frames = frames[:high+1]
			}
		}
		return done("stack=[" + strings.Join(frames, ",") + "]")
	case "stack-select-frame":
		level, err := strconv.Atoi(strings.Join(args, ""))
		if err != nil || level < 0 || level > 1 {
			return failure("No frame at level " + strings.Join(args, " ") + ".")
		}
		b.level = level
		return done("")
	case "stack-info-frame":
		return done(b.frame(b.level))
	case "stack-list-variables":
		vs := make([]string, 0, len(b.prog.Locals))
		for _, v := range b.prog.Locals {
			if v.Arg {
				vs = append(vs, `{name="`+v.Name+`",arg="1"}`)
			} else {
				vs = append(vs, `{name="`+v.Name+`"}`)
			}
		}
		return done("variables=[" + strings.Join(vs, ",") + "]")
	case "var-create":
		return b.varCreate(args)
	case "var-show-attributes":
		vo, ok := b.lookupVar(args)
		if !ok {
			return failure("Variable object not found")
		}
		if len(vo.v.Children) > 0 {
			return done(`attr="noneditable"`)
		}
		return done(`attr="editable"`)
	case "var-list-children":
		return b.varListChildren(args)
	case "var-assign":
		return b.varAssign(args)
	case "var-evaluate-expression":
		vo, ok := b.lookupVar(args)
		if !ok {
			return failure("Variable object not found")
		}
		return done("value=" + quote(vo.v.Value))
	case "var-info-path-expression":
		vo, ok := b.lookupVar(args)
		if !ok {
			return failure("Variable object not found")
		}
		return done("path_expr=" + quote(vo.path))
	case "var-delete":
		return b.varDelete(args)
	}
	return []string{`^error,msg="Undefined MI command: ` + op + `",code="undefined-command"`}
}

func (b *Backend) line() int {
	if b.pc < 0 || b.pc >= len(b.prog.Lines) {
		return 0
	}
	return b.prog.Lines[b.pc]
}

// frame returns the frame at level: main at level 0, the C runtime above.
func (b *Backend) frame(level int) string {
	if level > 0 {
		return fmt.Sprintf(`frame={level="%d",addr="0x00007ffff7dd8d90",func="__libc_start_call_main",from="/lib/libc.so.6"}`, level)
	}
	return fmt.Sprintf(`frame={level="%d",addr="0x0000000000001139",func="%s",args=[],file="%s",fullname="%s",line="%d",arch="i386:x86-64"}`,
		level, b.prog.Func, b.prog.File, b.prog.FullName, b.line())
}

// resume moves the program forward. With toBreakpoint set it runs to the
// next enabled breakpoint, otherwise it executes one line.
func (b *Backend) resume(toBreakpoint bool, reason string) []string {
	out := []string{"^running", `*running,thread-id="all"`}
	b.level = 0
	for {
		b.pc++
		if b.pc >= len(b.prog.Lines) {
			b.started = false
			b.vars = make(map[string]*varobj)
			if b.prog.ExitCode == 0 {
				return append(out, `*stopped,reason="exited-normally"`)
			}
			return append(out, fmt.Sprintf(`*stopped,reason="exited",exit-code="%o"`, b.prog.ExitCode))
		}
		if !toBreakpoint {
			return append(out, `*stopped,reason="`+reason+`",`+b.frame(0)+`,thread-id="1",stopped-threads="all"`)
		}
		line := b.prog.Lines[b.pc]
		for _, bp := range b.bps {
			if !bp.enabled || bp.line != line {
				continue
			}
			bp.times++
			if bp.countOnly {
				continue
			}
			return append(out, fmt.Sprintf(`*stopped,reason="breakpoint-hit",disp="keep",bkptno="%d",%s,thread-id="1",stopped-threads="all"`, bp.number, b.frame(0)))
		}
	}
}

func (b *Backend) bkpt(bp *breakpoint) string {
	enabled := "y"
	if !bp.enabled {
		enabled = "n"
	}
	s := fmt.Sprintf(`{number="%d",type="breakpoint",disp="keep",enabled="%s",addr="0x0000000000001139",func="%s",file="%s",fullname="%s",line="%d"`,
		bp.number, enabled, b.prog.Func, b.prog.File, b.prog.FullName, bp.line)
	if bp.cond != "" {
		s += ",cond=" + quote(bp.cond)
	}
	s += fmt.Sprintf(`,times="%d"`, bp.times)
	if bp.countOnly {
		s += `,script={"continue"}`
	}
	return s + ",original-location=" + quote(bp.origLoc) + "}"
}

func (b *Backend) breakInsert(args []string) []string {
	var cond string
	for len(args) > 1 && strings.HasPrefix(args[0], "-") {
		if args[0] == "-c" {
			cond = args[1]
			args = args[2:]
			continue
		}
		args = args[1:]
	}
	if len(args) != 1 {
		return failure("-break-insert: Garbage following <location>")
	}
	loc := args[0]
	bp := &breakpoint{cond: cond, enabled: true, origLoc: loc}
	if i := strings.LastIndexByte(loc, ':'); i >= 0 {
		file := loc[:i]
		if file != b.prog.File && file != b.prog.FullName {
			return failure("No source file named " + file + ".")
		}
		line, err := strconv.Atoi(loc[i+1:])
		if err != nil {
			return failure("malformed linespec error: unexpected string, \"" + loc[i+1:] + "\"")
		}
		bp.line = line
	} else {
		if loc != b.prog.Func {
			return failure("Function \"" + loc + "\" not defined.")
		}
		bp.function = loc
		bp.line = b.prog.Lines[0]
	}
	b.nextBp++
	bp.number = b.nextBp
	b.bps = append(b.bps, bp)
	return done("bkpt=" + b.bkpt(bp))
}

func (b *Backend) findBp(s string) (int, *breakpoint) {
	n, _ := strconv.Atoi(s)
	for i, bp := range b.bps {
		if bp.number == n {
			return i, bp
		}
	}
	return -1, nil
}

func (b *Backend) breakChange(op string, args []string) []string {
	if len(args) == 0 {
		return failure("Argument required (one or more breakpoint numbers).")
	}
	i, bp := b.findBp(args[0])
	if bp == nil {
		return failure("No breakpoint number " + args[0] + ".")
	}
	switch op {
	case "break-delete":
		b.bps = append(b.bps[:i], b.bps[i+1:]...)
	case "break-enable":
		bp.enabled = true
	case "break-disable":
		bp.enabled = false
	case "break-condition":
		bp.cond = strings.Join(args[1:], " ")
	case "break-commands":
		bp.countOnly = len(args) > 1 && args[len(args)-1] == "continue"
	}
	return done("")
}

func findVar(vs []Var, name string) *Var {
	for i := range vs {
		if vs[i].Name == name {
			return &vs[i]
		}
	}
	return nil
}

func (b *Backend) lookupVar(args []string) (*varobj, bool) {
	if len(args) == 0 {
		return nil, false
	}
	vo, ok := b.vars[args[len(args)-1]]
	return vo, ok
}

func (b *Backend) varCreate(args []string) []string {
	if len(args) != 3 {
		return failure("-var-create: Usage: NAME FRAME EXPRESSION.")
	}
	if !b.started {
		return failure("-var-create: unable to create variable object")
	}
	v := findVar(b.prog.Locals, args[2])
	if v == nil {
		return failure("-var-create: unable to create variable object")
	}
	b.nextVar++
	name := "var" + strconv.Itoa(b.nextVar)
	b.vars[name] = &varobj{v: v, path: v.Name}
	return done(fmt.Sprintf(`name="%s",numchild="%d",value=%s,type=%s,thread-id="1",has_more="0"`,
		name, len(v.Children), quote(v.Value), quote(v.Type)))
}

func (b *Backend) varListChildren(args []string) []string {
	name := args[len(args)-1]
	vo, ok := b.vars[name]
	if !ok {
		return failure("Variable object not found")
	}
	cs := make([]string, 0, len(vo.v.Children))
	for i := range vo.v.Children {
		c := &vo.v.Children[i]
		cname := name + "." + c.Name
		b.vars[cname] = &varobj{v: c, path: "(" + vo.path + ")." + c.Name}
		cs = append(cs, fmt.Sprintf(`child={name="%s",exp="%s",numchild="%d",value=%s,type=%s,thread-id="1"}`,
			cname, c.Name, len(c.Children), quote(c.Value), quote(c.Type)))
	}
	return done(fmt.Sprintf(`numchild="%d",children=[%s],has_more="0"`, len(cs), strings.Join(cs, ",")))
}

func (b *Backend) varAssign(args []string) []string {
	if len(args) != 2 {
		return failure("-var-assign: Usage: NAME EXPRESSION.")
	}
	vo, ok := b.vars[args[0]]
	if !ok {
		return failure("Variable object not found")
	}
	if len(vo.v.Children) > 0 {
		return failure("-var-assign: Variable object is not editable")
	}
	value := strings.TrimSpace(args[1])
	if vo.v.Type == "int" {
		n, err := strconv.ParseInt(value, 0, 64)
		if err != nil {
			return failure("No symbol \"" + value + "\" in current context.")
		}
		value = strconv.FormatInt(n, 10)
	}
	vo.v.Value = value
	return done("value=" + quote(value))
}

func (b *Backend) varDelete(args []string) []string {
	name := args[len(args)-1]
	if _, ok := b.vars[name]; !ok {
		return failure("Variable object not found")
	}
	n := 0
	for k := range b.vars {
		if k == name || strings.HasPrefix(k, name+".") {
			delete(b.vars, k)
			n++
		}
	}
	return done(fmt.Sprintf(`ndeleted="%d"`, n))
}

// splitCommand splits an MI command line into its operation and
// arguments, unquoting c-strings.
func splitCommand(text string) (string, []string) {
	var fields []string
	for i := 0; i < len(text); {
		switch {
		case text[i] == ' ':
			i++
		case text[i] == '"':
			var sb strings.Builder
			j := i + 1
			for ; j < len(text) && text[j] != '"'; j++ {
				if text[j] == '\\' && j+1 < len(text) {
					j++
					switch text[j] {
					case 'n':
						sb.WriteByte('\n')
					case 't':
						sb.WriteByte('\t')
					default:
						sb.WriteByte(text[j])
					}
					continue
				}
				sb.WriteByte(text[j])
			}
			fields = append(fields, sb.String())
			i = j + 1
		default:
			j := i
			for j < len(text) && text[j] != ' ' {
				j++
			}
			fields = append(fields, text[i:j])
			i = j
		}
	}
	if len(fields) == 0 {
		return "", nil
	}
	return strings.TrimPrefix(fields[0], "-"), fields[1:]
}
