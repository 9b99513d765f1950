package engine

import (
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/dbgfront/dbgfront/pkg/mi"
)

// Breakpoint is an entry of the breakpoint table. Number is assigned by
// the backend and identifies the breakpoint.
type Breakpoint struct {
	Number   int
	File     string
	FullName string
	Line     int
	Function string
	Address  string
	// OriginalLocation is the location as it was requested.
	OriginalLocation string
	Condition        string
	Enabled          bool
	// IsCountPoint is set for breakpoints that only count hits: the
	// program continues automatically after each hit.
	IsCountPoint bool
	HitCount     int
	// Locations lists the code locations of a breakpoint that resolved to
	// more than one, e.g. a template or an inlined function. File, Line
	// and Function then describe the first one.
	Locations []BreakpointLocation
}

// BreakpointLocation is one resolved location of a breakpoint.
type BreakpointLocation struct {
	// ID is the backend's dotted number, e.g. "1.2".
	ID       string
	Enabled  bool
	Address  string
	Function string
	File     string
	FullName string
	Line     int
}

func (bp *Breakpoint) addLocation(loc BreakpointLocation) {
	if len(bp.Locations) == 0 && bp.File == "" && bp.Function == "" {
		bp.File = loc.File
		bp.FullName = loc.FullName
		bp.Line = loc.Line
		bp.Function = loc.Function
	}
	bp.Locations = append(bp.Locations, loc)
}

func sameBreakpoint(a, b Breakpoint) bool {
	return reflect.DeepEqual(a, b)
}

// BreakpointHandler receives the outcome of a breakpoint creation.
type BreakpointHandler func(*Breakpoint, error)

type bpKey struct {
	file     string
	line     int
	function string
}

func (k bpKey) location() string {
	if k.function != "" {
		return k.function
	}
	return k.file + ":" + strconv.Itoa(k.line)
}

type pendingBreakpoint struct {
	key        bpKey
	condition  string
	countPoint bool
	cookie     string
	waiters    []BreakpointHandler
}

type breakpointTable struct {
	entries map[int]*Breakpoint
	// order is the display order of entries.
	order []int
	// requested maps locations set through the engine to their numbers.
	requested map[bpKey]int
	pending   map[bpKey]*pendingBreakpoint
	byCookie  map[string]*pendingBreakpoint
}

func newBreakpointTable() *breakpointTable {
	return &breakpointTable{
		entries:   make(map[int]*Breakpoint),
		requested: make(map[bpKey]int),
		pending:   make(map[bpKey]*pendingBreakpoint),
		byCookie:  make(map[string]*pendingBreakpoint),
	}
}

func (t *breakpointTable) put(bp Breakpoint) {
	if old, ok := t.entries[bp.Number]; ok {
		*old = bp
		return
	}
	b := bp
	t.entries[bp.Number] = &b
	t.order = append(t.order, bp.Number)
}

func (t *breakpointTable) remove(n int) bool {
	if _, ok := t.entries[n]; !ok {
		return false
	}
	delete(t.entries, n)
	for i, o := range t.order {
		if o == n {
			t.order = append(t.order[:i:i], t.order[i+1:]...)
			break
		}
	}
	for k, v := range t.requested {
		if v == n {
			delete(t.requested, k)
		}
	}
	return true
}

func (t *breakpointTable) list() []Breakpoint {
	r := make([]Breakpoint, 0, len(t.order))
	for _, n := range t.order {
		r = append(r, *t.entries[n])
	}
	return r
}

func (t *breakpointTable) lookup(k bpKey) (int, bool) {
	if n, ok := t.requested[k]; ok {
		if _, live := t.entries[n]; live {
			return n, true
		}
	}
	for _, n := range t.order {
		bp := t.entries[n]
		if k.function != "" {
			if bp.Function == k.function || bp.OriginalLocation == k.function {
				return n, true
			}
			continue
		}
		if bp.Line == k.line && (bp.File == k.file || bp.FullName == k.file) {
			return n, true
		}
	}
	return 0, false
}

func (t *breakpointTable) hit(n int) {
	if bp, ok := t.entries[n]; ok {
		bp.HitCount++
	}
}

func (t *breakpointTable) failPending(err error) {
	pending := t.pending
	t.pending = make(map[bpKey]*pendingBreakpoint)
	t.byCookie = make(map[string]*pendingBreakpoint)
	for _, p := range pending {
		for _, k := range p.waiters {
			k(nil, err)
		}
	}
}

func parseBreakpoint(t mi.Tuple) (Breakpoint, bool) {
	n, ok := t.Int("number")
	if !ok {
		return Breakpoint{}, false
	}
	bp := Breakpoint{
		Number:           n,
		File:             t.String("file"),
		FullName:         t.String("fullname"),
		Function:         t.String("func"),
		Address:          t.String("addr"),
		OriginalLocation: t.String("original-location"),
		Condition:        t.String("cond"),
		Enabled:          t.String("enabled") != "n",
	}
	bp.Line, _ = t.Int("line")
	bp.HitCount, _ = t.Int("times")
	if bp.Address == "<MULTIPLE>" {
		bp.Address = ""
	}
	for _, cmd := range t.List("script").Strings() {
		if cmd == "continue" {
			bp.IsCountPoint = true
		}
	}
	for _, loc := range t.List("locations").Tuples() {
		bp.addLocation(parseLocation(loc))
	}
	return bp, true
}

func parseLocation(t mi.Tuple) BreakpointLocation {
	loc := BreakpointLocation{
		ID:       t.String("number"),
		Enabled:  t.String("enabled") != "n",
		Address:  t.String("addr"),
		Function: t.String("func"),
		File:     t.String("file"),
		FullName: t.String("fullname"),
	}
	loc.Line, _ = t.Int("line")
	return loc
}

// parseBreakpoints parses breakpoint rows. Rows with a dotted number are
// locations of the breakpoint before them.
func parseBreakpoints(rows []mi.Tuple) []Breakpoint {
	var r []Breakpoint
	for _, row := range rows {
		if id := row.String("number"); strings.Contains(id, ".") {
			if len(r) > 0 && strings.HasPrefix(id, strconv.Itoa(r[len(r)-1].Number)+".") {
				r[len(r)-1].addLocation(parseLocation(row))
			}
			continue
		}
		if bp, ok := parseBreakpoint(row); ok {
			r = append(r, bp)
		}
	}
	return r
}

// resultBreakpoint parses the breakpoint of a break-insert reply or of a
// breakpoint notification, with the location tuples following it.
func resultBreakpoint(results mi.Tuple) (Breakpoint, bool) {
	var rows []mi.Tuple
	for _, r := range results {
		if r.Name != "bkpt" && r.Name != "" {
			continue
		}
		if t, ok := r.Value.(mi.Tuple); ok {
			rows = append(rows, t)
		}
	}
	bps := parseBreakpoints(rows)
	if len(bps) == 0 {
		return Breakpoint{}, false
	}
	return bps[0], true
}

// Breakpoints returns the breakpoint table in display order.
func (e *Engine) Breakpoints() []Breakpoint {
	return e.bps.list()
}

// Breakpoint returns the breakpoint numbered n.
func (e *Engine) Breakpoint(n int) (Breakpoint, bool) {
	bp, ok := e.bps.entries[n]
	if !ok {
		return Breakpoint{}, false
	}
	return *bp, true
}

// LookupByLocation returns the number of the breakpoint at file:line.
// file may be the name the backend reports or the full path.
func (e *Engine) LookupByLocation(file string, line int) (int, bool) {
	return e.bps.lookup(bpKey{file: file, line: line})
}

// LookupByFunction returns the number of the breakpoint set on function.
func (e *Engine) LookupByFunction(function string) (int, bool) {
	return e.bps.lookup(bpKey{function: function})
}

// SetByLocation sets a breakpoint at file:line. If one is already set
// there, k receives it and no command is sent. If an identical request is
// still pending, k joins it. A non-empty condition makes the breakpoint
// conditional; a count point lets the program continue after each hit.
//
// k may run before SetByLocation returns.
func (e *Engine) SetByLocation(file string, line int, condition string, countPoint bool, cookie string, k BreakpointHandler) error {
	return e.setBreakpoint(bpKey{file: file, line: line}, condition, countPoint, cookie, k)
}

// SetByFunction sets a breakpoint at the entry of function. It behaves
// like SetByLocation.
func (e *Engine) SetByFunction(function string, condition string, countPoint bool, cookie string, k BreakpointHandler) error {
	return e.setBreakpoint(bpKey{function: function}, condition, countPoint, cookie, k)
}

func (e *Engine) setBreakpoint(key bpKey, condition string, countPoint bool, cookie string, k BreakpointHandler) error {
	if err := e.checkState("set breakpoint", NotStarted, Stopped); err != nil {
		return err
	}
	if err := e.checkCookie(cookie); err != nil {
		return err
	}
	t := e.bps
	if n, ok := t.lookup(key); ok {
		if k != nil {
			bp := *t.entries[n]
			k(&bp, nil)
		}
		return nil
	}
	if p, ok := t.pending[key]; ok {
		if k != nil {
			p.waiters = append(p.waiters, k)
		}
		return nil
	}

	args := []string{}
	if condition != "" {
		args = append(args, "-c", condition)
	}
	args = append(args, key.location())
	p := &pendingBreakpoint{key: key, condition: condition, countPoint: countPoint}
	if k != nil {
		p.waiters = append(p.waiters, k)
	}
	var sent string
	sent, err := e.Send(mi.NewCommand("break-insert", args...), cookie, func(r *Reply, err error) {
		e.confirmBreakpoint(sent, r, err)
	})
	if err != nil {
		return err
	}
	p.cookie = sent
	t.pending[key] = p
	t.byCookie[sent] = p
	return nil
}

// confirmBreakpoint promotes the pending breakpoint created by the
// command with cookie.
func (e *Engine) confirmBreakpoint(cookie string, r *Reply, err error) {
	t := e.bps
	p, ok := t.byCookie[cookie]
	if !ok {
		if err == nil {
			e.protocolError(cookie, "breakpoint confirmation without a pending breakpoint")
		}
		return
	}
	delete(t.byCookie, cookie)
	delete(t.pending, p.key)

	settle := func(bp *Breakpoint, err error) {
		for _, k := range p.waiters {
			if bp != nil {
				c := *bp
				k(&c, err)
			} else {
				k(nil, err)
			}
		}
	}
	if err != nil {
		settle(nil, err)
		return
	}
	bp, ok := resultBreakpoint(r.Results)
	if !ok {
		perr := &ProtocolError{Line: cookie, Reason: "break-insert reply without a breakpoint number"}
		protocolErrors.Inc()
		e.log.Error(perr)
		settle(nil, perr)
		return
	}
	if bp.OriginalLocation == "" {
		bp.OriginalLocation = p.key.location()
	}
	t.put(bp)
	t.requested[p.key] = bp.Number

	if !p.countPoint {
		e.publishBreakpoints(cookie, bp.Number)
		settle(&bp, nil)
		return
	}
	err = e.send(mi.NewCommand("break-commands", strconv.Itoa(bp.Number), "continue"), "", func(_ *Reply, err error) {
		entry, live := t.entries[bp.Number]
		if err == nil && live {
			entry.IsCountPoint = true
		}
		e.publishBreakpoints(cookie, bp.Number)
		if live {
			settle(entry, err)
		} else {
			settle(nil, ErrUnknownBreakpoint)
		}
	})
	if err != nil {
		e.publishBreakpoints(cookie, bp.Number)
		settle(&bp, err)
	}
}

func (e *Engine) publishBreakpoints(cookie string, affected ...int) {
	e.events.Publish(BreakpointsChanged{
		Breakpoints: e.bps.list(),
		Affected:    affected,
		cookie:      cookie,
	})
}

// breakpointOp sends a command that changes breakpoint n and applies
// update to the table entry once the backend accepted it.
func (e *Engine) breakpointOp(op string, n int, cmd mi.Command, update func(*Breakpoint), cookie string, done Done) error {
	if err := e.checkState(op, NotStarted, Stopped); err != nil {
		return err
	}
	if err := e.checkCookie(cookie); err != nil {
		return err
	}
	if _, ok := e.bps.entries[n]; !ok {
		return ErrUnknownBreakpoint
	}
	var sent string
	sent, err := e.Send(cmd, cookie, func(_ *Reply, err error) {
		if err != nil {
			done.call(err)
			return
		}
		if bp, ok := e.bps.entries[n]; ok {
			if update != nil {
				update(bp)
			} else {
				e.bps.remove(n)
			}
			e.publishBreakpoints(sent, n)
		}
		done.call(nil)
	})
	return err
}

// Delete deletes breakpoint n.
func (e *Engine) Delete(n int, cookie string, done Done) error {
	return e.breakpointOp("delete breakpoint", n, mi.NewCommand("break-delete", strconv.Itoa(n)), nil, cookie, done)
}

// DeleteByLocation deletes the breakpoint at file:line.
func (e *Engine) DeleteByLocation(file string, line int, cookie string, done Done) error {
	n, ok := e.LookupByLocation(file, line)
	if !ok {
		if err := e.checkState("delete breakpoint", NotStarted, Stopped); err != nil {
			return err
		}
		return ErrUnknownBreakpoint
	}
	return e.Delete(n, cookie, done)
}

// Enable enables breakpoint n.
func (e *Engine) Enable(n int, cookie string, done Done) error {
	return e.breakpointOp("enable breakpoint", n, mi.NewCommand("break-enable", strconv.Itoa(n)), func(bp *Breakpoint) {
		bp.Enabled = true
	}, cookie, done)
}

// Disable disables breakpoint n.
func (e *Engine) Disable(n int, cookie string, done Done) error {
	return e.breakpointOp("disable breakpoint", n, mi.NewCommand("break-disable", strconv.Itoa(n)), func(bp *Breakpoint) {
		bp.Enabled = false
	}, cookie, done)
}

// SetCondition replaces the condition of breakpoint n. An empty condition
// makes the breakpoint unconditional.
func (e *Engine) SetCondition(n int, condition string, cookie string, done Done) error {
	args := []string{strconv.Itoa(n)}
	if condition != "" {
		args = append(args, condition)
	}
	return e.breakpointOp("set breakpoint condition", n, mi.NewCommand("break-condition", args...), func(bp *Breakpoint) {
		bp.Condition = condition
	}, cookie, done)
}

// Refresh replaces the breakpoint table with the one the backend reports.
func (e *Engine) Refresh(cookie string, k func([]Breakpoint, error)) error {
	if err := e.checkState("list breakpoints", NotStarted, Stopped); err != nil {
		return err
	}
	if err := e.checkCookie(cookie); err != nil {
		return err
	}
	var sent string
	sent, err := e.Send(mi.NewCommand("break-list"), cookie, func(r *Reply, err error) {
		if err != nil {
			if k != nil {
				k(nil, err)
			}
			return
		}
		affected := e.bps.replace(r.Results.Tuple("BreakpointTable").List("body").Tuples())
		if len(affected) > 0 {
			e.publishBreakpoints(sent, affected...)
		}
		if k != nil {
			k(e.bps.list(), nil)
		}
	})
	return err
}

// replace makes the table match rows and returns the numbers that
// changed.
func (t *breakpointTable) replace(rows []mi.Tuple) []int {
	seen := make(map[int]bool)
	var affected []int
	for _, bp := range parseBreakpoints(rows) {
		seen[bp.Number] = true
		if old, ok := t.entries[bp.Number]; ok {
			if sameBreakpoint(*old, bp) {
				continue
			}
		}
		t.put(bp)
		affected = append(affected, bp.Number)
	}
	for _, n := range append([]int(nil), t.order...) {
		if !seen[n] {
			t.remove(n)
			affected = append(affected, n)
		}
	}
	return affected
}

// Import restores a previously known set of breakpoints. The table is
// first refreshed from the backend; only the entries of bps that do not
// match an existing breakpoint are created, and those saved disabled are
// disabled once created. done runs once every creation settled, with the
// first error encountered.
func (e *Engine) Import(bps map[int]Breakpoint, cookie string, done Done) error {
	return e.Refresh(cookie, func(_ []Breakpoint, err error) {
		if err != nil {
			done.call(err)
			return
		}
		numbers := make([]int, 0, len(bps))
		for n := range bps {
			numbers = append(numbers, n)
		}
		sort.Ints(numbers)

		outstanding := 1
		var firstErr error
		settle := func(err error) {
			if err != nil && firstErr == nil {
				firstErr = err
			}
			outstanding--
			if outstanding == 0 {
				done.call(firstErr)
			}
		}
		for _, n := range numbers {
			bp := bps[n]
			key := bpKey{function: bp.Function}
			if bp.File != "" && bp.Line > 0 {
				key = bpKey{file: bp.File, line: bp.Line}
			} else if bp.Function == "" {
				continue
			}
			if _, exists := e.bps.lookup(key); exists {
				continue
			}
			if _, pending := e.bps.pending[key]; pending {
				continue
			}
			outstanding++
			err := e.setBreakpoint(key, bp.Condition, bp.IsCountPoint, "", func(created *Breakpoint, err error) {
				if err != nil || bp.Enabled || !created.Enabled {
					settle(err)
					return
				}
				if err := e.Disable(created.Number, "", settle); err != nil {
					settle(err)
				}
			})
			if err != nil {
				settle(err)
			}
		}
		settle(nil)
	})
}

func (t *breakpointTable) notifyCreated(e *Engine, results mi.Tuple) {
	bp, ok := resultBreakpoint(results)
	if !ok {
		return
	}
	if _, exists := t.entries[bp.Number]; exists {
		return
	}
	t.put(bp)
	e.publishBreakpoints("", bp.Number)
}

func (t *breakpointTable) notifyModified(e *Engine, results mi.Tuple) {
	bp, ok := resultBreakpoint(results)
	if !ok {
		return
	}
	if old, exists := t.entries[bp.Number]; exists {
		if !bp.IsCountPoint {
			bp.IsCountPoint = old.IsCountPoint
		}
		if bp.OriginalLocation == "" {
			bp.OriginalLocation = old.OriginalLocation
		}
		if sameBreakpoint(*old, bp) {
			return
		}
	}
	t.put(bp)
	e.publishBreakpoints("", bp.Number)
}

func (t *breakpointTable) notifyDeleted(e *Engine, id string) {
	n, err := strconv.Atoi(id)
	if err != nil {
		return
	}
	if t.remove(n) {
		e.publishBreakpoints("", n)
	}
}
