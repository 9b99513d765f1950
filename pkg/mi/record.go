// Package mi implements the GDB/MI wire format: parsing of output records
// emitted by the backend and formatting of input commands.
package mi

import (
	"fmt"
	"strconv"
)

// Kind is the nature of an output record.
type Kind uint8

const (
	ResultRecord Kind = iota
	ExecAsync
	StatusAsync
	NotifyAsync
	ConsoleStream
	TargetStream
	LogStream
	Prompt
)

var kindNames = [...]string{
	ResultRecord:  "result",
	ExecAsync:     "exec-async",
	StatusAsync:   "status-async",
	NotifyAsync:   "notify-async",
	ConsoleStream: "console-stream",
	TargetStream:  "target-stream",
	LogStream:     "log-stream",
	Prompt:        "prompt",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// IsAsync reports whether records of this kind are out-of-band
// notifications.
func (k Kind) IsAsync() bool {
	return k == ExecAsync || k == StatusAsync || k == NotifyAsync
}

// IsStream reports whether records of this kind carry stream text.
func (k Kind) IsStream() bool {
	return k == ConsoleStream || k == TargetStream || k == LogStream
}

// Result classes of a result record.
const (
	ClassDone      = "done"
	ClassRunning   = "running"
	ClassConnected = "connected"
	ClassError     = "error"
	ClassExit      = "exit"
)

// A Record is one parsed line of backend output.
type Record struct {
	// Token is the numeric prefix echoed by the backend, empty if the
	// record carried none.
	Token string
	Kind  Kind
	// Class is the result or async class, e.g. "done" or "stopped".
	Class   string
	Results Tuple
	// Stream is the decoded text of a stream record.
	Stream string
}

// TokenValue returns the numeric token of the record.
func (r *Record) TokenValue() (uint64, bool) {
	if r.Token == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(r.Token, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Value is a GDB/MI value: a Const, a Tuple, a List or, inside a list, a
// named Result.
type Value interface {
	isValue()
}

// Const is a c-string constant, already unescaped.
type Const string

// Result is a name=value pair.
type Result struct {
	Name  string
	Value Value
}

// Tuple is an ordered sequence of results, written {a=...,b=...}.
type Tuple []Result

// List is an ordered sequence of values or of results, written [...].
type List []Value

func (Const) isValue()  {}
func (Result) isValue() {}
func (Tuple) isValue()  {}
func (List) isValue()   {}

// Get returns the first value named name.
func (t Tuple) Get(name string) (Value, bool) {
	for _, r := range t {
		if r.Name == name {
			return r.Value, true
		}
	}
	return nil, false
}

// String returns the constant named name, or "" if there is none.
func (t Tuple) String(name string) string {
	v, _ := t.Get(name)
	if c, ok := v.(Const); ok {
		return string(c)
	}
	return ""
}

// Has reports whether t contains a value named name.
func (t Tuple) Has(name string) bool {
	_, ok := t.Get(name)
	return ok
}

// Int returns the constant named name parsed as a decimal integer.
func (t Tuple) Int(name string) (int, bool) {
	s := t.String(name)
	if s == "" {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Tuple returns the tuple named name. A tuple is also accepted where
// the backend emitted an empty list.
func (t Tuple) Tuple(name string) Tuple {
	v, _ := t.Get(name)
	switch v := v.(type) {
	case Tuple:
		return v
	case List:
		if len(v) == 0 {
			return Tuple{}
		}
	}
	return nil
}

// List returns the list named name. Older backends emit some lists as
// tuples; those are converted.
func (t Tuple) List(name string) List {
	v, _ := t.Get(name)
	switch v := v.(type) {
	case List:
		return v
	case Tuple:
		l := make(List, len(v))
		for i := range v {
			l[i] = v[i]
		}
		return l
	}
	return nil
}

// Tuples returns the elements of l that are tuples, unwrapping named
// results such as frame={...}.
func (l List) Tuples() []Tuple {
	r := make([]Tuple, 0, len(l))
	for _, v := range l {
		if res, ok := v.(Result); ok {
			v = res.Value
		}
		if t, ok := v.(Tuple); ok {
			r = append(r, t)
		}
	}
	return r
}

// Strings returns the elements of l that are constants.
func (l List) Strings() []string {
	r := make([]string, 0, len(l))
	for _, v := range l {
		if res, ok := v.(Result); ok {
			v = res.Value
		}
		if c, ok := v.(Const); ok {
			r = append(r, string(c))
		}
	}
	return r
}
