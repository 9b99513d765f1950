package engine

import (
	"fmt"
	"sync"
)

// EventKind identifies the type of an Event.
type EventKind uint8

const (
	KindStateChanged EventKind = iota
	KindStopped
	KindBreakpointsChanged
	KindVariableCreated
	KindVariableUnfolded
	KindVariableAssigned
	KindProgramFinished
	KindEngineDied
	KindCommandDone
	KindThreadSelected
	KindOutput
	numEventKinds
)

var eventKindNames = [...]string{
	KindStateChanged:       "state-changed",
	KindStopped:            "stopped",
	KindBreakpointsChanged: "breakpoints-changed",
	KindVariableCreated:    "variable-created",
	KindVariableUnfolded:   "variable-unfolded",
	KindVariableAssigned:   "variable-assigned",
	KindProgramFinished:    "program-finished",
	KindEngineDied:         "engine-died",
	KindCommandDone:        "command-done",
	KindThreadSelected:     "thread-selected",
	KindOutput:             "output",
}

func (k EventKind) String() string {
	if k < numEventKinds {
		return eventKindNames[k]
	}
	return fmt.Sprintf("EventKind(%d)", k)
}

// Event is published by the engine through its Dispatcher. Cookie is the
// cookie of the command that triggered the event, empty for spontaneous
// backend events.
type Event interface {
	Kind() EventKind
	Cookie() string
}

// StateChanged is published on every session state transition.
type StateChanged struct {
	Old, New State
	Session  Session
	cookie   string
}

// ProgramStopped is published when the program stops for any reason
// other than exiting.
type ProgramStopped struct {
	Reason   string
	Frame    *Frame
	ThreadID string
	// Breakpoint is the number of the breakpoint that was hit, zero if the
	// stop was not caused by a breakpoint.
	Breakpoint int
	// Signal is the name of the signal received, if any.
	Signal string
	// CountPoint is set when Breakpoint is a count point. The backend
	// resumes the program by itself right after.
	CountPoint bool
	cookie     string
}

// HasFrame reports whether the stop location is known.
func (ev ProgramStopped) HasFrame() bool { return ev.Frame != nil }

// BreakpointsChanged carries the full breakpoint table after a change.
type BreakpointsChanged struct {
	Breakpoints []Breakpoint
	// Affected lists the numbers that were added, modified or removed.
	Affected []int
	cookie   string
}

// VariableCreated is published when a root variable object was created.
type VariableCreated struct {
	Variable Variable
	cookie   string
}

// VariableUnfolded is published when the children of a variable object
// were fetched.
type VariableUnfolded struct {
	Parent   Variable
	Children []Variable
	cookie   string
}

// VariableAssigned is published after an assignment, with the value the
// backend reported back.
type VariableAssigned struct {
	Variable Variable
	cookie   string
}

// ProgramFinished is published when the debugged program exits.
type ProgramFinished struct {
	Reason   string
	ExitCode int
	cookie   string
}

// EngineDied is published once when the transport to the backend is lost.
type EngineDied struct {
	Err error
}

// CommandDone is published after the continuation of a command ran.
type CommandDone struct {
	Command string
	Err     error
	cookie  string
}

// ThreadSelected is published when the current thread changes.
type ThreadSelected struct {
	ThreadID string
	Frame    *Frame
	cookie   string
}

// Output carries text the backend wrote on one of its streams.
type Output struct {
	Stream OutputStream
	Text   string
}

// OutputStream identifies the origin of Output text.
type OutputStream uint8

const (
	ConsoleOutput OutputStream = iota
	TargetOutput
	LogOutput
)

func (s OutputStream) String() string {
	switch s {
	case ConsoleOutput:
		return "console"
	case TargetOutput:
		return "target"
	case LogOutput:
		return "log"
	}
	return "unknown"
}

func (StateChanged) Kind() EventKind       { return KindStateChanged }
func (ProgramStopped) Kind() EventKind     { return KindStopped }
func (BreakpointsChanged) Kind() EventKind { return KindBreakpointsChanged }
func (VariableCreated) Kind() EventKind    { return KindVariableCreated }
func (VariableUnfolded) Kind() EventKind   { return KindVariableUnfolded }
func (VariableAssigned) Kind() EventKind   { return KindVariableAssigned }
func (ProgramFinished) Kind() EventKind    { return KindProgramFinished }
func (EngineDied) Kind() EventKind         { return KindEngineDied }
func (CommandDone) Kind() EventKind        { return KindCommandDone }
func (ThreadSelected) Kind() EventKind     { return KindThreadSelected }
func (Output) Kind() EventKind             { return KindOutput }

func (ev StateChanged) Cookie() string       { return ev.cookie }
func (ev ProgramStopped) Cookie() string     { return ev.cookie }
func (ev BreakpointsChanged) Cookie() string { return ev.cookie }
func (ev VariableCreated) Cookie() string    { return ev.cookie }
func (ev VariableUnfolded) Cookie() string   { return ev.cookie }
func (ev VariableAssigned) Cookie() string   { return ev.cookie }
func (ev ProgramFinished) Cookie() string    { return ev.cookie }
func (EngineDied) Cookie() string            { return "" }
func (ev CommandDone) Cookie() string        { return ev.cookie }
func (ev ThreadSelected) Cookie() string     { return ev.cookie }
func (Output) Cookie() string                { return "" }

// Handler receives published events.
type Handler func(Event)

type subscription struct {
	fn     Handler
	active bool
}

// Dispatcher fans events out to subscribers. Handlers run synchronously,
// in registration order, on the goroutine calling Publish.
//
// Subscribe and the returned unsubscribe function may be called from any
// goroutine, including from inside a handler.
type Dispatcher struct {
	mu   sync.Mutex
	subs [numEventKinds][]*subscription
}

// NewDispatcher returns an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

// Subscribe registers fn for events of the given kinds, or for every kind
// if none is given. The returned function removes the subscription; it is
// idempotent.
func (d *Dispatcher) Subscribe(fn Handler, kinds ...EventKind) (unsubscribe func()) {
	if len(kinds) == 0 {
		for k := EventKind(0); k < numEventKinds; k++ {
			kinds = append(kinds, k)
		}
	}
	s := &subscription{fn: fn, active: true}
	d.mu.Lock()
	for _, k := range kinds {
		d.subs[k] = append(d.subs[k], s)
	}
	d.mu.Unlock()
	return func() { d.unsubscribe(s, kinds) }
}

func (d *Dispatcher) unsubscribe(s *subscription, kinds []EventKind) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !s.active {
		return
	}
	s.active = false
	for _, k := range kinds {
		old := d.subs[k]
		// Copy so that a Publish iterating over the old slice is unaffected.
		subs := make([]*subscription, 0, len(old))
		for _, o := range old {
			if o != s {
				subs = append(subs, o)
			}
		}
		d.subs[k] = subs
	}
}

// Publish delivers ev to the subscribers of its kind. A subscriber
// removed while ev is being delivered does not receive it.
func (d *Dispatcher) Publish(ev Event) {
	k := ev.Kind()
	if k >= numEventKinds {
		return
	}
	d.mu.Lock()
	subs := d.subs[k]
	d.mu.Unlock()
	for _, s := range subs {
		d.mu.Lock()
		active := s.active
		d.mu.Unlock()
		if active {
			s.fn(ev)
		}
	}
}

// Len returns the number of subscribers for kind.
func (d *Dispatcher) Len(kind EventKind) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs[kind])
}
