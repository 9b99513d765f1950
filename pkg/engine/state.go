package engine

import (
	"strconv"

	"github.com/dbgfront/dbgfront/pkg/mi"
)

// State is the lifecycle state of a debug session.
type State uint8

const (
	NotStarted State = iota
	Running
	Stopped
	Exited
	Dead
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not-started"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	case Exited:
		return "exited"
	case Dead:
		return "dead"
	}
	return "State(" + strconv.Itoa(int(s)) + ")"
}

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	return s == Exited || s == Dead
}

// Session is a snapshot of the session state.
type Session struct {
	// ID identifies the session in logs and metrics.
	ID    string
	State State
	// ThreadID is the current thread, empty if unknown.
	ThreadID   string
	FrameLevel int
	// Frame is the current frame while stopped, nil if unknown.
	Frame      *Frame
	StopReason string
	ExitCode   int
	// Pid is the process id of the debugged program, zero until the
	// backend reports it.
	Pid int
}

// Frame is a stack frame as reported by the backend.
type Frame struct {
	Level    int
	Addr     string
	Func     string
	File     string
	FullName string
	Line     int
	From     string
}

// Thread describes one thread of the debugged program.
type Thread struct {
	ID       string
	TargetID string
	Name     string
	State    string
	Core     string
	Frame    *Frame
	Current  bool
}

// FrameVariable is a local variable or argument visible in a frame.
type FrameVariable struct {
	Name string
	Arg  bool
}

func parseFrame(t mi.Tuple) *Frame {
	if t == nil {
		return nil
	}
	f := &Frame{
		Addr:     t.String("addr"),
		Func:     t.String("func"),
		File:     t.String("file"),
		FullName: t.String("fullname"),
		From:     t.String("from"),
	}
	f.Level, _ = t.Int("level")
	f.Line, _ = t.Int("line")
	return f
}

func parseThread(t mi.Tuple, current string) Thread {
	th := Thread{
		ID:       t.String("id"),
		TargetID: t.String("target-id"),
		Name:     t.String("name"),
		State:    t.String("state"),
		Core:     t.String("core"),
		Frame:    parseFrame(t.Tuple("frame")),
	}
	th.Current = th.ID == current
	return th
}
