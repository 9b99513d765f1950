package logflags

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

var engine = false
var miWire = false
var dap = false
var terminal = false
var transport = false

var logOut io.WriteCloser

func makeLogger(level logrus.Level, fields Fields) Logger {
	if lf := loggerFactory; lf != nil {
		return lf(level, fields, logOut)
	}
	logger := logrus.New().WithFields(logrus.Fields(fields))
	logger.Logger.Formatter = DefaultFormatter()
	if logOut != nil {
		logger.Logger.Out = logOut
	}
	logger.Logger.Level = level
	return &logrusLogger{logger}
}

func makeFlaggableLogger(flag bool, fields Fields) Logger {
	if flag {
		return makeLogger(logrus.DebugLevel, fields)
	}
	return makeLogger(logrus.ErrorLevel, fields)
}

// Engine returns true if the engine package should log state
// transitions and correlator decisions.
func Engine() bool {
	return engine
}

// EngineLogger returns a logger for the engine package.
// Protocol errors are logged at error level, so they are visible even when
// the engine component was not selected.
func EngineLogger() Logger {
	return makeFlaggableLogger(engine, Fields{"layer": "engine"})
}

// MIWire returns true if every line exchanged with the backend should be
// logged.
func MIWire() bool {
	return miWire
}

// MIWireLogger returns a configured logger for the GDB/MI wire protocol.
func MIWireLogger() Logger {
	return makeFlaggableLogger(miWire, Fields{"layer": "miwire"})
}

// DAP returns true if DAP messages should be logged.
func DAP() bool {
	return dap
}

// DAPLogger returns a logger for dap messages.
func DAPLogger() Logger {
	return makeFlaggableLogger(dap, Fields{"layer": "dap"})
}

// Terminal returns true if the terminal package should log.
func Terminal() bool {
	return terminal
}

// TerminalLogger returns a logger for the terminal package.
func TerminalLogger() Logger {
	return makeFlaggableLogger(terminal, Fields{"layer": "terminal"})
}

// Transport returns true if the backend process lifecycle should be logged.
func Transport() bool {
	return transport
}

// TransportLogger returns a logger for the transport package.
func TransportLogger() Logger {
	return makeFlaggableLogger(transport, Fields{"layer": "transport"})
}

// WriteDAPListeningMessage writes the "DAP server listening" message in dap mode.
func WriteDAPListeningMessage(addr string) {
	writeListeningMessage("DAP", addr)
}

func writeListeningMessage(server string, addr string) {
	msg := fmt.Sprintf("%s server listening at: %s", server, addr)
	if logOut != nil {
		fmt.Fprintln(logOut, msg)
	} else {
		fmt.Println(msg)
	}
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets debugger flags based on the contents of logstr.
// If logDest is not empty logs will be redirected to the file descriptor or
// file path specified by logDest.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "dbgfront-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %v", err)
			}
			logOut = fh
		}
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "engine"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		// If adding another value, do make sure to
		// update "Help about logging flags" in commands.go.
		switch logcmd {
		case "engine":
			engine = true
		case "miwire":
			miWire = true
		case "dap":
			dap = true
		case "terminal":
			terminal = true
		case "transport":
			transport = true
		default:
			fmt.Fprintf(os.Stderr, "Warning: unknown log output value %q, run 'dbgfront help log' for usage.\n", logcmd)
		}
	}
	return nil
}

// Close closes the logger output.
func Close() {
	if logOut != nil {
		logOut.Close()
	}
}

// DefaultFormatter provides a simplified version of logrus.TextFormatter that
// doesn't make logs unreadable when they are output to a text file or to a
// terminal that doesn't support colors.
func DefaultFormatter() logrus.Formatter {
	return textFormatterInstance
}

type textFormatter struct {
}

var textFormatterInstance = &textFormatter{}

func (f *textFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b *bytes.Buffer
	if entry.Buffer != nil {
		b = entry.Buffer
	} else {
		b = &bytes.Buffer{}
	}

	fmt.Fprintf(b, "%s %s ", entry.Time.Format("2006-01-02T15:04:05Z07:00"), entry.Level)
	for k, v := range entry.Data {
		fmt.Fprintf(b, "%s=%v ", k, v)
	}
	b.WriteString(entry.Message)
	b.WriteByte('\n')
	return b.Bytes(), nil
}
