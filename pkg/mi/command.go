package mi

import (
	"fmt"
	"strconv"
	"strings"
)

// Command is a GDB/MI input command: an operation name without the
// leading dash, followed by options and parameters.
type Command struct {
	Operation string
	Args      []string
}

// NewCommand returns a command for operation with the given arguments.
// Options and parameters are passed in the order the backend expects
// them, e.g. NewCommand("break-insert", "-c", "x > 1", "main.c:10").
func NewCommand(operation string, args ...string) Command {
	return Command{Operation: strings.TrimPrefix(operation, "-"), Args: args}
}

// String returns the command text without a token.
func (c Command) String() string {
	var b strings.Builder
	b.WriteByte('-')
	b.WriteString(c.Operation)
	for _, a := range c.Args {
		b.WriteByte(' ')
		b.WriteString(Quote(a))
	}
	return b.String()
}

// Format returns the command line to write to the backend, prefixed by
// token. The result has no trailing newline.
func (c Command) Format(token uint64) string {
	return strconv.FormatUint(token, 10) + c.String()
}

// Quote returns s unchanged if the backend can read it as a bare word,
// otherwise it returns s as a c-string.
func Quote(s string) string {
	if s != "" && !needsQuoting(s) {
		return s
	}
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '"', '\\':
			b.WriteByte('\\')
			b.WriteByte(c)
		case '\n':
			b.WriteString(`\n`)
		case '\t':
			b.WriteString(`\t`)
		case '\r':
			b.WriteString(`\r`)
		default:
			if c < 0x20 || c == 0x7f {
				fmt.Fprintf(&b, "\\%03o", c)
			} else {
				b.WriteByte(c)
			}
		}
	}
	b.WriteByte('"')
	return b.String()
}

func needsQuoting(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c <= ' ' || c == '"' || c == '\\' || c == 0x7f {
			return true
		}
	}
	return false
}
