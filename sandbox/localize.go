package sandbox

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Line markers are inert block comments placed at the start of each line.
const markerFormat = "/*@L%d*/"

var markerRe = regexp.MustCompile(`/\*@L(\d+)\*/`)

// snippetRadius is the number of lines shown on each side of the failing line.
const snippetRadius = 2

// ExecutionError is the only error representation that leaves the sandbox.
type ExecutionError struct {
	Message    string
	SourceLine *int
	Snippet    *string
	FullCode   string
	Cause      error
}

func (e *ExecutionError) Error() string {
	if e.SourceLine != nil {
		return fmt.Sprintf("line %d: %s", *e.SourceLine, e.Message)
	}
	return e.Message
}

func (e *ExecutionError) Unwrap() error { return e.Cause }

// Instrument prefixes every line of code with a marker holding its 1-based
// line number. Lines that begin inside a string, template literal or block
// comment are left alone so the marker cannot change their meaning. The
// line count is preserved.
func Instrument(code string) string {
	lines := strings.Split(code, "\n")
	starts := lineStartStates(code)

	var sb strings.Builder
	sb.Grow(len(code) + len(lines)*10)
	for i, line := range lines {
		if i > 0 {
			sb.WriteByte('\n')
		}
		if starts[i] == lexCode {
			fmt.Fprintf(&sb, markerFormat, i+1)
		}
		sb.WriteString(line)
	}
	return sb.String()
}

// Localize turns an engine failure into an ExecutionError. The line is taken
// from a marker quoted in the message, else from the marker at the start of
// the engine-reported line of instrumented, else from that line itself.
// code is the uninstrumented text the snippet is cut from.
func Localize(err error, code, instrumented string) *ExecutionError {
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr
	}

	message := err.Error()
	reported := 0
	var engErr *EngineError
	if errors.As(err, &engErr) {
		message = engErr.Message
		reported = engErr.Line
	}

	line := 0
	if m := markerRe.FindStringSubmatch(message); m != nil {
		line, _ = strconv.Atoi(m[1])
	} else if reported > 0 {
		line = markerAt(instrumented, reported)
		if line == 0 && reported <= lineCount(code) {
			line = reported
		}
	}

	out := &ExecutionError{
		Message:  strings.TrimSpace(markerRe.ReplaceAllString(message, "")),
		FullCode: code,
		Cause:    err,
	}
	if line > 0 && line <= lineCount(code) {
		snippet := Snippet(code, line)
		out.SourceLine = &line
		out.Snippet = &snippet
	}
	return out
}

// Snippet returns lines line-2 through line+2 of code, numbered, with the
// failing line marked by ">>>".
func Snippet(code string, line int) string {
	lines := strings.Split(code, "\n")
	from := max(1, line-snippetRadius)
	to := min(len(lines), line+snippetRadius)

	var sb strings.Builder
	for n := from; n <= to; n++ {
		if n > from {
			sb.WriteByte('\n')
		}
		prefix := "    "
		if n == line {
			prefix = ">>> "
		}
		sb.WriteString(prefix)
		fmt.Fprintf(&sb, "%4d | %s", n, lines[n-1])
	}
	return sb.String()
}

func markerAt(instrumented string, line int) int {
	lines := strings.Split(instrumented, "\n")
	if line < 1 || line > len(lines) {
		return 0
	}
	text := lines[line-1]
	m := markerRe.FindStringSubmatchIndex(text)
	if m == nil || m[0] != 0 {
		return 0
	}
	n, _ := strconv.Atoi(text[m[2]:m[3]])
	return n
}

func lineCount(code string) int {
	return strings.Count(code, "\n") + 1
}

type lexState int

const (
	lexCode lexState = iota
	lexSingle
	lexDouble
	lexTemplate
	lexBlockComment
	lexLineComment
)

// lineStartStates reports the lexical state at the start of every line. It
// is a scanner, not a parser: regular expression literals and template
// substitutions are treated as code.
func lineStartStates(code string) []lexState {
	states := []lexState{lexCode}
	state := lexCode
	for i := 0; i < len(code); i++ {
		c := code[i]
		if c == '\n' {
			switch state {
			case lexLineComment:
				state = lexCode
			case lexSingle, lexDouble:
				// An unescaped newline ends a broken string literal.
				if i == 0 || code[i-1] != '\\' {
					state = lexCode
				}
			}
			states = append(states, state)
			continue
		}

		switch state {
		case lexCode:
			switch {
			case c == '\'':
				state = lexSingle
			case c == '"':
				state = lexDouble
			case c == '`':
				state = lexTemplate
			case c == '/' && i+1 < len(code) && code[i+1] == '*':
				state = lexBlockComment
				i++
			case c == '/' && i+1 < len(code) && code[i+1] == '/':
				state = lexLineComment
				i++
			}
		case lexSingle, lexDouble, lexTemplate:
			if c == '\\' {
				if i+1 < len(code) && code[i+1] != '\n' {
					i++
				}
				continue
			}
			if c == closingQuote(state) {
				state = lexCode
			}
		case lexBlockComment:
			if c == '*' && i+1 < len(code) && code[i+1] == '/' {
				state = lexCode
				i++
			}
		}
	}
	return states
}

func closingQuote(s lexState) byte {
	switch s {
	case lexSingle:
		return '\''
	case lexDouble:
		return '"'
	default:
		return '`'
	}
}
