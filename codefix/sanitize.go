package codefix

import (
	"regexp"
	"strings"
)

var markerLineRe = regexp.MustCompile(`^Line \d+:$`)

// bracketFamilies lists the balanced pairs in the order missing closers are appended.
var bracketFamilies = [...]struct{ open, close byte }{
	{'{', '}'},
	{'(', ')'},
	{'[', ']'},
}

// Sanitize removes isolated "Line N:" marker lines and balances each bracket
// family independently. Excess closers are trimmed from the end of the text;
// missing closers are appended in the order } ) ].
func Sanitize(code string) string {
	code = stripMarkerLines(code)

	deltas := bracketDeltas(code)
	for i, f := range bracketFamilies {
		if deltas[i] < 0 {
			code = trimExcess(code, f.close, -deltas[i])
		}
	}

	closers := missingClosers(deltas)
	if closers == "" {
		return code
	}
	return appendClosers(code, closers)
}

func missingClosers(deltas [len(bracketFamilies)]int) string {
	var sb strings.Builder
	for i, f := range bracketFamilies {
		if deltas[i] > 0 {
			sb.WriteString(strings.Repeat(string(f.close), deltas[i]))
		}
	}
	return sb.String()
}

// stripMarkerLines drops lines consisting only of "Line N:" and the blank
// lines directly around them.
func stripMarkerLines(code string) string {
	lines := strings.Split(code, "\n")
	drop := make([]bool, len(lines))
	found := false
	for i, line := range lines {
		if !markerLineRe.MatchString(strings.TrimSpace(line)) {
			continue
		}
		found = true
		drop[i] = true
		for j := i - 1; j >= 0 && strings.TrimSpace(lines[j]) == ""; j-- {
			drop[j] = true
		}
		for j := i + 1; j < len(lines) && strings.TrimSpace(lines[j]) == ""; j++ {
			drop[j] = true
		}
	}
	if !found {
		return code
	}

	kept := lines[:0:0]
	for i, line := range lines {
		if !drop[i] {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

// trimExcess removes the last n occurrences of ch, leaving every other byte in place.
func trimExcess(code string, ch byte, n int) string {
	b := []byte(code)
	for i := len(b) - 1; i >= 0 && n > 0; i-- {
		if b[i] == ch {
			b = append(b[:i], b[i+1:]...)
			n--
		}
	}
	return string(b)
}

// appendClosers adds closers at the end of code. When the last line holds a
// line comment the closers go on a new line so they are not swallowed by it.
func appendClosers(code, closers string) string {
	lastLine := code[strings.LastIndexByte(code, '\n')+1:]
	if strings.Contains(lastLine, "//") {
		return code + "\n" + closers
	}
	return code + closers
}

// bracketDeltas returns opens minus closes per family, in bracketFamilies order.
func bracketDeltas(code string) [len(bracketFamilies)]int {
	var d [len(bracketFamilies)]int
	for i, f := range bracketFamilies {
		d[i] = strings.Count(code, string(f.open)) - strings.Count(code, string(f.close))
	}
	return d
}
