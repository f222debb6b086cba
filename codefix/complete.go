package codefix

import (
	"strings"

	"github.com/dop251/goja"
)

// TrialFileName names the program built by the default trial compile.
const TrialFileName = "trial.js"

// SyntaxCheck reports whether code would compile as the body of the chart
// function. It must not execute the code.
type SyntaxCheck func(code string) error

// CheckSyntax compiles code as the body of function(d3, data) with goja
// without running it.
func CheckSyntax(code string) error {
	_, err := goja.Compile(TrialFileName, "(function(d3, data) {\n"+code+"\n})", false)
	return err
}

// RepairIfIncomplete patches code that fails a trial compile, assuming it was
// truncated. It returns code unchanged when it already compiles, and also
// when the patched text still does not compile.
func RepairIfIncomplete(code string) string {
	return repairIfIncomplete(code, CheckSyntax)
}

func repairIfIncomplete(code string, check SyntaxCheck) string {
	if check(code) == nil {
		return code
	}

	lines := strings.Split(code, "\n")
	last := -1
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			last = i
			break
		}
	}

	// Deltas are computed without the dangling line once it is commented out.
	counted := lines
	if last >= 0 && !endsStatement(lines[last]) {
		repaired := make([]string, len(lines))
		copy(repaired, lines)
		repaired[last] = "// " + lines[last]
		lines = repaired

		counted = make([]string, 0, len(lines)-1)
		counted = append(counted, lines[:last]...)
		counted = append(counted, lines[last+1:]...)
	}

	patched := strings.Join(lines, "\n")
	if closers := missingClosers(bracketDeltas(strings.Join(counted, "\n"))); closers != "" {
		patched += "\n" + closers
	}

	if check(patched) != nil {
		return code
	}
	return patched
}

func endsStatement(line string) bool {
	line = strings.TrimRight(line, " \t\r")
	if line == "" {
		return true
	}
	switch line[len(line)-1] {
	case ';', '}', ')', ']':
		return true
	}
	return false
}
