package codefix

import (
	"regexp"
	"strings"
)

var fencedBlockRe = regexp.MustCompile("(?s)```[A-Za-z0-9_+-]*[ \t]*\r?\n(.*?)```")

// StripFences unwraps code returned inside a markdown code fence
// (```javascript, ```js or a bare ```). Text without a fence is returned
// trimmed; an unterminated opening fence is dropped.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if m := fencedBlockRe.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	if strings.HasPrefix(s, "```") {
		if i := strings.IndexByte(s, '\n'); i >= 0 {
			return strings.TrimSpace(s[i+1:])
		}
		return ""
	}
	return s
}
