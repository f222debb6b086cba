package codefix

import (
	"errors"
	"strings"
)

// ErrMissingCode is returned when a chart spec carries no usable code.
var ErrMissingCode = errors.New("chart spec contains no code")

// ResolveCode extracts the code text from a chart spec value. A string is
// used as is; an object yields its "chart_spec" field, falling back to its
// "code" field, each resolved with the same rule.
func ResolveCode(v any) (string, error) {
	code := resolve(v, 0)
	if strings.TrimSpace(code) == "" {
		return "", ErrMissingCode
	}
	return code, nil
}

const maxResolveDepth = 4

func resolve(v any, depth int) string {
	if depth > maxResolveDepth {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case map[string]any:
		for _, key := range []string{"chart_spec", "code"} {
			if s := resolve(t[key], depth+1); strings.TrimSpace(s) != "" {
				return s
			}
		}
	case map[string]string:
		for _, key := range []string{"chart_spec", "code"} {
			if s := t[key]; strings.TrimSpace(s) != "" {
				return s
			}
		}
	}
	return ""
}
