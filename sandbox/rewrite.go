package sandbox

import (
	"regexp"
	"strings"
)

var (
	// One pattern per quote kind; RE2 has no backreferences to pair quotes.
	sharedSelectorRes = []*regexp.Regexp{
		sharedSelectorRe(`'`),
		sharedSelectorRe(`"`),
		sharedSelectorRe("`"),
	}

	getElementByIDRe = regexp.MustCompile(`getElementById\(\s*['"` + "`" + `]visualization['"` + "`" + `]\s*\)`)
)

func sharedSelectorRe(q string) *regexp.Regexp {
	return regexp.MustCompile(q + regexp.QuoteMeta(SharedSelector) + `([^` + q + `\w\n-][^` + q + `\n]*)?` + q)
}

// RewriteSelectors points every reference to the shared container selector at
// the wrapper of chart index i. Quoted selectors keep their quote character
// and any trailing selector text ("#visualization svg").
func RewriteSelectors(code string, i int) string {
	if !strings.Contains(code, "visualization") {
		return code
	}
	wrapper := WrapperID(i)

	for _, re := range sharedSelectorRes {
		code = re.ReplaceAllStringFunc(code, func(m string) string {
			q := m[:1]
			rest := m[1+len(SharedSelector) : len(m)-1]
			return q + "#" + wrapper + rest + q
		})
	}
	return getElementByIDRe.ReplaceAllString(code, `getElementById("`+wrapper+`")`)
}
