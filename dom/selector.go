package dom

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// Selector is a compiled CSS selector group.
//
// The supported grammar is the subset generated chart code relies on: type,
// universal, #id, .class and [attr], [attr=value], [attr^=value],
// [attr$=value], [attr*=value] simple selectors, descendant and child
// combinators, and comma-separated groups.
type Selector struct {
	groups [][]compound
}

type combinator byte

const (
	combNone       combinator = 0
	combDescendant combinator = ' '
	combChild      combinator = '>'
)

type attrMatch struct {
	key   string
	op    string
	value string
}

type compound struct {
	// comb links this compound to the one before it in the chain.
	comb    combinator
	tag     string
	id      string
	classes []string
	attrs   []attrMatch
}

// Compile parses a selector group.
func Compile(sel string) (*Selector, error) {
	sel = strings.TrimSpace(sel)
	if sel == "" {
		return nil, fmt.Errorf("empty selector")
	}

	var s Selector
	for _, part := range splitTopLevel(sel, ',') {
		chain, err := parseChain(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("invalid selector %q: %w", sel, err)
		}
		s.groups = append(s.groups, chain)
	}
	return &s, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(sel string) *Selector {
	s, err := Compile(sel)
	if err != nil {
		panic(err)
	}
	return s
}

// Match reports whether element n matches the selector.
func (s *Selector) Match(n *html.Node) bool {
	if n == nil || n.Type != html.ElementNode {
		return false
	}
	for _, chain := range s.groups {
		if matchChain(n, chain, len(chain)-1) {
			return true
		}
	}
	return false
}

// QuerySelector returns the first descendant of scope matching sel.
func QuerySelector(scope *html.Node, sel string) (*html.Node, error) {
	s, err := Compile(sel)
	if err != nil {
		return nil, err
	}
	var found *html.Node
	for c := scope.FirstChild; c != nil && found == nil; c = c.NextSibling {
		walk(c, func(n *html.Node) bool {
			if found != nil {
				return false
			}
			if s.Match(n) {
				found = n
				return false
			}
			return true
		})
	}
	return found, nil
}

// QuerySelectorAll returns every descendant of scope matching sel in document order.
func QuerySelectorAll(scope *html.Node, sel string) ([]*html.Node, error) {
	s, err := Compile(sel)
	if err != nil {
		return nil, err
	}
	var out []*html.Node
	for c := scope.FirstChild; c != nil; c = c.NextSibling {
		walk(c, func(n *html.Node) bool {
			if s.Match(n) {
				out = append(out, n)
			}
			return true
		})
	}
	return out, nil
}

func matchChain(n *html.Node, chain []compound, i int) bool {
	c := chain[i]
	if !c.match(n) {
		return false
	}
	if i == 0 {
		return true
	}
	switch c.comb {
	case combChild:
		p := n.Parent
		return p != nil && matchChain(p, chain, i-1)
	default:
		for p := n.Parent; p != nil; p = p.Parent {
			if matchChain(p, chain, i-1) {
				return true
			}
		}
		return false
	}
}

func (c compound) match(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if c.tag != "" && c.tag != "*" && !strings.EqualFold(c.tag, n.Data) {
		return false
	}
	if c.id != "" {
		if v, ok := Attr(n, "id"); !ok || v != c.id {
			return false
		}
	}
	for _, cls := range c.classes {
		if !HasClass(n, cls) {
			return false
		}
	}
	for _, a := range c.attrs {
		v, ok := Attr(n, a.key)
		if !ok {
			return false
		}
		switch a.op {
		case "":
		case "=":
			if v != a.value {
				return false
			}
		case "^=":
			if !strings.HasPrefix(v, a.value) {
				return false
			}
		case "$=":
			if !strings.HasSuffix(v, a.value) {
				return false
			}
		case "*=":
			if !strings.Contains(v, a.value) {
				return false
			}
		}
	}
	return true
}

func parseChain(s string) ([]compound, error) {
	if s == "" {
		return nil, fmt.Errorf("empty compound")
	}

	var chain []compound
	pending := combNone
	i := 0
	for i < len(s) {
		switch {
		case s[i] == ' ' || s[i] == '\t' || s[i] == '\n':
			if pending == combNone && len(chain) > 0 {
				pending = combDescendant
			}
			i++
			continue
		case s[i] == '>':
			if len(chain) == 0 {
				return nil, fmt.Errorf("leading combinator")
			}
			pending = combChild
			i++
			continue
		}

		c, n, err := parseCompound(s[i:])
		if err != nil {
			return nil, err
		}
		if len(chain) > 0 {
			if pending == combNone {
				return nil, fmt.Errorf("missing combinator at %d", i)
			}
			c.comb = pending
		}
		chain = append(chain, c)
		pending = combNone
		i += n
	}
	if pending == combChild {
		return nil, fmt.Errorf("trailing combinator")
	}
	return chain, nil
}

func parseCompound(s string) (compound, int, error) {
	var c compound
	i := 0
	if i < len(s) && (isIdentByte(s[i]) || s[i] == '*') {
		j := i
		for j < len(s) && (isIdentByte(s[j]) || s[j] == '*') {
			j++
		}
		c.tag = s[i:j]
		i = j
	}

	for i < len(s) {
		switch s[i] {
		case '#', '.':
			j := i + 1
			for j < len(s) && isIdentByte(s[j]) {
				j++
			}
			if j == i+1 {
				return c, 0, fmt.Errorf("empty name after %q", s[i])
			}
			if s[i] == '#' {
				c.id = s[i+1 : j]
			} else {
				c.classes = append(c.classes, s[i+1:j])
			}
			i = j
		case '[':
			end := strings.IndexByte(s[i:], ']')
			if end < 0 {
				return c, 0, fmt.Errorf("unterminated attribute selector")
			}
			a, err := parseAttr(s[i+1 : i+end])
			if err != nil {
				return c, 0, err
			}
			c.attrs = append(c.attrs, a)
			i += end + 1
		case ':':
			// Pseudo-classes are accepted and ignored.
			j := i + 1
			for j < len(s) && (isIdentByte(s[j]) || s[j] == ':') {
				j++
			}
			i = j
		default:
			if i == 0 {
				return c, 0, fmt.Errorf("unexpected %q", s[i])
			}
			return c, i, nil
		}
	}
	return c, i, nil
}

func parseAttr(body string) (attrMatch, error) {
	for _, op := range []string{"^=", "$=", "*=", "="} {
		if k, v, ok := strings.Cut(body, op); ok {
			v = strings.TrimSpace(v)
			v = strings.Trim(v, `"'`)
			return attrMatch{key: strings.TrimSpace(k), op: op, value: v}, nil
		}
	}
	key := strings.TrimSpace(body)
	if key == "" {
		return attrMatch{}, fmt.Errorf("empty attribute selector")
	}
	return attrMatch{key: key}, nil
}

func isIdentByte(b byte) bool {
	return b == '-' || b == '_' ||
		(b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9') ||
		b >= 0x80
}

// splitTopLevel splits s on sep outside of [...] groups.
func splitTopLevel(s string, sep byte) []string {
	var parts []string
	depth := 0
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '[':
			depth++
		case ']':
			if depth > 0 {
				depth--
			}
		case sep:
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, s[start:])
}
