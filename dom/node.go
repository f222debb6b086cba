package dom

import (
	"bytes"
	"fmt"
	"strings"

	"golang.org/x/net/html"
)

// Attr returns the value of attribute key on n.
func Attr(n *html.Node, key string) (string, bool) {
	if n == nil {
		return "", false
	}
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

// SetAttr sets attribute key on n, replacing any previous value.
func SetAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

// RemoveAttr deletes attribute key from n.
func RemoveAttr(n *html.Node, key string) {
	out := n.Attr[:0]
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			continue
		}
		out = append(out, a)
	}
	n.Attr = out
}

// Classes returns the whitespace-separated entries of the class attribute.
func Classes(n *html.Node) []string {
	v, _ := Attr(n, "class")
	return strings.Fields(v)
}

// HasClass reports whether n carries class name.
func HasClass(n *html.Node, name string) bool {
	for _, c := range Classes(n) {
		if c == name {
			return true
		}
	}
	return false
}

// SetClass adds or removes class name on n.
func SetClass(n *html.Node, name string, on bool) {
	classes := Classes(n)
	out := classes[:0]
	present := false
	for _, c := range classes {
		if c == name {
			present = true
			if !on {
				continue
			}
		}
		out = append(out, c)
	}
	if on && !present {
		out = append(out, name)
	}
	if len(out) == 0 {
		RemoveAttr(n, "class")
		return
	}
	SetAttr(n, "class", strings.Join(out, " "))
}

// Style returns the inline style property prop of n.
func Style(n *html.Node, prop string) string {
	for _, decl := range parseStyle(n) {
		if decl.name == prop {
			return decl.value
		}
	}
	return ""
}

// SetStyle sets inline style property prop on n. An empty value removes it.
func SetStyle(n *html.Node, prop, val string) {
	decls := parseStyle(n)
	out := decls[:0]
	replaced := false
	for _, decl := range decls {
		if decl.name == prop {
			if val == "" {
				continue
			}
			decl.value = val
			replaced = true
		}
		out = append(out, decl)
	}
	if !replaced && val != "" {
		out = append(out, styleDecl{name: prop, value: val})
	}
	writeStyle(n, out)
}

type styleDecl struct {
	name  string
	value string
}

func parseStyle(n *html.Node) []styleDecl {
	raw, _ := Attr(n, "style")
	var decls []styleDecl
	for _, part := range strings.Split(raw, ";") {
		name, value, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		decls = append(decls, styleDecl{name: name, value: strings.TrimSpace(value)})
	}
	return decls
}

func writeStyle(n *html.Node, decls []styleDecl) {
	if len(decls) == 0 {
		RemoveAttr(n, "style")
		return
	}
	parts := make([]string, 0, len(decls))
	for _, d := range decls {
		parts = append(parts, d.name+": "+d.value)
	}
	SetAttr(n, "style", strings.Join(parts, "; ")+";")
}

// TextContent returns the concatenated text of n's descendants.
func TextContent(n *html.Node) string {
	var sb strings.Builder
	walk(n, func(c *html.Node) bool {
		if c.Type == html.TextNode {
			sb.WriteString(c.Data)
		}
		return true
	})
	return sb.String()
}

// SetTextContent replaces all children of n with a single text node.
func SetTextContent(n *html.Node, text string) {
	Clear(n)
	if text != "" {
		n.AppendChild(&html.Node{Type: html.TextNode, Data: text})
	}
}

// Clear removes every child of n.
func Clear(n *html.Node) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		n.RemoveChild(c)
		c = next
	}
}

// Detach removes n from its parent, if any.
func Detach(n *html.Node) {
	if n != nil && n.Parent != nil {
		n.Parent.RemoveChild(n)
	}
}

// Children returns the element children of n.
func Children(n *html.Node) []*html.Node {
	var out []*html.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			out = append(out, c)
		}
	}
	return out
}

// InnerHTML serializes the children of n.
func InnerHTML(n *html.Node) string {
	var buf bytes.Buffer
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if err := html.Render(&buf, c); err != nil {
			return buf.String()
		}
	}
	return buf.String()
}

// OuterHTML serializes n itself.
func OuterHTML(n *html.Node) string {
	var buf bytes.Buffer
	if err := html.Render(&buf, n); err != nil {
		return ""
	}
	return buf.String()
}

// SetInnerHTML replaces the children of n with the parsed markup.
func SetInnerHTML(n *html.Node, markup string) error {
	ctx := n
	if n.Type != html.ElementNode {
		return fmt.Errorf("set inner html: node is not an element")
	}
	nodes, err := html.ParseFragment(strings.NewReader(markup), ctx)
	if err != nil {
		return fmt.Errorf("parse fragment: %w", err)
	}
	Clear(n)
	for _, c := range nodes {
		n.AppendChild(c)
	}
	return nil
}
