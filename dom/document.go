package dom

import (
	"bytes"
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Namespace values used by golang.org/x/net/html for foreign content.
const (
	NamespaceHTML = ""
	NamespaceSVG  = "svg"

	// SVGNamespaceURI is the XML namespace URI chart code passes to createElementNS.
	SVGNamespaceURI = "http://www.w3.org/2000/svg"
)

const emptyPage = "<!DOCTYPE html><html><head></head><body></body></html>"

// Document is an HTML page backed by an html.Node tree.
type Document struct {
	root *html.Node
	html *html.Node
	body *html.Node
}

// New creates an empty page with <html>, <head> and <body>.
func New() *Document {
	root, err := html.Parse(strings.NewReader(emptyPage))
	if err != nil {
		// The input is a constant; a parse failure is a programming error.
		panic(fmt.Sprintf("dom: parse empty page: %v", err))
	}

	d := &Document{root: root}
	walk(root, func(n *html.Node) bool {
		if n.Type != html.ElementNode {
			return true
		}
		switch n.DataAtom {
		case atom.Html:
			d.html = n
		case atom.Body:
			d.body = n
		}
		return true
	})
	return d
}

// Root returns the document node.
func (d *Document) Root() *html.Node { return d.root }

// DocumentElement returns the <html> element.
func (d *Document) DocumentElement() *html.Node { return d.html }

// Body returns the <body> element.
func (d *Document) Body() *html.Node { return d.body }

// CreateElement creates a detached element. An "svg" tag, or a tag with an
// "svg:" prefix, is created in the SVG namespace.
func (d *Document) CreateElement(tag string) *html.Node {
	ns := NamespaceHTML
	if prefix, local, ok := strings.Cut(tag, ":"); ok {
		if prefix == "svg" || prefix == "xhtml" {
			if prefix == "svg" {
				ns = NamespaceSVG
			}
			tag = local
		}
	}
	if strings.EqualFold(tag, "svg") {
		ns = NamespaceSVG
	}
	return newElement(tag, ns)
}

// CreateElementNS creates a detached element in the namespace identified by uri.
func (d *Document) CreateElementNS(uri, tag string) *html.Node {
	if _, local, ok := strings.Cut(tag, ":"); ok {
		tag = local
	}
	if uri == SVGNamespaceURI || uri == NamespaceSVG {
		return newElement(tag, NamespaceSVG)
	}
	return newElement(tag, NamespaceHTML)
}

// CreateChild creates an element for tag that inherits the namespace of parent,
// the way D3's append resolves unprefixed names.
func (d *Document) CreateChild(parent *html.Node, tag string) *html.Node {
	if strings.Contains(tag, ":") || strings.EqualFold(tag, "svg") {
		return d.CreateElement(tag)
	}
	if parent != nil && parent.Type == html.ElementNode &&
		parent.Namespace == NamespaceSVG && parent.Data != "foreignObject" {
		return newElement(tag, NamespaceSVG)
	}
	return newElement(tag, NamespaceHTML)
}

// GetElementByID returns the first element in the document with the given id.
func (d *Document) GetElementByID(id string) *html.Node {
	var found *html.Node
	walk(d.root, func(n *html.Node) bool {
		if found != nil {
			return false
		}
		if n.Type == html.ElementNode {
			if v, ok := Attr(n, "id"); ok && v == id {
				found = n
				return false
			}
		}
		return true
	})
	return found
}

// Render serializes the whole page.
func (d *Document) Render() string {
	var buf bytes.Buffer
	if err := html.Render(&buf, d.root); err != nil {
		return ""
	}
	return buf.String()
}

func newElement(tag, ns string) *html.Node {
	n := &html.Node{Type: html.ElementNode, Data: tag, Namespace: ns}
	if ns == NamespaceHTML {
		tag = strings.ToLower(tag)
		n.Data = tag
		n.DataAtom = atom.Lookup([]byte(tag))
	}
	return n
}

// walk visits n and its descendants in document order until fn returns false
// for a node, in which case that node's subtree is skipped.
func walk(n *html.Node, fn func(*html.Node) bool) {
	if !fn(n) {
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}
