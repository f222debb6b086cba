// Package dom provides the in-memory page that charts are rendered into.
//
// A Document wraps a golang.org/x/net/html node tree and offers the small set
// of DOM operations chart code needs: element creation with SVG namespace
// inheritance, attribute and inline-style access, text and markup content,
// CSS selector queries and serialization. Documents are not safe for
// concurrent use; callers serialize access.
//
// Usage:
//
//	doc := dom.New()
//	div := doc.CreateElement("div")
//	dom.SetAttr(div, "id", "visualization-0")
//	doc.Body().AppendChild(div)
//	fmt.Println(dom.OuterHTML(div))
package dom
