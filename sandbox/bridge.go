package sandbox

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/dop251/goja"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/isdmx/vizheal/dom"
)

// Viewport reported to chart code through window.innerWidth/innerHeight.
const (
	viewportWidth  = 1024
	viewportHeight = 768

	defaultFontSize = 12.0
	// glyphAdvance approximates the average glyph width as a share of the font size.
	glyphAdvance = 0.6
)

// bridge exposes the document to JavaScript. Each *html.Node maps to one
// JavaScript object for the lifetime of the runtime, so node identity holds
// and D3 can keep __data__ on it.
type bridge struct {
	vm     *goja.Runtime
	doc    *dom.Document
	logger *zap.Logger

	proto   *goja.Object
	nodes   map[*html.Node]*goja.Object
	handles map[*goja.Object]*html.Node

	timers []goja.Callable
}

func newBridge(vm *goja.Runtime, doc *dom.Document, logger *zap.Logger) *bridge {
	b := &bridge{
		vm:      vm,
		doc:     doc,
		logger:  logger,
		nodes:   map[*html.Node]*goja.Object{},
		handles: map[*goja.Object]*html.Node{},
	}
	b.proto = b.nodePrototype()
	return b
}

func (b *bridge) wrap(n *html.Node) goja.Value {
	if n == nil {
		return goja.Null()
	}
	if o, ok := b.nodes[n]; ok {
		return o
	}
	o := b.vm.NewObject()
	if err := o.SetPrototype(b.proto); err != nil {
		panic(b.vm.NewGoError(err))
	}
	b.nodes[n] = o
	b.handles[o] = n
	return o
}

func (b *bridge) wrapAll(nodes []*html.Node) goja.Value {
	out := make([]any, len(nodes))
	for i, n := range nodes {
		out[i] = b.wrap(n)
	}
	return b.vm.NewArray(out...)
}

func (b *bridge) unwrap(v goja.Value) *html.Node {
	o, ok := v.(*goja.Object)
	if !ok {
		return nil
	}
	return b.handles[o]
}

func (b *bridge) self(call goja.FunctionCall) *html.Node {
	n := b.unwrap(call.This)
	if n == nil {
		panic(b.vm.NewTypeError("Illegal invocation"))
	}
	return n
}

func (b *bridge) nodeArg(call goja.FunctionCall, i int) *html.Node {
	n := b.unwrap(call.Argument(i))
	if n == nil {
		panic(b.vm.NewTypeError("Argument %d is not a node", i+1))
	}
	return n
}

func (b *bridge) method(obj *goja.Object, name string, fn func(goja.FunctionCall) goja.Value) {
	if err := obj.Set(name, fn); err != nil {
		panic(b.vm.NewGoError(err))
	}
}

func (b *bridge) accessor(obj *goja.Object, name string, get func(n *html.Node) goja.Value, set func(n *html.Node, v goja.Value)) {
	getter := b.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		return get(b.self(call))
	})
	var setter goja.Value
	if set != nil {
		setter = b.vm.ToValue(func(call goja.FunctionCall) goja.Value {
			set(b.self(call), call.Argument(0))
			return goja.Undefined()
		})
	}
	if err := obj.DefineAccessorProperty(name, getter, setter, goja.FLAG_TRUE, goja.FLAG_TRUE); err != nil {
		panic(b.vm.NewGoError(err))
	}
}

func (b *bridge) nodePrototype() *goja.Object {
	p := b.vm.NewObject()

	b.method(p, "appendChild", func(call goja.FunctionCall) goja.Value {
		parent, child := b.self(call), b.nodeArg(call, 0)
		dom.Detach(child)
		parent.AppendChild(child)
		return b.wrap(child)
	})
	b.method(p, "insertBefore", func(call goja.FunctionCall) goja.Value {
		parent, child := b.self(call), b.nodeArg(call, 0)
		ref := b.unwrap(call.Argument(1))
		if ref == child {
			return b.wrap(child)
		}
		dom.Detach(child)
		if ref == nil || ref.Parent != parent {
			parent.AppendChild(child)
		} else {
			parent.InsertBefore(child, ref)
		}
		return b.wrap(child)
	})
	b.method(p, "removeChild", func(call goja.FunctionCall) goja.Value {
		parent, child := b.self(call), b.nodeArg(call, 0)
		if child.Parent != parent {
			panic(b.vm.NewTypeError("The node to be removed is not a child of this node"))
		}
		dom.Detach(child)
		return b.wrap(child)
	})
	b.method(p, "remove", func(call goja.FunctionCall) goja.Value {
		dom.Detach(b.self(call))
		return goja.Undefined()
	})
	b.method(p, "setAttribute", func(call goja.FunctionCall) goja.Value {
		dom.SetAttr(b.self(call), call.Argument(0).String(), call.Argument(1).String())
		return goja.Undefined()
	})
	b.method(p, "setAttributeNS", func(call goja.FunctionCall) goja.Value {
		dom.SetAttr(b.self(call), localName(call.Argument(1).String()), call.Argument(2).String())
		return goja.Undefined()
	})
	b.method(p, "getAttribute", func(call goja.FunctionCall) goja.Value {
		v, ok := dom.Attr(b.self(call), call.Argument(0).String())
		if !ok {
			return goja.Null()
		}
		return b.vm.ToValue(v)
	})
	b.method(p, "hasAttribute", func(call goja.FunctionCall) goja.Value {
		_, ok := dom.Attr(b.self(call), call.Argument(0).String())
		return b.vm.ToValue(ok)
	})
	b.method(p, "removeAttribute", func(call goja.FunctionCall) goja.Value {
		dom.RemoveAttr(b.self(call), call.Argument(0).String())
		return goja.Undefined()
	})
	b.method(p, "querySelector", func(call goja.FunctionCall) goja.Value {
		n, err := dom.QuerySelector(b.self(call), call.Argument(0).String())
		if err != nil {
			panic(b.vm.NewTypeError(err.Error()))
		}
		return b.wrap(n)
	})
	b.method(p, "querySelectorAll", func(call goja.FunctionCall) goja.Value {
		nodes, err := dom.QuerySelectorAll(b.self(call), call.Argument(0).String())
		if err != nil {
			panic(b.vm.NewTypeError(err.Error()))
		}
		return b.wrapAll(nodes)
	})
	b.method(p, "matches", func(call goja.FunctionCall) goja.Value {
		sel, err := dom.Compile(call.Argument(0).String())
		if err != nil {
			panic(b.vm.NewTypeError(err.Error()))
		}
		return b.vm.ToValue(sel.Match(b.self(call)))
	})
	b.method(p, "cloneNode", func(call goja.FunctionCall) goja.Value {
		return b.wrap(cloneNode(b.self(call), call.Argument(0).ToBoolean()))
	})
	b.method(p, "contains", func(call goja.FunctionCall) goja.Value {
		n, other := b.self(call), b.unwrap(call.Argument(0))
		for ; other != nil; other = other.Parent {
			if other == n {
				return b.vm.ToValue(true)
			}
		}
		return b.vm.ToValue(false)
	})
	b.method(p, "getBBox", func(call goja.FunctionCall) goja.Value {
		return b.rectValue(bbox(b.self(call)))
	})
	b.method(p, "getComputedTextLength", func(call goja.FunctionCall) goja.Value {
		n := b.self(call)
		return b.vm.ToValue(textWidth(dom.TextContent(n), fontSize(n)))
	})
	b.method(p, "getBoundingClientRect", func(call goja.FunctionCall) goja.Value {
		n := b.self(call)
		return b.rectValue(rect{w: clientSize(n, "width"), h: clientSize(n, "height")})
	})
	for _, name := range []string{"addEventListener", "removeEventListener", "dispatchEvent", "focus", "blur"} {
		b.method(p, name, func(goja.FunctionCall) goja.Value { return goja.Undefined() })
	}

	b.accessor(p, "nodeType", func(n *html.Node) goja.Value {
		switch n.Type {
		case html.ElementNode:
			return b.vm.ToValue(1)
		case html.TextNode:
			return b.vm.ToValue(3)
		case html.CommentNode:
			return b.vm.ToValue(8)
		case html.DocumentNode:
			return b.vm.ToValue(9)
		}
		return b.vm.ToValue(0)
	}, nil)
	b.accessor(p, "tagName", func(n *html.Node) goja.Value { return b.vm.ToValue(tagName(n)) }, nil)
	b.accessor(p, "nodeName", func(n *html.Node) goja.Value {
		switch n.Type {
		case html.TextNode:
			return b.vm.ToValue("#text")
		case html.DocumentNode:
			return b.vm.ToValue("#document")
		}
		return b.vm.ToValue(tagName(n))
	}, nil)
	b.accessor(p, "localName", func(n *html.Node) goja.Value { return b.vm.ToValue(n.Data) }, nil)
	b.accessor(p, "namespaceURI", func(n *html.Node) goja.Value {
		if n.Namespace == dom.NamespaceSVG {
			return b.vm.ToValue(dom.SVGNamespaceURI)
		}
		return b.vm.ToValue("http://www.w3.org/1999/xhtml")
	}, nil)
	b.accessor(p, "ownerDocument", func(*html.Node) goja.Value { return b.wrap(b.doc.Root()) }, nil)
	b.accessor(p, "parentNode", func(n *html.Node) goja.Value { return b.wrap(n.Parent) }, nil)
	b.accessor(p, "parentElement", func(n *html.Node) goja.Value {
		if n.Parent == nil || n.Parent.Type != html.ElementNode {
			return goja.Null()
		}
		return b.wrap(n.Parent)
	}, nil)
	b.accessor(p, "children", func(n *html.Node) goja.Value { return b.wrapAll(dom.Children(n)) }, nil)
	b.accessor(p, "childNodes", func(n *html.Node) goja.Value {
		var nodes []*html.Node
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			nodes = append(nodes, c)
		}
		return b.wrapAll(nodes)
	}, nil)
	b.accessor(p, "firstChild", func(n *html.Node) goja.Value { return b.wrap(n.FirstChild) }, nil)
	b.accessor(p, "lastChild", func(n *html.Node) goja.Value { return b.wrap(n.LastChild) }, nil)
	b.accessor(p, "nextSibling", func(n *html.Node) goja.Value { return b.wrap(n.NextSibling) }, nil)
	b.accessor(p, "previousSibling", func(n *html.Node) goja.Value { return b.wrap(n.PrevSibling) }, nil)
	b.accessor(p, "firstElementChild", func(n *html.Node) goja.Value {
		if kids := dom.Children(n); len(kids) > 0 {
			return b.wrap(kids[0])
		}
		return goja.Null()
	}, nil)
	b.accessor(p, "textContent",
		func(n *html.Node) goja.Value { return b.vm.ToValue(dom.TextContent(n)) },
		func(n *html.Node, v goja.Value) { dom.SetTextContent(n, stringOrEmpty(v)) })
	b.accessor(p, "innerHTML",
		func(n *html.Node) goja.Value { return b.vm.ToValue(dom.InnerHTML(n)) },
		func(n *html.Node, v goja.Value) {
			if err := dom.SetInnerHTML(n, stringOrEmpty(v)); err != nil {
				panic(b.vm.NewTypeError(err.Error()))
			}
		})
	b.accessor(p, "outerHTML", func(n *html.Node) goja.Value { return b.vm.ToValue(dom.OuterHTML(n)) }, nil)
	b.accessor(p, "id",
		func(n *html.Node) goja.Value { v, _ := dom.Attr(n, "id"); return b.vm.ToValue(v) },
		func(n *html.Node, v goja.Value) { dom.SetAttr(n, "id", v.String()) })
	b.accessor(p, "className",
		func(n *html.Node) goja.Value { v, _ := dom.Attr(n, "class"); return b.vm.ToValue(v) },
		func(n *html.Node, v goja.Value) { dom.SetAttr(n, "class", v.String()) })
	b.accessor(p, "style", func(n *html.Node) goja.Value {
		return b.vm.NewDynamicObject(&styleObject{b: b, n: n})
	}, nil)
	for _, dim := range []struct{ name, key string }{
		{"clientWidth", "width"}, {"clientHeight", "height"},
		{"offsetWidth", "width"}, {"offsetHeight", "height"},
	} {
		key := dim.key
		b.accessor(p, dim.name, func(n *html.Node) goja.Value { return b.vm.ToValue(clientSize(n, key)) }, nil)
	}

	return p
}

// documentObject returns the JavaScript document: the wrapped root node plus
// the factory and lookup methods of Document.
func (b *bridge) documentObject() *goja.Object {
	d := b.wrap(b.doc.Root()).(*goja.Object)

	b.method(d, "createElement", func(call goja.FunctionCall) goja.Value {
		return b.wrap(b.doc.CreateElement(call.Argument(0).String()))
	})
	b.method(d, "createElementNS", func(call goja.FunctionCall) goja.Value {
		return b.wrap(b.doc.CreateElementNS(call.Argument(0).String(), call.Argument(1).String()))
	})
	b.method(d, "createTextNode", func(call goja.FunctionCall) goja.Value {
		return b.wrap(&html.Node{Type: html.TextNode, Data: call.Argument(0).String()})
	})
	b.method(d, "getElementById", func(call goja.FunctionCall) goja.Value {
		return b.wrap(b.doc.GetElementByID(call.Argument(0).String()))
	})
	b.accessor(d, "documentElement", func(*html.Node) goja.Value { return b.wrap(b.doc.DocumentElement()) }, nil)
	b.accessor(d, "body", func(*html.Node) goja.Value { return b.wrap(b.doc.Body()) }, nil)
	return d
}

// installGlobals defines the ambient browser globals chart code commonly
// touches: document, window, console and the timer functions.
func (b *bridge) installGlobals() {
	document := b.documentObject()

	console := b.vm.NewObject()
	for _, level := range []string{"log", "info", "debug", "warn", "error"} {
		lvl := level
		b.method(console, lvl, func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, a := range call.Arguments {
				parts[i] = jsString(a)
			}
			msg := strings.Join(parts, " ")
			switch lvl {
			case "warn":
				b.logger.Warn("chart console", zap.String("message", msg))
			case "error":
				b.logger.Error("chart console", zap.String("message", msg))
			default:
				b.logger.Debug("chart console", zap.String("level", lvl), zap.String("message", msg))
			}
			return goja.Undefined()
		})
	}

	queue := func(call goja.FunctionCall) goja.Value {
		if fn, ok := goja.AssertFunction(call.Argument(0)); ok {
			b.timers = append(b.timers, fn)
		}
		return b.vm.ToValue(len(b.timers))
	}
	noop := func(goja.FunctionCall) goja.Value { return goja.Undefined() }

	window := b.vm.NewObject()
	_ = window.Set("document", document)
	_ = window.Set("console", console)
	_ = window.Set("innerWidth", viewportWidth)
	_ = window.Set("innerHeight", viewportHeight)
	_ = window.Set("devicePixelRatio", 1)
	b.method(window, "addEventListener", noop)
	b.method(window, "removeEventListener", noop)
	b.method(window, "getComputedStyle", func(call goja.FunctionCall) goja.Value {
		return b.vm.NewDynamicObject(&styleObject{b: b, n: b.nodeArg(call, 0)})
	})

	globals := map[string]any{
		"document":              document,
		"window":                window,
		"console":               console,
		"setTimeout":            queue,
		"requestAnimationFrame": queue,
		"setInterval":           noop,
		"clearTimeout":          noop,
		"clearInterval":         noop,
	}
	for name, v := range globals {
		if err := b.vm.Set(name, v); err != nil {
			panic(b.vm.NewGoError(err))
		}
		if name != "window" {
			_ = window.Set(name, v)
		}
	}
}

// loadD3 evaluates the embedded D3 subset against this bridge.
func (b *bridge) loadD3() (goja.Value, error) {
	prog, err := d3Program()
	if err != nil {
		return nil, err
	}
	factory, err := b.vm.RunProgram(prog)
	if err != nil {
		return nil, err
	}
	fn, ok := goja.AssertFunction(factory)
	if !ok {
		return nil, errors.New("d3 factory is not a function")
	}

	native := b.vm.NewObject()
	b.method(native, "createChild", func(call goja.FunctionCall) goja.Value {
		parent := b.nodeArg(call, 0)
		child := b.doc.CreateChild(parent, call.Argument(1).String())
		parent.AppendChild(child)
		return b.wrap(child)
	})
	b.method(native, "isNode", func(call goja.FunctionCall) goja.Value {
		return b.vm.ToValue(b.unwrap(call.Argument(0)) != nil)
	})

	return fn(goja.Undefined(), b.wrap(b.doc.Root()), native)
}

// runTimers drains callbacks queued by setTimeout and requestAnimationFrame,
// including those they queue, in order.
func (b *bridge) runTimers() error {
	for i := 0; i < len(b.timers); i++ {
		if i >= maxTimerCallbacks {
			return fmt.Errorf("more than %d deferred callbacks", maxTimerCallbacks)
		}
		if _, err := b.timers[i](goja.Undefined()); err != nil {
			return err
		}
	}
	b.timers = nil
	return nil
}

type rect struct{ x, y, w, h float64 }

func (b *bridge) rectValue(r rect) goja.Value {
	o := b.vm.NewObject()
	for k, v := range map[string]float64{
		"x": r.x, "y": r.y, "width": r.w, "height": r.h,
		"left": r.x, "top": r.y, "right": r.x + r.w, "bottom": r.y + r.h,
	} {
		_ = o.Set(k, v)
	}
	return o
}

// styleObject backs element.style. Property names may be camelCase or
// kebab-case.
type styleObject struct {
	b *bridge
	n *html.Node
}

func (s *styleObject) Get(key string) goja.Value {
	vm := s.b.vm
	switch key {
	case "setProperty":
		return vm.ToValue(func(call goja.FunctionCall) goja.Value {
			s.set(call.Argument(0).String(), call.Argument(1))
			return goja.Undefined()
		})
	case "getPropertyValue":
		return vm.ToValue(func(call goja.FunctionCall) goja.Value {
			return vm.ToValue(dom.Style(s.n, call.Argument(0).String()))
		})
	case "removeProperty":
		return vm.ToValue(func(call goja.FunctionCall) goja.Value {
			prop := call.Argument(0).String()
			old := dom.Style(s.n, prop)
			dom.SetStyle(s.n, prop, "")
			return vm.ToValue(old)
		})
	case "cssText":
		v, _ := dom.Attr(s.n, "style")
		return vm.ToValue(v)
	}
	return vm.ToValue(dom.Style(s.n, kebab(key)))
}

func (s *styleObject) Set(key string, val goja.Value) bool {
	if key == "cssText" {
		dom.SetAttr(s.n, "style", stringOrEmpty(val))
		return true
	}
	s.set(kebab(key), val)
	return true
}

func (s *styleObject) set(prop string, val goja.Value) {
	dom.SetStyle(s.n, prop, stringOrEmpty(val))
}

func (s *styleObject) Has(key string) bool { return dom.Style(s.n, kebab(key)) != "" }

func (s *styleObject) Delete(key string) bool {
	dom.SetStyle(s.n, kebab(key), "")
	return true
}

func (s *styleObject) Keys() []string { return nil }

func kebab(name string) string {
	var sb strings.Builder
	for _, r := range name {
		if r >= 'A' && r <= 'Z' {
			sb.WriteByte('-')
			sb.WriteRune(r + ('a' - 'A'))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func localName(name string) string {
	if _, local, ok := strings.Cut(name, ":"); ok && !strings.HasPrefix(name, "xlink:") {
		return local
	}
	return name
}

func tagName(n *html.Node) string {
	if n.Type != html.ElementNode {
		return ""
	}
	if n.Namespace == dom.NamespaceHTML {
		return strings.ToUpper(n.Data)
	}
	return n.Data
}

func stringOrEmpty(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	return v.String()
}

func jsString(v goja.Value) string {
	if o, ok := v.(*goja.Object); ok && o.ClassName() != "Function" {
		if raw, err := o.MarshalJSON(); err == nil {
			return string(raw)
		}
	}
	return stringOrEmpty(v)
}

func cloneNode(n *html.Node, deep bool) *html.Node {
	c := &html.Node{
		Type:      n.Type,
		DataAtom:  n.DataAtom,
		Data:      n.Data,
		Namespace: n.Namespace,
		Attr:      append([]html.Attribute(nil), n.Attr...),
	}
	if deep {
		for k := n.FirstChild; k != nil; k = k.NextSibling {
			c.AppendChild(cloneNode(k, true))
		}
	}
	return c
}

func fontSize(n *html.Node) float64 {
	for ; n != nil; n = n.Parent {
		if n.Type != html.ElementNode {
			continue
		}
		if v := dom.Style(n, "font-size"); v != "" {
			if f, ok := dom.ParseLength(v); ok && f > 0 {
				return f
			}
		}
		if v, ok := dom.Attr(n, "font-size"); ok {
			if f, ok := dom.ParseLength(v); ok && f > 0 {
				return f
			}
		}
	}
	return defaultFontSize
}

func textWidth(text string, size float64) float64 {
	return float64(utf8.RuneCountInString(text)) * size * glyphAdvance
}

func attrNum(n *html.Node, key string) float64 {
	v, ok := dom.Attr(n, key)
	if !ok {
		return 0
	}
	f, _ := dom.ParseLength(v)
	return f
}

// bbox estimates the untransformed bounding box of an SVG element.
func bbox(n *html.Node) rect {
	switch n.Data {
	case "rect", "image", "foreignObject", "use":
		return rect{attrNum(n, "x"), attrNum(n, "y"), attrNum(n, "width"), attrNum(n, "height")}
	case "svg":
		return rect{0, 0, clientSize(n, "width"), clientSize(n, "height")}
	case "circle":
		r := attrNum(n, "r")
		return rect{attrNum(n, "cx") - r, attrNum(n, "cy") - r, 2 * r, 2 * r}
	case "ellipse":
		rx, ry := attrNum(n, "rx"), attrNum(n, "ry")
		return rect{attrNum(n, "cx") - rx, attrNum(n, "cy") - ry, 2 * rx, 2 * ry}
	case "line":
		x1, x2 := attrNum(n, "x1"), attrNum(n, "x2")
		y1, y2 := attrNum(n, "y1"), attrNum(n, "y2")
		return rect{math.Min(x1, x2), math.Min(y1, y2), math.Abs(x2 - x1), math.Abs(y2 - y1)}
	case "text", "tspan":
		size := fontSize(n)
		return rect{attrNum(n, "x"), attrNum(n, "y") - size, textWidth(dom.TextContent(n), size), size}
	}

	var out rect
	first := true
	for _, c := range dom.Children(n) {
		r := bbox(c)
		if r.w == 0 && r.h == 0 {
			continue
		}
		if first {
			out, first = r, false
			continue
		}
		x0, y0 := math.Min(out.x, r.x), math.Min(out.y, r.y)
		x1, y1 := math.Max(out.x+out.w, r.x+r.w), math.Max(out.y+out.h, r.y+r.h)
		out = rect{x0, y0, x1 - x0, y1 - y0}
	}
	return out
}

// clientSize resolves a layout dimension from the element or its nearest
// sized ancestor, falling back to the default SVG canvas.
func clientSize(n *html.Node, key string) float64 {
	def := float64(dom.DefaultSVGWidth)
	if key == "height" {
		def = dom.DefaultSVGHeight
	}
	for ; n != nil; n = n.Parent {
		if n.Type != html.ElementNode {
			continue
		}
		for _, raw := range []string{dom.Style(n, key), attrOrEmpty(n, key)} {
			if raw == "" || strings.HasSuffix(strings.TrimSpace(raw), "%") || raw == "auto" {
				continue
			}
			if f, ok := dom.ParseLength(raw); ok && f > 0 {
				return f
			}
		}
	}
	return def
}

func attrOrEmpty(n *html.Node, key string) string {
	v, _ := dom.Attr(n, key)
	return v
}
