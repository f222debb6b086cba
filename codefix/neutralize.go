package codefix

import (
	"context"
	_ "embed"
	"fmt"
	"sort"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
	"gopkg.in/yaml.v3"
)

// RemovedLoadComment replaces every neutralized data-loading call.
const RemovedLoadComment = "/* external data load removed */"

// NeutralizedHeader is prepended to code in which at least one call was replaced.
const NeutralizedHeader = "// External data loading was disabled: the data parameter already holds the dataset.\n"

// maxNeutralizePasses bounds the rewrite loop for loaders nested inside callbacks.
const maxNeutralizePasses = 8

//go:embed loaders.yaml
var loadersYAML []byte

type loaderTable struct {
	Loaders       []string `yaml:"loaders"`
	Continuations []string `yaml:"continuations"`
}

var loaders = mustLoadLoaderTable(loadersYAML)

type loaderSet struct {
	callees       map[string]bool
	continuations map[string]bool
}

func mustLoadLoaderTable(raw []byte) loaderSet {
	var t loaderTable
	if err := yaml.Unmarshal(raw, &t); err != nil {
		panic(fmt.Sprintf("codefix: parse loaders.yaml: %v", err))
	}
	set := loaderSet{callees: map[string]bool{}, continuations: map[string]bool{}}
	for _, l := range t.Loaders {
		set.callees[l] = true
	}
	for _, c := range t.Continuations {
		set.continuations[c] = true
	}
	return set
}

// IsLoaderCallee reports whether callee (e.g. "d3.csv") is a known data loader.
func IsLoaderCallee(callee string) bool {
	return loaders.callees[compactCallee(callee)]
}

// Neutralize replaces embedded data-loading calls, including their promise
// continuations, with code that hands the data parameter to the original
// continuation. Code that cannot be parsed is returned unchanged.
func Neutralize(code string) string {
	out := code
	replaced := false
	for pass := 0; pass < maxNeutralizePasses; pass++ {
		edits, err := findLoaderEdits(out)
		if err != nil || len(edits) == 0 {
			break
		}
		out = applyEdits(out, edits)
		replaced = true
	}
	if !replaced {
		return code
	}
	return NeutralizedHeader + out
}

type edit struct {
	start, end uint32
	text       string
}

// findLoaderEdits returns non-overlapping edits for the outermost loader
// calls in src. Loaders nested inside a replaced callback are handled by
// the next pass.
func findLoaderEdits(src string) ([]edit, error) {
	content := []byte(src)
	parser := sitter.NewParser()
	parser.SetLanguage(javascript.GetLanguage())
	tree, err := parser.ParseCtx(context.Background(), nil, content)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	var edits []edit
	var visit func(n *sitter.Node)
	visit = func(n *sitter.Node) {
		if n.Type() == "call_expression" {
			if fn := n.ChildByFieldName("function"); fn != nil && IsLoaderCallee(fn.Content(content)) {
				edits = append(edits, loaderEdit(n, content))
				return
			}
		}
		for i := 0; i < int(n.ChildCount()); i++ {
			if c := n.Child(i); c != nil {
				visit(c)
			}
		}
	}
	visit(tree.RootNode())

	sort.Slice(edits, func(i, j int) bool { return edits[i].start < edits[j].start })
	out := edits[:0]
	var lastEnd uint32
	for _, e := range edits {
		if len(out) > 0 && e.start < lastEnd {
			continue
		}
		out = append(out, e)
		lastEnd = e.end
	}
	return out, nil
}

// loaderEdit widens a loader call to its continuation chain and a leading
// await, then picks a replacement that keeps the continuation's meaning.
func loaderEdit(call *sitter.Node, src []byte) edit {
	cur := call
	var callback *sitter.Node
	var thens []*sitter.Node
	nodeStyle := false
	// fetch resolves to a Response; its first continuation only unwraps the body.
	fetchLike := false
	if fn := call.ChildByFieldName("function"); fn != nil {
		fetchLike = strings.HasSuffix(compactCallee(fn.Content(src)), "fetch")
	}

	if args := call.ChildByFieldName("arguments"); args != nil {
		if n := int(args.NamedChildCount()); n >= 2 {
			if last := args.NamedChild(n - 1); last != nil && isFunctionNode(last) {
				callback = last
				nodeStyle = true
			}
		}
	}

	for {
		member := cur.Parent()
		if member == nil || member.Type() != "member_expression" {
			break
		}
		obj := member.ChildByFieldName("object")
		prop := member.ChildByFieldName("property")
		if obj == nil || prop == nil || !sameNode(obj, cur) || !loaders.continuations[prop.Content(src)] {
			break
		}
		outer := member.Parent()
		if outer == nil || outer.Type() != "call_expression" {
			break
		}
		if fn := outer.ChildByFieldName("function"); fn == nil || !sameNode(fn, member) {
			break
		}
		if prop.Content(src) == "then" {
			if args := outer.ChildByFieldName("arguments"); args != nil && args.NamedChildCount() > 0 {
				thens = append(thens, args.NamedChild(0))
			}
		}
		cur = outer
	}

	if fetchLike && len(thens) > 0 {
		thens = thens[1:]
	}

	awaited := false
	if p := cur.Parent(); p != nil && p.Type() == "await_expression" {
		cur = p
		awaited = true
	}

	// A trailing function followed by a continuation or an await is a row
	// accessor (d3.csv(url, row).then(cb)), not a node-style callback.
	rows := "data"
	if nodeStyle && (len(thens) > 0 || awaited) {
		rows = "(data).map(" + callback.Content(src) + ")"
		callback = nil
		nodeStyle = false
	}
	if callback == nil && len(thens) > 0 {
		callback = thens[0]
	}

	statement := false
	if p := cur.Parent(); p != nil && p.Type() == "expression_statement" {
		statement = true
	}

	var replacement string
	switch {
	case callback != nil:
		args := rows
		if nodeStyle && paramCount(callback) >= 2 {
			args = "null, data"
		}
		replacement = RemovedLoadComment + " (" + callback.Content(src) + ")(" + args + ")"
	case awaited:
		replacement = RemovedLoadComment + " " + rows
	case statement:
		replacement = RemovedLoadComment
	default:
		replacement = RemovedLoadComment + " Promise.resolve(data)"
	}
	if statement {
		// A leading semicolon keeps a preceding statement without one from
		// being parsed as a call of the replacement.
		replacement = ";" + replacement
	}

	return edit{start: cur.StartByte(), end: cur.EndByte(), text: replacement}
}

func applyEdits(src string, edits []edit) string {
	var sb strings.Builder
	var pos uint32
	for _, e := range edits {
		sb.WriteString(src[pos:e.start])
		sb.WriteString(e.text)
		pos = e.end
	}
	sb.WriteString(src[pos:])
	return sb.String()
}

func isFunctionNode(n *sitter.Node) bool {
	switch n.Type() {
	case "function", "function_expression", "arrow_function":
		return true
	}
	return false
}

func paramCount(fn *sitter.Node) int {
	if p := fn.ChildByFieldName("parameters"); p != nil {
		return int(p.NamedChildCount())
	}
	if p := fn.ChildByFieldName("parameter"); p != nil {
		return 1
	}
	return 0
}

func sameNode(a, b *sitter.Node) bool {
	return a.StartByte() == b.StartByte() && a.EndByte() == b.EndByte() && a.Type() == b.Type()
}

func compactCallee(s string) string {
	return strings.Join(strings.Fields(s), "")
}
