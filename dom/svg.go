package dom

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// Default SVG canvas used when an <svg> declares no usable width or height.
const (
	DefaultSVGWidth  = 800
	DefaultSVGHeight = 600
)

// NormalizeSVGs makes every <svg> under root responsive. An svg without a
// viewBox gets one derived from its width and height attributes, and all
// svgs get fluid sizing styles. It returns the number of svgs visited.
func NormalizeSVGs(root *html.Node) int {
	count := 0
	walk(root, func(n *html.Node) bool {
		if n.Type != html.ElementNode || !strings.EqualFold(n.Data, "svg") {
			return true
		}
		count++
		if _, ok := Attr(n, "viewBox"); !ok {
			w := dimension(n, "width", DefaultSVGWidth)
			h := dimension(n, "height", DefaultSVGHeight)
			SetAttr(n, "viewBox", fmt.Sprintf("0 0 %s %s", formatNumber(w), formatNumber(h)))
		}
		SetStyle(n, "width", "100%")
		SetStyle(n, "height", "auto")
		SetStyle(n, "max-width", "100%")
		return true
	})
	return count
}

// dimension reads the numeric prefix of attribute key, so "640px" yields 640.
// Percentages and missing or non-positive values fall back to def.
func dimension(n *html.Node, key string, def float64) float64 {
	raw, ok := Attr(n, key)
	if !ok || strings.HasSuffix(strings.TrimSpace(raw), "%") {
		return def
	}
	v, ok := ParseLength(raw)
	if !ok || v <= 0 {
		return def
	}
	return v
}

// ParseLength parses the numeric prefix of a CSS or SVG length such as
// "640", "640px" or "12.5em". Units are ignored.
func ParseLength(raw string) (float64, bool) {
	raw = strings.TrimSpace(raw)
	end := 0
	for end < len(raw) && (raw[end] == '.' || raw[end] == '-' || raw[end] == '+' || (raw[end] >= '0' && raw[end] <= '9')) {
		end++
	}
	v, err := strconv.ParseFloat(raw[:end], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
