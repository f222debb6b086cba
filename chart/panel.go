package chart

import (
	"errors"

	"golang.org/x/net/html"

	"github.com/isdmx/vizheal/codefix"
	"github.com/isdmx/vizheal/dom"
	"github.com/isdmx/vizheal/sandbox"
)

const (
	placeholderText    = "Fixing a problem with this chart..."
	errorHeadline      = "This chart could not be displayed"
	errorHint          = "Try rephrasing your request or asking for a simpler chart."
	missingCodeText    = "No chart code was provided."
	invalidDatasetText = "The chart data contains values that cannot be passed to the chart."
)

func (m *Manager) element(parent *html.Node, tag, class string) *html.Node {
	n := m.doc.CreateElement(tag)
	if class != "" {
		dom.SetAttr(n, "class", class)
	}
	parent.AppendChild(n)
	return n
}

// showPlaceholder replaces the container content with the repairing notice.
func (m *Manager) showPlaceholder(container *html.Node) {
	dom.Clear(container)
	p := m.element(container, "div", "chart-repairing")
	dom.SetAttr(p, "role", "status")
	dom.SetAttr(p, "aria-live", "polite")
	dom.SetTextContent(p, placeholderText)
}

// showError replaces the container content with the failure panel.
func (m *Manager) showError(container *html.Node, err error) {
	dom.Clear(container)
	panel := m.element(container, "div", "chart-error")
	dom.SetAttr(panel, "role", "alert")

	dom.SetTextContent(m.element(panel, "h3", ""), errorHeadline)
	dom.SetTextContent(m.element(panel, "p", "chart-error-message"), userMessage(err))

	var execErr *sandbox.ExecutionError
	if errors.As(err, &execErr) && execErr.Snippet != nil {
		details := m.element(panel, "details", "")
		dom.SetTextContent(m.element(details, "summary", ""), "Technical details")
		dom.SetTextContent(m.element(details, "pre", ""), *execErr.Snippet)
	}

	dom.SetTextContent(m.element(panel, "p", "chart-error-hint"), errorHint)
}

func userMessage(err error) string {
	if errors.Is(err, codefix.ErrMissingCode) {
		return missingCodeText
	}
	if errors.Is(err, sandbox.ErrInvalidDataset) {
		return invalidDatasetText
	}
	var execErr *sandbox.ExecutionError
	if errors.As(err, &execErr) {
		return execErr.Error()
	}
	return err.Error()
}
