package chart

import (
	"errors"

	"github.com/isdmx/vizheal/dom"
	"github.com/isdmx/vizheal/sandbox"
)

// Snapshot is the read model of one chart.
type Snapshot struct {
	ChartIndex   int     `json:"chart_index"`
	Title        string  `json:"title,omitempty"`
	State        State   `json:"state"`
	Generation   uint64  `json:"generation"`
	Code         string  `json:"code,omitempty"`
	RepairedCode string  `json:"repaired_code,omitempty"`
	Error        string  `json:"error,omitempty"`
	SourceLine   *int    `json:"source_line,omitempty"`
	Snippet      *string `json:"snippet,omitempty"`
	HTML         string  `json:"html"`
}

func (e *entry) snapshot() Snapshot {
	s := Snapshot{
		ChartIndex:   e.index,
		Title:        e.title,
		State:        e.state,
		Generation:   e.generation,
		Code:         e.code,
		RepairedCode: e.repaired,
		HTML:         dom.InnerHTML(e.container),
	}
	if e.err != nil {
		s.Error = e.err.Error()
		var execErr *sandbox.ExecutionError
		if errors.As(e.err, &execErr) {
			s.Error = execErr.Message
			s.SourceLine = execErr.SourceLine
			s.Snippet = execErr.Snippet
		}
	}
	return s
}
