package chart

import (
	"fmt"
	"strings"
)

// State is the render state of one chart index.
type State int

const (
	StateIdle State = iota
	StateRendering
	StateRepairing
	StateRendered
	StateFailed
)

var stateNames = [...]string{
	StateIdle:      "idle",
	StateRendering: "rendering",
	StateRepairing: "repairing",
	StateRendered:  "rendered",
	StateFailed:    "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal reports whether no further transition happens without a new render.
func (s State) Terminal() bool {
	return s == StateRendered || s == StateFailed
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(b []byte) error {
	name := strings.ToLower(strings.TrimSpace(string(b)))
	for i, n := range stateNames {
		if n == name {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown chart state: %q", string(b))
}
