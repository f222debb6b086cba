// Package chart runs the self-healing render lifecycle of dashboard charts.
//
// A Manager owns one in-memory dashboard document and, per chart index, a
// container and a state machine:
//
//	Rendering -> Rendered
//	Rendering -> Repairing -> Rendered | Failed
//
// A first attempt preprocesses the code (sanitize, neutralize loaders,
// complete truncated text) before executing it. When it fails, the
// container shows a placeholder while the original code and the error are
// sent to the repair service once. The reply, with markdown fences removed,
// is executed directly; its failure or a refusal from the service ends in
// the error panel. Nothing is retried automatically.
//
// Every render bumps the index generation. Repairs that finish after a newer
// render or a removal are dropped and reported as superseded.
package chart
