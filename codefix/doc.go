// Package codefix prepares generated chart code for execution.
//
// The functions in this package never fail: each one degrades to returning
// its input when it cannot improve it. The stages run in a fixed order:
//
//   - Sanitize strips stray "Line N:" diagnostic lines and balances
//     braces, parentheses and brackets;
//   - Neutralize disables embedded data-loading calls so the code consumes
//     the dataset bound to the data parameter;
//   - RepairIfIncomplete patches truncated code when a trial compile fails
//     and keeps the patch only if it compiles.
//
// Usage:
//
//	p := codefix.NewPipeline(codefix.WithLogger(logger))
//	code := p.Preprocess(raw)
package codefix
