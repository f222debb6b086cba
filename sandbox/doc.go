// Package sandbox executes generated chart code against a dataset.
//
// The sandbox package turns a code string into a rendered chart inside a
// chart-scoped DOM subtree. Code is compiled through an Engine, the single
// interpreter boundary, into a function of exactly two parameters: the
// charting handle (d3) and the dataset (data). Two engines are provided: an
// embedded goja runtime with a D3 subset implemented over the dom package,
// and a headless Chrome tab driven through chromedp running the real D3.
//
// Every failure leaving Execute is an *ExecutionError carrying the
// approximate source line and a numbered snippet around it.
//
// Usage:
//
//	engine, err := sandbox.NewEngine(logger, &sandbox.Config{Engine: "goja", TimeoutSec: 10})
//	sb := sandbox.New(logger, engine, sandbox.WithTimeout(10*time.Second))
//	err = sb.Execute(ctx, sandbox.ExecuteRequest{
//	    Document:   doc,
//	    Container:  container,
//	    Code:       "d3.select('#visualization').append('svg')",
//	    Dataset:    rows,
//	    ChartIndex: 0,
//	})
package sandbox
