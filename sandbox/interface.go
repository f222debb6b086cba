package sandbox

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/net/html"

	"github.com/isdmx/vizheal/dom"
)

// Parameter names every chart program is compiled with.
const (
	ParamD3   = "d3"
	ParamData = "data"
)

// ChartParams lists the bindings of a chart program in call order.
var ChartParams = []string{ParamD3, ParamData}

// Engine names accepted by NewEngine.
const (
	EngineGoja     = "goja"
	EngineChromedp = "chromedp"
)

// SharedSelector is the container selector generated code is written against.
const SharedSelector = "#visualization"

// ContainerID returns the id assigned to the container of chart index i.
func ContainerID(i int) string {
	return fmt.Sprintf("visualization-%d", i)
}

// WrapperID returns the id of the element chart index i draws into.
func WrapperID(i int) string {
	return fmt.Sprintf("visualization-wrapper-%d", i)
}

// ErrInvalidDataset marks a dataset the engine cannot hand to chart code.
// It is an input problem, not a fault of the chart.
var ErrInvalidDataset = errors.New("dataset cannot be passed to chart code")

// Row is one dataset record.
type Row = map[string]any

// Scope holds the values a compiled program is invoked with.
type Scope struct {
	Document *dom.Document
	Wrapper  *html.Node
	Data     []Row
}

// Engine compiles chart code. It is the only place where a string becomes
// executable code.
type Engine interface {
	// Name identifies the engine in logs.
	Name() string
	// Compile builds a callable taking params from code without running it.
	Compile(code string, params []string) (Program, error)
}

// Program is a compiled chart function. A Program belongs to a single
// chart execution and is not reused.
type Program interface {
	Call(ctx context.Context, scope Scope) error
}

// Closer is implemented by engines that hold external resources.
type Closer interface {
	Close() error
}

// EngineError is an engine's report of a compile or runtime failure.
// Line and Column refer to the code passed to Compile; zero means unknown.
type EngineError struct {
	Message string
	Line    int
	Column  int
	Cause   error
}

func (e *EngineError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s (line %d:%d)", e.Message, e.Line, e.Column)
	}
	return e.Message
}

func (e *EngineError) Unwrap() error { return e.Cause }

// ExecuteRequest represents the parameters for one chart execution.
type ExecuteRequest struct {
	Document   *dom.Document
	Container  *html.Node
	Code       string
	Dataset    []Row
	ChartIndex int
}

// Config holds engine configuration.
type Config struct {
	Engine       string
	TimeoutSec   int
	CDPURL       string
	D3ScriptPath string
	Headless     bool
}
