package sandbox

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"
)

//go:embed js/d3.js
var d3Source string

// The D3 subset is compiled once; a goja.Program is not tied to a runtime.
var d3Program = sync.OnceValues(func() (*goja.Program, error) {
	return goja.Compile("d3.js", d3Source, true)
})

const (
	gojaProgramName = "chart.js"
	// gojaHeaderLines is the number of wrapper lines before the chart code.
	gojaHeaderLines = 1

	maxCallStackSize = 1024
	// maxTimerCallbacks bounds deferred callbacks run after the chart function.
	maxTimerCallbacks = 1000
)

var (
	gojaPositionRes = []*regexp.Regexp{
		regexp.MustCompile(regexp.QuoteMeta(gojaProgramName) + `:(\d+):(\d+)`),
		regexp.MustCompile(`Line (\d+):(\d+)`),
	}
	gojaPositionNoiseRe = regexp.MustCompile(regexp.QuoteMeta(gojaProgramName) + `:\s*Line \d+:\d+\s*|\s*at ` + regexp.QuoteMeta(gojaProgramName) + `:\d+:\d+(\(\d+\))?`)
)

// GojaEngine runs chart code in an embedded goja runtime with a D3 subset
// drawn directly into the dom package's document.
type GojaEngine struct {
	logger  *zap.Logger
	timeout time.Duration
}

// GojaOption defines a functional option for GojaEngine
type GojaOption func(*GojaEngine)

// WithGojaTimeout bounds a single program call. Zero disables the bound.
func WithGojaTimeout(d time.Duration) GojaOption {
	return func(e *GojaEngine) {
		e.timeout = d
	}
}

// NewGojaEngine creates a new GojaEngine
func NewGojaEngine(logger *zap.Logger, opts ...GojaOption) *GojaEngine {
	e := &GojaEngine{logger: logger}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name returns the engine name.
func (e *GojaEngine) Name() string { return EngineGoja }

// Compile parses code as the body of function(params...). Nothing runs.
func (e *GojaEngine) Compile(code string, params []string) (Program, error) {
	src := "(function(" + strings.Join(params, ", ") + ") {\n" + code + "\n})"
	prog, err := goja.Compile(gojaProgramName, src, false)
	if err != nil {
		return nil, gojaError(err)
	}
	return &gojaProgram{
		logger:  e.logger,
		timeout: e.timeout,
		program: prog,
		params:  append([]string(nil), params...),
	}, nil
}

type gojaProgram struct {
	logger  *zap.Logger
	timeout time.Duration
	program *goja.Program
	params  []string
}

// Call runs the program in a fresh runtime so no scope is shared between
// charts or attempts.
func (p *gojaProgram) Call(ctx context.Context, scope Scope) (err error) {
	if scope.Document == nil {
		return errors.New("scope has no document")
	}

	vm := goja.New()
	vm.SetMaxCallStackSize(maxCallStackSize)

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	stop := context.AfterFunc(ctx, func() {
		vm.Interrupt(ctx.Err())
	})
	defer stop()

	defer func() {
		if r := recover(); r != nil {
			err = &EngineError{Message: fmt.Sprintf("engine panic: %v", r)}
		}
	}()

	b := newBridge(vm, scope.Document, p.logger)
	b.installGlobals()

	d3, err := b.loadD3()
	if err != nil {
		return fmt.Errorf("failed to load d3: %w", err)
	}
	data := datasetValue(vm, scope.Data)

	fnVal, err := vm.RunProgram(p.program)
	if err != nil {
		return gojaError(err)
	}
	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		return errors.New("compiled chart is not a function")
	}

	args := make([]goja.Value, len(p.params))
	for i, name := range p.params {
		switch name {
		case ParamD3:
			args[i] = d3
		case ParamData:
			args[i] = data
		default:
			args[i] = goja.Undefined()
		}
	}
	if _, err := fn(goja.Undefined(), args...); err != nil {
		return gojaError(err)
	}
	if err := b.runTimers(); err != nil {
		return gojaError(err)
	}

	vm.ClearInterrupt()
	return nil
}

// datasetValue hands the dataset to JavaScript as fresh native arrays and
// objects, so chart code cannot write into the caller's rows. Non-finite
// numbers arrive as NaN and Infinity.
func datasetValue(vm *goja.Runtime, rows []Row) goja.Value {
	items := make([]any, len(rows))
	for i, row := range rows {
		items[i] = nativeValue(vm, row)
	}
	return vm.NewArray(items...)
}

func nativeValue(vm *goja.Runtime, v any) goja.Value {
	switch x := v.(type) {
	case map[string]any:
		obj := vm.NewObject()
		for _, k := range slices.Sorted(maps.Keys(x)) {
			_ = obj.Set(k, nativeValue(vm, x[k]))
		}
		return obj
	case []any:
		items := make([]any, len(x))
		for i, item := range x {
			items[i] = nativeValue(vm, item)
		}
		return vm.NewArray(items...)
	case []Row:
		items := make([]any, len(x))
		for i, item := range x {
			items[i] = nativeValue(vm, item)
		}
		return vm.NewArray(items...)
	case time.Time:
		return vm.ToValue(x.Format(time.RFC3339Nano))
	default:
		return vm.ToValue(v)
	}
}

// gojaError converts goja compile and runtime failures into an EngineError
// positioned in the chart code.
func gojaError(err error) *EngineError {
	out := &EngineError{Message: err.Error(), Cause: err}

	var (
		exception   *goja.Exception
		interrupted *goja.InterruptedError
		syntax      *goja.CompilerSyntaxError
	)
	switch {
	case errors.As(err, &exception):
		out.Message = exception.Value().String()
	case errors.As(err, &interrupted):
		out.Message = fmt.Sprintf("execution interrupted: %v", interrupted.Value())
	case errors.As(err, &syntax):
		out.Message = gojaPositionNoiseRe.ReplaceAllString(syntax.Error(), " ")
		out.Message = strings.Join(strings.Fields(out.Message), " ")
	}

	if exception != nil {
		// The innermost chart frame; frames above it may sit inside d3.js.
		for _, frame := range exception.Stack() {
			if frame.SrcName() != gojaProgramName {
				continue
			}
			pos := frame.Position()
			if line := pos.Line - gojaHeaderLines; line > 0 {
				out.Line = line
				out.Column = pos.Column
				return out
			}
		}
	}

	full := err.Error()
	for _, re := range gojaPositionRes {
		if m := re.FindStringSubmatch(full); m != nil {
			line, _ := strconv.Atoi(m[1])
			col, _ := strconv.Atoi(m[2])
			if line -= gojaHeaderLines; line > 0 {
				out.Line = line
				out.Column = col
			}
			break
		}
	}
	return out
}
