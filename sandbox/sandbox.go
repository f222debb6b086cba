package sandbox

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/isdmx/vizheal/dom"
)

// Sandbox executes chart code through an Engine inside a chart-scoped
// container.
type Sandbox struct {
	logger  *zap.Logger
	engine  Engine
	timeout time.Duration
}

// Option defines a functional option for Sandbox
type Option func(*Sandbox)

// WithTimeout bounds a single invocation. Zero leaves the caller's context
// as the only bound.
func WithTimeout(d time.Duration) Option {
	return func(s *Sandbox) {
		s.timeout = d
	}
}

// New creates a new Sandbox
func New(logger *zap.Logger, engine Engine, opts ...Option) *Sandbox {
	s := &Sandbox{
		logger: logger,
		engine: engine,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Engine returns the engine the sandbox compiles with.
func (s *Sandbox) Engine() Engine { return s.engine }

// Execute renders req.Code into req.Container. Any failure is returned as an
// *ExecutionError; the container then holds whatever the code drew before
// failing.
func (s *Sandbox) Execute(ctx context.Context, req ExecuteRequest) error {
	if req.Document == nil || req.Container == nil {
		return &ExecutionError{Message: "no container to render into", FullCode: req.Code}
	}

	wrapper := s.prepareContainer(req)

	code := RewriteSelectors(req.Code, req.ChartIndex)
	instrumented := Instrument(code)

	program, err := s.engine.Compile(instrumented, ChartParams)
	if err != nil {
		execErr := Localize(err, code, instrumented)
		s.logFailure(req, "compile", execErr)
		return execErr
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	err = program.Call(ctx, Scope{
		Document: req.Document,
		Wrapper:  wrapper,
		Data:     req.Dataset,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
			err = &EngineError{Message: "chart execution timed out", Cause: err}
		}
		execErr := Localize(err, code, instrumented)
		s.logFailure(req, "invoke", execErr)
		return execErr
	}

	svgs := dom.NormalizeSVGs(req.Container)
	s.logger.Debug("Chart executed",
		zap.Int("chart_index", req.ChartIndex),
		zap.String("engine", s.engine.Name()),
		zap.Int("svg_count", svgs),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// prepareContainer assigns the chart-scoped id, drops previous content and
// installs a fresh wrapper.
func (*Sandbox) prepareContainer(req ExecuteRequest) *html.Node {
	dom.SetAttr(req.Container, "id", ContainerID(req.ChartIndex))
	dom.Clear(req.Container)

	wrapper := req.Document.CreateElement("div")
	dom.SetAttr(wrapper, "id", WrapperID(req.ChartIndex))
	req.Container.AppendChild(wrapper)
	return wrapper
}

func (s *Sandbox) logFailure(req ExecuteRequest, phase string, err *ExecutionError) {
	fields := []zap.Field{
		zap.Int("chart_index", req.ChartIndex),
		zap.String("engine", s.engine.Name()),
		zap.String("phase", phase),
		zap.String("error", err.Message),
	}
	if err.SourceLine != nil {
		fields = append(fields, zap.Int("source_line", *err.SourceLine))
	}
	s.logger.Info("Chart execution failed", fields...)
}

func secondsToDuration(sec int) time.Duration {
	if sec <= 0 {
		return 0
	}
	return time.Duration(sec) * time.Second
}
