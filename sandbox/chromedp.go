package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/isdmx/vizheal/dom"
)

// new Function("d3", "data", body) puts two lines in front of body.
const chromeFunctionHeaderLines = 2

var chromeStackLineRe = regexp.MustCompile(`<anonymous>:(\d+):(\d+)`)

// ChromedpConfig configures the headless browser engine.
type ChromedpConfig struct {
	// CDPURL selects a running browser; empty launches a local one.
	CDPURL       string
	D3ScriptPath string
	Headless     bool
	Timeout      time.Duration
}

// ChromedpEngine runs chart code in a headless Chrome tab with the real D3
// library loaded. Each call gets its own tab.
type ChromedpEngine struct {
	logger   *zap.Logger
	config   ChromedpConfig
	d3Source string

	mu            sync.Mutex
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

// NewChromedpEngine reads the D3 script and prepares the browser allocator.
// The browser itself starts on first use.
func NewChromedpEngine(logger *zap.Logger, config ChromedpConfig) (*ChromedpEngine, error) {
	if config.D3ScriptPath == "" {
		return nil, errors.New("d3 script path is required for the chromedp engine")
	}
	src, err := os.ReadFile(config.D3ScriptPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read d3 script: %w", err)
	}

	var allocCtx context.Context
	var allocCancel context.CancelFunc
	if config.CDPURL != "" {
		logger.Info("Using remote browser", zap.String("url", config.CDPURL))
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(context.Background(), config.CDPURL)
	} else {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", config.Headless),
			chromedp.DisableGPU,
		)
		allocCtx, allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	}

	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	return &ChromedpEngine{
		logger:        logger,
		config:        config,
		d3Source:      string(src),
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
	}, nil
}

// Name returns the engine name.
func (e *ChromedpEngine) Name() string { return EngineChromedp }

// Compile defers parsing to the browser; syntax errors surface from Call.
func (e *ChromedpEngine) Compile(code string, params []string) (Program, error) {
	return &chromedpProgram{
		engine: e,
		code:   code,
		params: append([]string(nil), params...),
	}, nil
}

// Close shuts the browser down.
func (e *ChromedpEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.browserCancel != nil {
		e.browserCancel()
		e.browserCancel = nil
	}
	if e.allocCancel != nil {
		e.allocCancel()
		e.allocCancel = nil
	}
	return nil
}

func (e *ChromedpEngine) newTab(ctx context.Context) (context.Context, context.CancelFunc, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.browserCancel == nil {
		return nil, nil, errors.New("chromedp engine is closed")
	}
	// The first Run on the browser context starts the browser.
	if err := chromedp.Run(e.browserCtx); err != nil {
		return nil, nil, fmt.Errorf("failed to start browser: %w", err)
	}
	tabCtx, tabCancel := chromedp.NewContext(e.browserCtx)
	stop := context.AfterFunc(ctx, tabCancel)
	return tabCtx, func() {
		stop()
		tabCancel()
	}, nil
}

type chromedpProgram struct {
	engine *ChromedpEngine
	code   string
	params []string
}

type chromedpResult struct {
	OK      bool   `json:"ok"`
	HTML    string `json:"html"`
	Message string `json:"message"`
	Stack   string `json:"stack"`
}

func (p *chromedpProgram) Call(ctx context.Context, scope Scope) error {
	if scope.Document == nil || scope.Wrapper == nil {
		return errors.New("scope has no wrapper")
	}
	if p.engine.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.engine.config.Timeout)
		defer cancel()
	}

	tabCtx, cancel, err := p.engine.newTab(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	chromedp.ListenTarget(tabCtx, func(ev any) {
		if msg, ok := ev.(*runtime.EventConsoleAPICalled); ok {
			p.engine.logConsole(msg)
		}
	})

	script, err := p.runnerScript(scope)
	if err != nil {
		return err
	}

	var res chromedpResult
	err = chromedp.Run(tabCtx,
		chromedp.Navigate("about:blank"),
		chromedp.Evaluate(p.engine.d3Source, nil),
		chromedp.Evaluate(script, &res, func(params *runtime.EvaluateParams) *runtime.EvaluateParams {
			return params.WithAwaitPromise(true)
		}),
	)
	if err != nil {
		if ctx.Err() != nil {
			return &EngineError{Message: "chart execution timed out", Cause: ctx.Err()}
		}
		return fmt.Errorf("browser evaluation failed: %w", err)
	}
	if !res.OK {
		return chromeError(res)
	}
	return dom.SetInnerHTML(scope.Wrapper, res.HTML)
}

// runnerScript builds a page script that recreates the container and
// wrapper, runs the chart function and reports the wrapper markup.
func (p *chromedpProgram) runnerScript(scope Scope) (string, error) {
	container := scope.Wrapper
	if container.Parent != nil {
		container = container.Parent
	}
	wrapperID, _ := dom.Attr(scope.Wrapper, "id")

	rows := scope.Data
	if rows == nil {
		rows = []Row{}
	}
	dataLiteral, err := json.Marshal(rows)
	if err != nil {
		// JSON has no NaN or Infinity.
		return "", fmt.Errorf("%w: %w", ErrInvalidDataset, err)
	}
	literals := make([]string, 0, 4)
	for _, v := range []any{dom.OuterHTML(container), wrapperID, json.RawMessage(dataLiteral), p.code} {
		raw, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("failed to encode chart input: %w", err)
		}
		literals = append(literals, string(raw))
	}
	paramList, err := json.Marshal(p.params)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf(`(async () => {
  document.body.innerHTML = %s;
  const wrapperId = %s;
  const data = %s;
  const args = { d3: window.d3, data: data };
  const params = %s;
  try {
    const fn = new Function(...params, %s);
    fn(...params.map((name) => args[name]));
    await new Promise((resolve) => setTimeout(resolve, 0));
  } catch (e) {
    return { ok: false, message: String(e && e.message !== undefined ? e.message : e), stack: String((e && e.stack) || "") };
  }
  const wrapper = document.getElementById(wrapperId);
  return { ok: true, html: wrapper ? wrapper.innerHTML : "" };
})()`, literals[0], literals[1], literals[2], paramList, literals[3]), nil
}

func chromeError(res chromedpResult) *EngineError {
	out := &EngineError{Message: res.Message}
	if m := chromeStackLineRe.FindStringSubmatch(res.Stack); m != nil {
		line, _ := strconv.Atoi(m[1])
		col, _ := strconv.Atoi(m[2])
		if line -= chromeFunctionHeaderLines; line > 0 {
			out.Line = line
			out.Column = col
		}
	}
	return out
}

func (e *ChromedpEngine) logConsole(ev *runtime.EventConsoleAPICalled) {
	parts := make([]string, 0, len(ev.Args))
	for _, arg := range ev.Args {
		switch {
		case arg.Value != nil:
			parts = append(parts, strings.Trim(string(arg.Value), `"`))
		case arg.Description != "":
			parts = append(parts, arg.Description)
		}
	}
	fields := []zap.Field{zap.String("message", strings.Join(parts, " "))}
	switch ev.Type {
	case runtime.APITypeWarning:
		e.logger.Warn("chart console", fields...)
	case runtime.APITypeError:
		e.logger.Error("chart console", fields...)
	default:
		e.logger.Debug("chart console", fields...)
	}
}
