package sandbox

import (
	"context"
	"math"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/vizheal/dom"
)

// Chrome tests need a local browser and a D3 bundle:
//
//	VIZHEAL_CHROME_TESTS=1 VIZHEAL_D3_SCRIPT=/path/to/d3.min.js go test ./sandbox/
func newChromedpSandbox(t *testing.T) *Sandbox {
	t.Helper()
	if os.Getenv("VIZHEAL_CHROME_TESTS") != "1" {
		t.Skip("set VIZHEAL_CHROME_TESTS=1 to run headless Chrome tests")
	}
	script := os.Getenv("VIZHEAL_D3_SCRIPT")
	if script == "" {
		t.Skip("VIZHEAL_D3_SCRIPT is not set")
	}

	logger := zaptest.NewLogger(t)
	engine, err := NewChromedpEngine(logger, ChromedpConfig{
		CDPURL:       os.Getenv("VIZHEAL_CDP_URL"),
		D3ScriptPath: script,
		Headless:     true,
		Timeout:      30 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })
	return New(logger, engine)
}

func TestChromedpEngine(t *testing.T) {
	t.Run("renders into the wrapper", func(t *testing.T) {
		sb := newChromedpSandbox(t)
		doc, container := newTarget(t)

		err := sb.Execute(context.Background(), ExecuteRequest{
			Document:  doc,
			Container: container,
			Code:      "d3.select('#visualization').append('svg').selectAll('circle').data(data).join('circle').attr('r', d => d.r);",
			Dataset:   []Row{{"r": 3.0}, {"r": 5.0}},
		})
		require.NoError(t, err)

		circles, err := dom.QuerySelectorAll(container, "circle")
		require.NoError(t, err)
		assert.Len(t, circles, 2)
	})

	t.Run("runtime error line", func(t *testing.T) {
		sb := newChromedpSandbox(t)
		doc, container := newTarget(t)
		code := strings.Join([]string{"const a = 1;", "const b = 2;", "missing();"}, "\n")

		err := sb.Execute(context.Background(), ExecuteRequest{Document: doc, Container: container, Code: code})
		var execErr *ExecutionError
		require.ErrorAs(t, err, &execErr)
		assert.Contains(t, execErr.Message, "missing is not defined")
		require.NotNil(t, execErr.SourceLine)
		assert.Equal(t, 3, *execErr.SourceLine)
	})
}

func TestNewChromedpEngine_MissingScript(t *testing.T) {
	_, err := NewChromedpEngine(zaptest.NewLogger(t), ChromedpConfig{D3ScriptPath: "/nonexistent/d3.js"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read d3 script")
}

func TestChromeError(t *testing.T) {
	err := chromeError(chromedpResult{
		Message: "x is not defined",
		Stack:   "ReferenceError: x is not defined\n    at eval (eval at <anonymous> (:3:16), <anonymous>:6:1)",
	})
	assert.Equal(t, "x is not defined", err.Message)
	assert.Equal(t, 4, err.Line)
	assert.Equal(t, 1, err.Column)
}

func TestChromedpRunnerScript(t *testing.T) {
	doc, container := newTarget(t)
	wrapper := doc.CreateElement("div")
	dom.SetAttr(wrapper, "id", WrapperID(0))
	container.AppendChild(wrapper)
	p := &chromedpProgram{code: "d3.select('#visualization-wrapper-0');", params: ChartParams}

	t.Run("embeds rows as a literal", func(t *testing.T) {
		script, err := p.runnerScript(Scope{Document: doc, Wrapper: wrapper, Data: []Row{{"v": 2.5}}})
		require.NoError(t, err)
		assert.Contains(t, script, `const data = [{"v":2.5}];`)
		assert.Contains(t, script, `const wrapperId = "visualization-wrapper-0";`)
	})

	t.Run("non-finite cells are an invalid dataset", func(t *testing.T) {
		_, err := p.runnerScript(Scope{Document: doc, Wrapper: wrapper, Data: []Row{{"v": math.Inf(-1)}}})
		require.ErrorIs(t, err, ErrInvalidDataset)
	})
}
