package chart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"github.com/isdmx/vizheal/codefix"
	"github.com/isdmx/vizheal/repair"
	"github.com/isdmx/vizheal/sandbox"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const validCode = "d3.select('#visualization').append('svg').append('circle').attr('r', data.length);"

// brokenCode throws a ReferenceError on line 5.
var brokenCode = strings.Join([]string{
	"const svg = d3.select('#visualization')",
	"  .append('svg')",
	"  .attr('width', 400)",
	"  .attr('height', 300);",
	"foo.bar();",
	"svg.append('g')",
	"  .attr('class', 'layer');",
	"const total = data.length;",
	"svg.append('text').text(total);",
	"svg.attr('data-done', 'yes');",
}, "\n")

type repairCall struct {
	code    string
	message string
}

// fakeRepairer answers with a fixed reply, optionally waiting for release.
type fakeRepairer struct {
	mu      sync.Mutex
	calls   []repairCall
	fixed   string
	err     error
	release chan struct{}
	started chan struct{}
}

func (f *fakeRepairer) Repair(_ context.Context, code, message string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, repairCall{code: code, message: message})
	f.mu.Unlock()

	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	return f.fixed, f.err
}

func (f *fakeRepairer) Calls() []repairCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]repairCall(nil), f.calls...)
}

func blockingRepairer(fixed string, err error) *fakeRepairer {
	return &fakeRepairer{
		fixed:   fixed,
		err:     err,
		release: make(chan struct{}),
		started: make(chan struct{}, 1),
	}
}

func newManager(t *testing.T, repairer repair.Repairer) *Manager {
	t.Helper()
	logger := zaptest.NewLogger(t)
	sb := sandbox.New(logger, sandbox.NewGojaEngine(logger), sandbox.WithTimeout(5*time.Second))
	m := NewManager(logger, sb, repairer)
	t.Cleanup(func() { require.NoError(t, m.Close()) })
	return m
}

func await(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := Await(ctx, ch)
	require.NoError(t, err)
	return res
}

var rows = []sandbox.Row{{"x": 1.0}}

func TestRender_ScenarioA(t *testing.T) {
	repairer := &fakeRepairer{}
	m := newManager(t, repairer)

	res := await(t, m.Render(context.Background(), Spec{ChartIndex: 0, Code: "d3.select('#visualization').append('circle')"}, rows, nil))

	assert.Equal(t, StateRendered, res.State)
	require.NoError(t, res.Err)
	assert.NotEmpty(t, res.CycleID)
	assert.Empty(t, repairer.Calls())

	snap, ok := m.Snapshot(0)
	require.True(t, ok)
	assert.Equal(t, StateRendered, snap.State)
	assert.Contains(t, snap.HTML, `id="visualization-wrapper-0"`)
	assert.Contains(t, snap.HTML, "<circle")
}

func TestRender_ScenarioB(t *testing.T) {
	repairer := &fakeRepairer{}
	m := newManager(t, repairer)

	res := await(t, m.Render(context.Background(), Spec{ChartIndex: 0, Code: "d3.select('#visualization').append('circle'"}, rows, nil))

	assert.Equal(t, StateRendered, res.State)
	assert.Empty(t, repairer.Calls())
}

func TestRender_ScenarioC(t *testing.T) {
	t.Run("repaired", func(t *testing.T) {
		repairer := blockingRepairer("```javascript\n"+validCode+"\n```", nil)
		m := newManager(t, repairer)

		var notified []string
		var notifiedMu sync.Mutex
		ch := m.Render(context.Background(), Spec{ChartIndex: 0, Code: brokenCode}, rows, func(index int, fixed string) {
			notifiedMu.Lock()
			defer notifiedMu.Unlock()
			assert.Equal(t, 0, index)
			notified = append(notified, fixed)
		})

		<-repairer.started
		snap, ok := m.Snapshot(0)
		require.True(t, ok)
		assert.Equal(t, StateRepairing, snap.State)
		assert.Contains(t, snap.HTML, "chart-repairing")
		require.NotNil(t, snap.SourceLine)
		assert.Equal(t, 5, *snap.SourceLine)
		require.NotNil(t, snap.Snippet)
		assert.Contains(t, *snap.Snippet, ">>>    5 | foo.bar();")
		assert.Contains(t, *snap.Snippet, "   3 |")
		assert.Contains(t, *snap.Snippet, "   7 |")

		close(repairer.release)
		res := await(t, ch)

		assert.Equal(t, StateRendered, res.State)
		assert.Equal(t, validCode, res.RepairedCode)
		require.Len(t, repairer.Calls(), 1)
		call := repairer.Calls()[0]
		assert.Equal(t, brokenCode, call.code)
		assert.Contains(t, call.message, "foo is not defined")

		notifiedMu.Lock()
		assert.Equal(t, []string{validCode}, notified)
		notifiedMu.Unlock()

		snap, _ = m.Snapshot(0)
		assert.Contains(t, snap.HTML, "<circle")
		assert.NotContains(t, snap.HTML, "chart-repairing")
	})

	t.Run("second attempt fails", func(t *testing.T) {
		repairer := &fakeRepairer{fixed: "bar.baz();"}
		m := newManager(t, repairer)

		called := false
		res := await(t, m.Render(context.Background(), Spec{ChartIndex: 0, Code: brokenCode}, rows, func(int, string) {
			called = true
		}))

		assert.Equal(t, StateFailed, res.State)
		assert.False(t, called)
		var execErr *sandbox.ExecutionError
		require.ErrorAs(t, res.Err, &execErr)
		assert.Contains(t, execErr.Message, "bar is not defined")

		snap, _ := m.Snapshot(0)
		assert.Contains(t, snap.HTML, `class="chart-error"`)
		assert.Contains(t, snap.HTML, "bar is not defined")
	})
}

func TestRender_ScenarioD(t *testing.T) {
	repairer := &fakeRepairer{err: repair.ErrFixFailed}
	m := newManager(t, repairer)

	res := await(t, m.Render(context.Background(), Spec{ChartIndex: 0, Code: brokenCode}, rows, nil))

	assert.Equal(t, StateFailed, res.State)
	var execErr *sandbox.ExecutionError
	require.ErrorAs(t, res.Err, &execErr)
	assert.Contains(t, execErr.Message, "foo is not defined")

	snap, _ := m.Snapshot(0)
	assert.Contains(t, snap.Error, "foo is not defined")
	assert.Contains(t, snap.HTML, `role="alert"`)
	assert.Contains(t, snap.HTML, "foo is not defined")
	assert.Contains(t, snap.HTML, "<details>")
	assert.Contains(t, snap.HTML, "Technical details")
	assert.NotContains(t, snap.HTML, repair.ErrFixFailed.Error())
}

func TestRender_EmptyRepairIsFailure(t *testing.T) {
	for _, reply := range []string{"```js\n```", "```\n   \n```", "  \n"} {
		t.Run(strings.TrimSpace(reply), func(t *testing.T) {
			m := newManager(t, &fakeRepairer{fixed: reply})

			repaired := false
			res := await(t, m.Render(context.Background(), Spec{ChartIndex: 0, Code: brokenCode}, rows, func(int, string) {
				repaired = true
			}))

			assert.Equal(t, StateFailed, res.State)
			assert.Empty(t, res.RepairedCode)
			assert.False(t, repaired)
			var execErr *sandbox.ExecutionError
			require.ErrorAs(t, res.Err, &execErr)
			assert.Contains(t, execErr.Message, "foo is not defined")

			snap, _ := m.Snapshot(0)
			assert.Contains(t, snap.HTML, `role="alert"`)
		})
	}
}

func TestRender_ScenarioE(t *testing.T) {
	repairer := blockingRepairer("", repair.ErrFixFailed)
	m := newManager(t, repairer)

	results := make([]<-chan Result, 2)
	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		results[0] = m.Render(ctx, Spec{ChartIndex: 0, Code: brokenCode}, rows, nil)
		return nil
	})
	g.Go(func() error {
		results[1] = m.Render(ctx, Spec{ChartIndex: 1, Code: validCode}, rows, nil)
		return nil
	})
	require.NoError(t, g.Wait())

	second := await(t, results[1])
	assert.Equal(t, StateRendered, second.State)

	<-repairer.started
	before, ok := m.Snapshot(1)
	require.True(t, ok)
	first, _ := m.Snapshot(0)
	assert.Equal(t, StateRepairing, first.State)

	close(repairer.release)
	assert.Equal(t, StateFailed, await(t, results[0]).State)

	after, _ := m.Snapshot(1)
	assert.Equal(t, StateRendered, after.State)
	assert.Equal(t, before.HTML, after.HTML)
	assert.Contains(t, after.HTML, `id="visualization-wrapper-1"`)
	assert.NotContains(t, after.HTML, "visualization-wrapper-0")
}

func TestRender_Supersession(t *testing.T) {
	t.Run("newer render wins", func(t *testing.T) {
		repairer := blockingRepairer(validCode, nil)
		m := newManager(t, repairer)

		called := false
		stale := m.Render(context.Background(), Spec{ChartIndex: 0, Code: brokenCode}, rows, func(int, string) {
			called = true
		})
		<-repairer.started

		fresh := await(t, m.Render(context.Background(), Spec{ChartIndex: 0, Code: validCode}, rows, nil))
		assert.Equal(t, StateRendered, fresh.State)

		close(repairer.release)
		res := await(t, stale)
		assert.True(t, res.Superseded)
		assert.False(t, called)
		assert.Less(t, res.Generation, fresh.Generation)

		snap, _ := m.Snapshot(0)
		assert.Equal(t, fresh.Generation, snap.Generation)
		assert.Empty(t, snap.RepairedCode)
	})

	t.Run("removal drops the repair", func(t *testing.T) {
		repairer := blockingRepairer(validCode, nil)
		m := newManager(t, repairer)

		ch := m.Render(context.Background(), Spec{ChartIndex: 3, Code: brokenCode}, rows, nil)
		<-repairer.started

		assert.True(t, m.Remove(3))
		assert.False(t, m.Remove(3))
		close(repairer.release)

		res := await(t, ch)
		assert.True(t, res.Superseded)
		_, ok := m.Snapshot(3)
		assert.False(t, ok)
		assert.NotContains(t, m.PageHTML(), "visualization-3")
	})

	t.Run("generation survives removal", func(t *testing.T) {
		m := newManager(t, &fakeRepairer{})

		first := await(t, m.Render(context.Background(), Spec{ChartIndex: 0, Code: validCode}, rows, nil))
		m.Remove(0)
		second := await(t, m.Render(context.Background(), Spec{ChartIndex: 0, Code: validCode}, rows, nil))
		assert.Greater(t, second.Generation, first.Generation)
	})
}

func TestRender_MissingCode(t *testing.T) {
	repairer := &fakeRepairer{}
	m := newManager(t, repairer)

	for _, code := range []any{nil, "   ", map[string]any{"title": "no code"}} {
		res := await(t, m.Render(context.Background(), Spec{ChartIndex: 0, Code: code}, rows, nil))
		assert.Equal(t, StateFailed, res.State)
		require.ErrorIs(t, res.Err, codefix.ErrMissingCode)
	}
	assert.Empty(t, repairer.Calls())

	snap, _ := m.Snapshot(0)
	assert.Contains(t, snap.HTML, "No chart code was provided.")
}

// executorFunc adapts a function to Executor.
type executorFunc func(ctx context.Context, req sandbox.ExecuteRequest) error

func (f executorFunc) Execute(ctx context.Context, req sandbox.ExecuteRequest) error {
	return f(ctx, req)
}

func TestRender_InvalidDatasetSkipsRepair(t *testing.T) {
	repairer := &fakeRepairer{fixed: "d3.select('#visualization').append('g');"}
	exec := executorFunc(func(_ context.Context, req sandbox.ExecuteRequest) error {
		cause := fmt.Errorf("%w: json: unsupported value: NaN", sandbox.ErrInvalidDataset)
		return &sandbox.ExecutionError{Message: cause.Error(), FullCode: req.Code, Cause: cause}
	})
	m := NewManager(zaptest.NewLogger(t), exec, repairer)
	t.Cleanup(func() { require.NoError(t, m.Close()) })

	res := await(t, m.Render(context.Background(), Spec{ChartIndex: 0, Code: "d3.select('#visualization');"}, rows, nil))

	assert.Equal(t, StateFailed, res.State)
	require.ErrorIs(t, res.Err, sandbox.ErrInvalidDataset)
	assert.Empty(t, repairer.Calls())

	snap, _ := m.Snapshot(0)
	assert.Contains(t, snap.HTML, "cannot be passed to the chart")
}

func TestRender_ResolvesObjectCode(t *testing.T) {
	m := newManager(t, &fakeRepairer{})

	res := await(t, m.Render(context.Background(), Spec{
		ChartIndex: 0,
		Code:       map[string]any{"chart_spec": map[string]any{"code": validCode}},
		Title:      "Circles",
	}, rows, nil))
	assert.Equal(t, StateRendered, res.State)

	snap, _ := m.Snapshot(0)
	assert.Equal(t, "Circles", snap.Title)
	assert.Equal(t, validCode, snap.Code)
}

func TestRender_Isolation(t *testing.T) {
	m := newManager(t, &fakeRepairer{})

	for range 3 {
		assert.Equal(t, StateRendered, await(t, m.Render(context.Background(), Spec{ChartIndex: 2, Code: validCode}, rows, nil)).State)
	}
	assert.Equal(t, StateRendered, await(t, m.Render(context.Background(), Spec{ChartIndex: 0, Code: validCode}, rows, nil)).State)

	page := m.PageHTML()
	assert.Equal(t, 1, strings.Count(page, `id="visualization-wrapper-2"`))
	assert.Equal(t, 1, strings.Count(page, `id="visualization-wrapper-0"`))
	assert.Less(t, strings.Index(page, `id="visualization-0"`), strings.Index(page, `id="visualization-2"`))

	snaps := m.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, 0, snaps[0].ChartIndex)
	assert.Equal(t, 2, snaps[1].ChartIndex)
}

func TestRender_HTTPRepairService(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req repair.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(repair.Response{Fixed: "```js\n" + validCode + "\n```"})
	}))
	defer srv.Close()

	m := newManager(t, repair.New(zaptest.NewLogger(t), srv.URL, repair.WithHTTPClient(srv.Client())))

	res := await(t, m.Render(context.Background(), Spec{ChartIndex: 0, Code: brokenCode}, rows, nil))
	assert.Equal(t, StateRendered, res.State)
	assert.Equal(t, validCode, res.RepairedCode)
}

func TestRender_RepairServiceDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	m := newManager(t, repair.New(zaptest.NewLogger(t), srv.URL, repair.WithHTTPClient(srv.Client())))

	res := await(t, m.Render(context.Background(), Spec{ChartIndex: 0, Code: brokenCode}, rows, nil))
	assert.Equal(t, StateFailed, res.State)
	var statusErr *repair.StatusError
	assert.False(t, errors.As(res.Err, &statusErr), "the first diagnostic is shown, not the transport error")
}

func TestManagerClose(t *testing.T) {
	repairer := blockingRepairer(validCode, nil)
	logger := zaptest.NewLogger(t)
	m := NewManager(logger, sandbox.New(logger, sandbox.NewGojaEngine(logger)), repairer)

	ch := m.Render(context.Background(), Spec{ChartIndex: 0, Code: brokenCode}, rows, nil)
	<-repairer.started

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, m.Close())
	}()
	close(repairer.release)
	<-done

	assert.Equal(t, StateRendered, await(t, ch).State)

	res := await(t, m.Render(context.Background(), Spec{ChartIndex: 1, Code: validCode}, rows, nil))
	require.ErrorIs(t, res.Err, ErrClosed)
}

func TestRender_InvalidIndex(t *testing.T) {
	m := newManager(t, &fakeRepairer{})
	res := await(t, m.Render(context.Background(), Spec{ChartIndex: -1, Code: validCode}, rows, nil))
	require.ErrorIs(t, res.Err, ErrInvalidIndex)
}

func TestState(t *testing.T) {
	for _, s := range []State{StateIdle, StateRendering, StateRepairing, StateRendered, StateFailed} {
		text, err := s.MarshalText()
		require.NoError(t, err)
		var back State
		require.NoError(t, back.UnmarshalText(text))
		assert.Equal(t, s, back)
	}
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateRepairing.Terminal())
	assert.Equal(t, "state(42)", State(42).String())

	raw, err := json.Marshal(Snapshot{State: StateRepairing})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"state":"repairing"`)
}
