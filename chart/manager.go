package chart

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/isdmx/vizheal/codefix"
	"github.com/isdmx/vizheal/dom"
	"github.com/isdmx/vizheal/repair"
	"github.com/isdmx/vizheal/sandbox"
)

const (
	dashboardID    = "dashboard"
	containerClass = "chart-container"
	chartIndexAttr = "data-chart-index"
	chartTitleAttr = "data-chart-title"
	chartStateAttr = "data-chart-state"
)

var (
	// ErrClosed is reported for renders requested after Close.
	ErrClosed = errors.New("chart manager is closed")
	// ErrInvalidIndex is reported for negative chart indices.
	ErrInvalidIndex = errors.New("chart index must not be negative")
)

// Spec is one chart to render.
type Spec struct {
	ChartIndex int
	// Code is a string or an object carrying chart_spec or code.
	Code  any
	Title string
}

// RepairedFunc is notified once per render cycle when repaired code rendered
// successfully, so the caller can persist it.
type RepairedFunc func(chartIndex int, fixedCode string)

// Executor runs chart code into a container.
type Executor interface {
	Execute(ctx context.Context, req sandbox.ExecuteRequest) error
}

// Result is the outcome of one render cycle.
type Result struct {
	ChartIndex   int
	CycleID      string
	Generation   uint64
	State        State
	Err          error
	RepairedCode string
	// Superseded is set when a newer render or a removal replaced this
	// cycle before it finished; nothing from it was applied.
	Superseded bool
}

type entry struct {
	index      int
	title      string
	generation uint64
	cycleID    string
	state      State
	code       string
	repaired   string
	err        error
	container  *html.Node
}

// Manager owns the dashboard document and one render lifecycle per chart
// index. All DOM mutation and chart execution happen under mu; only the
// repair round trip runs outside it.
type Manager struct {
	logger   *zap.Logger
	executor Executor
	repairer repair.Repairer
	pipeline *codefix.Pipeline

	mu          sync.Mutex
	doc         *dom.Document
	grid        *html.Node
	entries     map[int]*entry
	generations map[int]uint64
	closed      bool

	wg sync.WaitGroup
}

// Option defines a functional option for Manager
type Option func(*Manager)

// WithPipeline replaces the preprocessing pipeline.
func WithPipeline(p *codefix.Pipeline) Option {
	return func(m *Manager) {
		m.pipeline = p
	}
}

// NewManager creates a new Manager with an empty dashboard page
func NewManager(logger *zap.Logger, executor Executor, repairer repair.Repairer, opts ...Option) *Manager {
	doc := dom.New()
	grid := doc.CreateElement("div")
	dom.SetAttr(grid, "id", dashboardID)
	doc.Body().AppendChild(grid)

	m := &Manager{
		logger:      logger,
		executor:    executor,
		repairer:    repairer,
		pipeline:    codefix.NewPipeline(codefix.WithLogger(logger)),
		doc:         doc,
		grid:        grid,
		entries:     map[int]*entry{},
		generations: map[int]uint64{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Render starts a new render cycle for spec.ChartIndex, replacing any
// previous one. The returned channel yields exactly one Result and is then
// closed. A failed first attempt is repaired in the background; ctx values
// carry over to the repair but its cancellation does not.
func (m *Manager) Render(ctx context.Context, spec Spec, dataset []sandbox.Row, onRepaired RepairedFunc) <-chan Result {
	out := make(chan Result, 1)

	m.mu.Lock()
	if m.closed || spec.ChartIndex < 0 {
		m.mu.Unlock()
		err := ErrClosed
		if spec.ChartIndex < 0 {
			err = ErrInvalidIndex
		}
		out <- Result{ChartIndex: spec.ChartIndex, State: StateFailed, Err: err}
		close(out)
		return out
	}

	e := m.startCycle(spec)
	log := m.logger.With(
		zap.Int("chart_index", e.index),
		zap.Uint64("generation", e.generation),
		zap.String("cycle_id", e.cycleID))

	code, err := codefix.ResolveCode(spec.Code)
	if err != nil {
		m.fail(e, err)
		res := m.result(e)
		m.mu.Unlock()
		log.Info("Chart has no code", zap.Error(err))
		out <- res
		close(out)
		return out
	}
	e.code = code

	err = m.executor.Execute(ctx, sandbox.ExecuteRequest{
		Document:   m.doc,
		Container:  e.container,
		Code:       m.pipeline.Preprocess(code),
		Dataset:    dataset,
		ChartIndex: e.index,
	})
	if err == nil {
		m.setState(e, StateRendered)
		res := m.result(e)
		m.mu.Unlock()
		log.Debug("Chart rendered")
		out <- res
		close(out)
		return out
	}

	if errors.Is(err, sandbox.ErrInvalidDataset) {
		// Repairing the code cannot help.
		m.fail(e, err)
		res := m.result(e)
		m.mu.Unlock()
		log.Info("Chart dataset rejected", zap.Error(err))
		out <- res
		close(out)
		return out
	}

	first := asExecutionError(err, code)
	e.err = first
	m.setState(e, StateRepairing)
	m.showPlaceholder(e.container)
	m.wg.Add(1)
	m.mu.Unlock()

	log.Info("Chart failed, requesting repair", zap.String("error", first.Error()))
	go m.heal(context.WithoutCancel(ctx), e.index, e.generation, e.cycleID, code, first, dataset, onRepaired, out)
	return out
}

// heal runs the single repair round trip and the second attempt.
func (m *Manager) heal(
	ctx context.Context,
	index int,
	generation uint64,
	cycleID string,
	original string,
	first *sandbox.ExecutionError,
	dataset []sandbox.Row,
	onRepaired RepairedFunc,
	out chan<- Result,
) {
	defer m.wg.Done()
	defer close(out)

	log := m.logger.With(
		zap.Int("chart_index", index),
		zap.Uint64("generation", generation),
		zap.String("cycle_id", cycleID))

	fixed, repairErr := m.repairer.Repair(ctx, original, first.Message)

	m.mu.Lock()
	e, ok := m.entries[index]
	if !ok || m.generations[index] != generation {
		m.mu.Unlock()
		log.Info("Dropping superseded repair result")
		out <- Result{ChartIndex: index, CycleID: cycleID, Generation: generation, State: StateRepairing, Superseded: true}
		return
	}

	if repairErr == nil {
		fixed = codefix.StripFences(fixed)
		if strings.TrimSpace(fixed) == "" {
			repairErr = repair.ErrFixFailed
		}
	}
	if repairErr != nil {
		// The first diagnostic stays the one shown.
		m.fail(e, first)
		res := m.result(e)
		m.mu.Unlock()
		log.Info("Repair service gave no fix", zap.Error(repairErr))
		out <- res
		return
	}

	err := m.executor.Execute(ctx, sandbox.ExecuteRequest{
		Document:   m.doc,
		Container:  e.container,
		Code:       fixed,
		Dataset:    dataset,
		ChartIndex: index,
	})
	if err != nil {
		m.fail(e, asExecutionError(err, fixed))
		res := m.result(e)
		m.mu.Unlock()
		log.Info("Repaired chart failed again", zap.Error(err))
		out <- res
		return
	}

	e.repaired = fixed
	e.err = nil
	m.setState(e, StateRendered)
	res := m.result(e)
	m.mu.Unlock()

	log.Info("Chart repaired")
	if onRepaired != nil {
		onRepaired(index, fixed)
	}
	out <- res
}

// startCycle bumps the generation of spec.ChartIndex and resets its entry,
// creating the container on first use. Callers hold mu.
func (m *Manager) startCycle(spec Spec) *entry {
	m.generations[spec.ChartIndex]++
	e, ok := m.entries[spec.ChartIndex]
	if !ok {
		e = &entry{index: spec.ChartIndex, container: m.newContainer(spec.ChartIndex)}
		m.entries[spec.ChartIndex] = e
	}
	e.generation = m.generations[spec.ChartIndex]
	e.cycleID = uuid.NewString()
	e.title = spec.Title
	e.code = ""
	e.repaired = ""
	e.err = nil
	if spec.Title != "" {
		dom.SetAttr(e.container, chartTitleAttr, spec.Title)
	} else {
		dom.RemoveAttr(e.container, chartTitleAttr)
	}
	m.setState(e, StateRendering)
	return e
}

// newContainer inserts a container for index keeping the grid ordered.
func (m *Manager) newContainer(index int) *html.Node {
	c := m.doc.CreateElement("div")
	dom.SetAttr(c, "class", containerClass)
	dom.SetAttr(c, "id", sandbox.ContainerID(index))
	dom.SetAttr(c, chartIndexAttr, strconv.Itoa(index))

	var before *html.Node
	for _, child := range dom.Children(m.grid) {
		raw, _ := dom.Attr(child, chartIndexAttr)
		if n, err := strconv.Atoi(raw); err == nil && n > index {
			before = child
			break
		}
	}
	m.grid.InsertBefore(c, before)
	return c
}

func (m *Manager) setState(e *entry, s State) {
	e.state = s
	dom.SetAttr(e.container, chartStateAttr, s.String())
}

func (m *Manager) fail(e *entry, err error) {
	e.err = err
	m.setState(e, StateFailed)
	m.showError(e.container, err)
}

func (m *Manager) result(e *entry) Result {
	return Result{
		ChartIndex:   e.index,
		CycleID:      e.cycleID,
		Generation:   e.generation,
		State:        e.state,
		Err:          e.err,
		RepairedCode: e.repaired,
	}
}

// Remove discards the state and container of index. In-flight repairs for
// it finish as superseded.
func (m *Manager) Remove(index int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[index]
	if !ok {
		return false
	}
	m.generations[index]++
	delete(m.entries, index)
	dom.Detach(e.container)
	m.logger.Debug("Chart removed", zap.Int("chart_index", index))
	return true
}

// Snapshot returns the current read model of index.
func (m *Manager) Snapshot(index int) (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[index]
	if !ok {
		return Snapshot{ChartIndex: index, State: StateIdle}, false
	}
	return e.snapshot(), true
}

// Snapshots returns every chart ordered by index.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Snapshot, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChartIndex < out[j].ChartIndex })
	return out
}

// PageHTML serializes the whole dashboard document.
func (m *Manager) PageHTML() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.doc.Render()
}

// Close rejects new renders and waits for in-flight repairs to finish.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.wg.Wait()
	return nil
}

// Await blocks until ch yields its result or ctx ends.
func Await(ctx context.Context, ch <-chan Result) (Result, error) {
	select {
	case res, ok := <-ch:
		if !ok {
			return Result{}, errors.New("render result channel closed without a result")
		}
		return res, nil
	case <-ctx.Done():
		return Result{}, fmt.Errorf("waiting for chart: %w", ctx.Err())
	}
}

func asExecutionError(err error, code string) *sandbox.ExecutionError {
	var execErr *sandbox.ExecutionError
	if errors.As(err, &execErr) {
		return execErr
	}
	return &sandbox.ExecutionError{Message: err.Error(), FullCode: code, Cause: err}
}
