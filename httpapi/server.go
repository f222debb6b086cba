package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/isdmx/vizheal/chart"
	"github.com/isdmx/vizheal/sandbox"
)

const maxBodyBytes = 16 << 20

// Dashboard is the chart manager surface served over HTTP.
type Dashboard interface {
	Render(ctx context.Context, spec chart.Spec, dataset []sandbox.Row, onRepaired chart.RepairedFunc) <-chan chart.Result
	Snapshot(index int) (chart.Snapshot, bool)
	Snapshots() []chart.Snapshot
	Remove(index int) bool
	PageHTML() string
}

// Server serves the dashboard JSON API.
type Server struct {
	logger    *zap.Logger
	dashboard Dashboard
	router    chi.Router
}

// RenderRequest is the body of PUT /api/charts/{index}.
type RenderRequest struct {
	// Code is a string or an object holding chart_spec or code.
	Code    any           `json:"code"`
	Title   string        `json:"title,omitempty"`
	Dataset []sandbox.Row `json:"dataset"`
}

// DashboardChart is one chart of a batch render.
type DashboardChart struct {
	ChartIndex int    `json:"chart_index"`
	Code       any    `json:"code"`
	Title      string `json:"title,omitempty"`
}

// DashboardRequest is the body of POST /api/dashboard.
type DashboardRequest struct {
	Charts  []DashboardChart `json:"charts"`
	Dataset []sandbox.Row    `json:"dataset"`
}

// New creates the API server. mcp, when non-nil, is mounted at /mcp.
func New(logger *zap.Logger, dashboard Dashboard, mcp http.Handler) *Server {
	s := &Server{
		logger:    logger.Named("http"),
		dashboard: dashboard,
	}
	s.router = s.buildRouter(mcp)
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter(mcp http.Handler) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/page", s.handlePage)
		r.Post("/dashboard", s.handleDashboard)

		r.Route("/charts", func(r chi.Router) {
			r.Get("/", s.handleListCharts)
			r.Route("/{index}", func(r chi.Router) {
				r.Put("/", s.handleRenderChart)
				r.Get("/", s.handleGetChart)
				r.Delete("/", s.handleDeleteChart)
			})
		})
	})

	if mcp != nil {
		r.Handle("/mcp", mcp)
		r.Handle("/mcp/*", mcp)
	}

	return r
}

// requestLogger logs each request through zap.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request served",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePage(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, s.dashboard.PageHTML())
}

func (s *Server) handleListCharts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.dashboard.Snapshots())
}

func (s *Server) handleGetChart(w http.ResponseWriter, r *http.Request) {
	index, ok := chartIndex(w, r)
	if !ok {
		return
	}
	snap, found := s.dashboard.Snapshot(index)
	if !found {
		httpError(w, fmt.Sprintf("chart %d not found", index), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleDeleteChart(w http.ResponseWriter, r *http.Request) {
	index, ok := chartIndex(w, r)
	if !ok {
		return
	}
	if !s.dashboard.Remove(index) {
		httpError(w, fmt.Sprintf("chart %d not found", index), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRenderChart(w http.ResponseWriter, r *http.Request) {
	index, ok := chartIndex(w, r)
	if !ok {
		return
	}
	var req RenderRequest
	if !decodeBody(w, r, &req) {
		return
	}

	ch := s.dashboard.Render(r.Context(), chart.Spec{
		ChartIndex: index,
		Code:       req.Code,
		Title:      req.Title,
	}, req.Dataset, nil)

	status := http.StatusAccepted
	if r.URL.Query().Get("wait") == "true" {
		if _, err := chart.Await(r.Context(), ch); err != nil {
			httpError(w, err.Error(), http.StatusGatewayTimeout)
			return
		}
		status = http.StatusOK
	}

	snap, _ := s.dashboard.Snapshot(index)
	writeJSON(w, status, snap)
}

// handleDashboard renders a batch of charts sharing one dataset and waits
// for all of them to settle.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	var req DashboardRequest
	if !decodeBody(w, r, &req) {
		return
	}
	for _, c := range req.Charts {
		if c.ChartIndex < 0 {
			httpError(w, chart.ErrInvalidIndex.Error(), http.StatusBadRequest)
			return
		}
	}

	s.logger.Info("dashboard render requested", zap.Int("charts", len(req.Charts)))

	g, ctx := errgroup.WithContext(r.Context())
	for _, c := range req.Charts {
		g.Go(func() error {
			ch := s.dashboard.Render(ctx, chart.Spec{
				ChartIndex: c.ChartIndex,
				Code:       c.Code,
				Title:      c.Title,
			}, req.Dataset, nil)
			_, err := chart.Await(ctx, ch)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		httpError(w, err.Error(), http.StatusGatewayTimeout)
		return
	}

	out := make([]chart.Snapshot, 0, len(req.Charts))
	for _, c := range req.Charts {
		if snap, ok := s.dashboard.Snapshot(c.ChartIndex); ok {
			out = append(out, snap)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func chartIndex(w http.ResponseWriter, r *http.Request) (int, bool) {
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || index < 0 {
		httpError(w, "chart index must be a non-negative integer", http.StatusBadRequest)
		return 0, false
	}
	return index, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			httpError(w, "request body too large", http.StatusRequestEntityTooLarge)
			return false
		}
		httpError(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, code, map[string]string{"error": msg})
}
