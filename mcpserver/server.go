package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/vizheal/chart"
	"github.com/isdmx/vizheal/codefix"
	"github.com/isdmx/vizheal/config"
	"github.com/isdmx/vizheal/sandbox"
)

const (
	serverName    = "vizheal"
	serverVersion = "1.0.0"
)

// Charts is the part of chart.Manager the tools use.
type Charts interface {
	Render(ctx context.Context, spec chart.Spec, dataset []sandbox.Row, onRepaired chart.RepairedFunc) <-chan chart.Result
	Snapshot(index int) (chart.Snapshot, bool)
}

// MCPServer represents the MCP server
type MCPServer struct {
	config    *config.Config
	logger    *zap.Logger
	charts    Charts
	pipeline  *codefix.Pipeline
	mcpServer *server.MCPServer
}

// RenderResult is the render_chart tool answer.
type RenderResult struct {
	ChartIndex   int     `json:"chart_index"`
	State        string  `json:"state"`
	HTML         string  `json:"html"`
	Error        string  `json:"error,omitempty"`
	SourceLine   *int    `json:"source_line,omitempty"`
	Snippet      *string `json:"snippet,omitempty"`
	RepairedCode string  `json:"repaired_code,omitempty"`
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, charts Charts) (*MCPServer, error) {
	s := &MCPServer{
		config:   cfg,
		logger:   logger,
		charts:   charts,
		pipeline: codefix.NewPipeline(codefix.WithLogger(logger)),
	}

	// Log configuration parameters on startup
	logger.Info("configuration loaded",
		zap.String("server.transport", s.config.Server.Transport),
		zap.Int("server.http_port", s.config.Server.HTTPPort),
		zap.String("sandbox.engine", s.config.Sandbox.Engine),
		zap.Int("sandbox.timeout_sec", s.config.Sandbox.TimeoutSec),
		zap.String("browser.cdp_url", s.config.Browser.CDPURL),
		zap.Bool("repair.configured", s.config.Repair.URL != ""),
		zap.Int("repair.timeout_sec", s.config.Repair.TimeoutSec),
	)

	s.mcpServer = server.NewMCPServer(serverName, serverVersion, server.WithToolCapabilities(false))

	s.registerRenderChartTool()
	s.registerPreprocessCodeTool()
	s.registerChartStatusTool()

	return s, nil
}

func (s *MCPServer) registerRenderChartTool() {
	tool := mcp.Tool{
		Name:        "render_chart",
		Description: "Render generated D3 chart code against a dataset, repairing it once through the repair service if it fails",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "Generated chart code written against d3 and data",
				},
				"dataset": map[string]any{
					"type":        "array",
					"description": "Row records passed to the code as data",
					"items":       map[string]any{"type": "object"},
				},
				"chart_index": map[string]any{
					"type":        "integer",
					"description": "Dashboard slot of the chart (default 0)",
					"minimum":     0,
				},
				"title": map[string]any{
					"type":        "string",
					"description": "Chart title",
				},
			},
			Required: []string{"code"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleRenderChart)
}

func (s *MCPServer) registerPreprocessCodeTool() {
	tool := mcp.Tool{
		Name:        "preprocess_code",
		Description: "Sanitize chart code, disable embedded data loading and complete truncated code without running it",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code": map[string]any{
					"type":        "string",
					"description": "Generated chart code",
				},
			},
			Required: []string{"code"},
		},
	}

	s.mcpServer.AddTool(tool, s.handlePreprocessCode)
}

func (s *MCPServer) registerChartStatusTool() {
	tool := mcp.Tool{
		Name:        "chart_status",
		Description: "Report the render state and markup of a dashboard chart",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"chart_index": map[string]any{
					"type":        "integer",
					"description": "Dashboard slot of the chart",
					"minimum":     0,
				},
			},
			Required: []string{"chart_index"},
		},
	}

	s.mcpServer.AddTool(tool, s.handleChartStatus)
}

// handleRenderChart renders one chart and waits for its terminal state.
func (s *MCPServer) handleRenderChart(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return nil, fmt.Errorf("code parameter is required: %w", err)
	}
	index := request.GetInt("chart_index", 0)
	if index < 0 {
		return nil, fmt.Errorf("invalid chart_index: %d", index)
	}
	dataset, err := datasetFrom(request.GetArguments()["dataset"])
	if err != nil {
		return nil, err
	}

	s.logger.Info("chart render requested",
		zap.Int("chart_index", index),
		zap.Int("rows", len(dataset)))

	res, err := chart.Await(ctx, s.charts.Render(ctx, chart.Spec{
		ChartIndex: index,
		Code:       code,
		Title:      request.GetString("title", ""),
	}, dataset, nil))
	if err != nil {
		return errorResult(fmt.Sprintf("Render did not finish: %v", err)), nil
	}

	snap, _ := s.charts.Snapshot(index)
	out := RenderResult{
		ChartIndex:   index,
		State:        res.State.String(),
		HTML:         snap.HTML,
		Error:        snap.Error,
		SourceLine:   snap.SourceLine,
		Snippet:      snap.Snippet,
		RepairedCode: res.RepairedCode,
	}
	if res.Superseded {
		out.State = snap.State.String()
	}

	s.logger.Info("chart render completed",
		zap.Int("chart_index", index),
		zap.String("state", out.State),
		zap.Bool("repaired", res.RepairedCode != ""))

	return jsonResult(out, res.State == chart.StateFailed)
}

func (s *MCPServer) handlePreprocessCode(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return nil, fmt.Errorf("code parameter is required: %w", err)
	}
	return mcp.NewToolResultText(s.pipeline.Preprocess(code)), nil
}

func (s *MCPServer) handleChartStatus(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	index, err := request.RequireInt("chart_index")
	if err != nil {
		return nil, fmt.Errorf("chart_index parameter is required: %w", err)
	}
	snap, ok := s.charts.Snapshot(index)
	if !ok {
		return errorResult(fmt.Sprintf("Chart %d has not been rendered", index)), nil
	}
	return jsonResult(snap, false)
}

// datasetFrom converts the JSON-decoded dataset argument into rows.
func datasetFrom(v any) ([]sandbox.Row, error) {
	if v == nil {
		return nil, nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil, errors.New("dataset must be an array of objects")
	}
	rows := make([]sandbox.Row, 0, len(items))
	for i, item := range items {
		row, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("dataset row %d is not an object", i)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func jsonResult(v any, isError bool) (*mcp.CallToolResult, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: string(raw),
			},
		},
		IsError: isError,
	}, nil
}

func errorResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: text,
			},
		},
		IsError: true,
	}
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// HTTPHandler returns the streamable HTTP handler for mounting on a router.
func (s *MCPServer) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcpServer)
}

// GetMCPServer returns the underlying MCP server for fx
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
