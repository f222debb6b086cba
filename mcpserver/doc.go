// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The mcpserver package exposes the chart pipeline as MCP tools using the
// mark3labs/mcp-go library:
//
//   - render_chart runs code against a dataset through the self-healing
//     chart manager and returns the final state and markup;
//   - preprocess_code returns code after sanitizing, loader neutralization
//     and completion, without running it;
//   - chart_status reports the snapshot of a dashboard slot.
//
// The server runs on stdio, or is mounted at /mcp on the dashboard HTTP API.
package mcpserver
