// Package httpapi serves the chart dashboard over HTTP with a chi router:
// per-chart render, status and removal endpoints, a batch dashboard render,
// the assembled page, and the MCP streamable HTTP handler at /mcp.
package httpapi
