// Package main is the entry point for the vizheal server.
//
// The server renders generated D3 chart code into a dashboard document,
// isolating each chart in its own container and repairing a failed chart
// once through a remote repair service before showing an error panel. It
// exposes the pipeline as MCP tools over stdio, or as a JSON API with the
// MCP handler mounted at /mcp when the HTTP transport is selected.
//
// The application uses Uber's fx framework for dependency injection and lifecycle
// management, with zap for structured logging and viper for configuration.
package main
