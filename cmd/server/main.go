package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/isdmx/vizheal/chart"
	"github.com/isdmx/vizheal/config"
	"github.com/isdmx/vizheal/httpapi"
	"github.com/isdmx/vizheal/logger"
	"github.com/isdmx/vizheal/mcpserver"
	"github.com/isdmx/vizheal/repair"
	"github.com/isdmx/vizheal/sandbox"
)

func main() {
	app := fx.New(
		// Provide dependencies
		fx.Provide(
			// Config
			config.New,

			// Logger with configuration
			logger.NewFromConfig,

			// Chart execution
			newEngine,
			newSandbox,

			// Repair service client
			newRepairer,

			// Dashboard state
			newManager,

			// Transports
			newMCPServer,
			newHTTPAPI,
		),

		fx.Invoke(registerTransport),

		// Use the application logger for fx logs
		fx.WithLogger(logger.NewFxLogger),
	)

	// Start the application
	app.Run()
}

func newEngine(cfg *config.Config, log *zap.Logger, lc fx.Lifecycle) (sandbox.Engine, error) {
	engine, err := sandbox.NewEngine(log, &sandbox.Config{
		Engine:       cfg.Sandbox.Engine,
		TimeoutSec:   cfg.Sandbox.TimeoutSec,
		CDPURL:       cfg.Browser.CDPURL,
		D3ScriptPath: cfg.Browser.D3ScriptPath,
		Headless:     cfg.Browser.Headless,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create chart engine: %w", err)
	}
	if closer, ok := engine.(sandbox.Closer); ok {
		lc.Append(fx.StopHook(closer.Close))
	}
	return engine, nil
}

func newSandbox(cfg *config.Config, log *zap.Logger, engine sandbox.Engine) *sandbox.Sandbox {
	sb := sandbox.New(log, engine, sandbox.WithTimeout(cfg.GetTimeout()))
	log.Info("chart sandbox ready",
		zap.String("engine", sb.Engine().Name()),
		zap.Duration("timeout", cfg.GetTimeout()))
	return sb
}

func newRepairer(cfg *config.Config, log *zap.Logger) repair.Repairer {
	opts := []repair.Option{repair.WithHeaders(cfg.Repair.Headers)}
	if d := cfg.GetRepairTimeout(); d > 0 {
		opts = append(opts, repair.WithTimeout(d))
	}
	return repair.New(log, cfg.Repair.URL, opts...)
}

func newManager(log *zap.Logger, sb *sandbox.Sandbox, repairer repair.Repairer, lc fx.Lifecycle) *chart.Manager {
	m := chart.NewManager(log, sb, repairer)
	lc.Append(fx.StopHook(m.Close))
	return m
}

func newMCPServer(cfg *config.Config, log *zap.Logger, m *chart.Manager) (*mcpserver.MCPServer, error) {
	return mcpserver.New(cfg, log, m)
}

func newHTTPAPI(log *zap.Logger, m *chart.Manager, mcp *mcpserver.MCPServer) *httpapi.Server {
	return httpapi.New(log, m, mcp.HTTPHandler())
}

// registerTransport starts the transport selected by server.transport.
func registerTransport(
	cfg *config.Config,
	log *zap.Logger,
	lc fx.Lifecycle,
	shutdowner fx.Shutdowner,
	mcp *mcpserver.MCPServer,
	api *httpapi.Server,
) {
	switch cfg.Server.Transport {
	case "stdio":
		lc.Append(fx.StartHook(func() {
			go func() {
				if err := mcp.ServeStdio(); err != nil {
					log.Error("stdio transport stopped", zap.Error(err))
				}
				_ = shutdowner.Shutdown()
			}()
		}))
	case "http":
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
			Handler:           api.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				ln, err := net.Listen("tcp", srv.Addr)
				if err != nil {
					return fmt.Errorf("failed to listen on %s: %w", srv.Addr, err)
				}
				log.Info("starting HTTP server", zap.String("addr", srv.Addr))
				go func() {
					if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Error("HTTP server stopped", zap.Error(err))
						_ = shutdowner.Shutdown()
					}
				}()
				return nil
			},
			OnStop: srv.Shutdown,
		})
	}
}
