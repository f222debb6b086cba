package sandbox

import (
	"fmt"

	"go.uber.org/zap"
)

// NewEngine creates the engine named by config.Engine.
func NewEngine(logger *zap.Logger, config *Config) (Engine, error) {
	timeout := secondsToDuration(config.TimeoutSec)

	switch config.Engine {
	case EngineGoja, "":
		return NewGojaEngine(logger, WithGojaTimeout(timeout)), nil
	case EngineChromedp:
		return NewChromedpEngine(logger, ChromedpConfig{
			CDPURL:       config.CDPURL,
			D3ScriptPath: config.D3ScriptPath,
			Headless:     config.Headless,
			Timeout:      timeout,
		})
	default:
		return nil, fmt.Errorf("unsupported engine: %s", config.Engine)
	}
}
