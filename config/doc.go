// Package config provides application configuration management.
//
// The config package handles loading and validation of the application's
// configuration from YAML files and VIZHEAL_ environment variables. It
// covers the server transport, the chart execution engine, the headless
// browser, the repair service client and logging.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Chart engine: %s\n", cfg.Sandbox.Engine)
package config
