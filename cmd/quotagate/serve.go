package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/farebox/quotagate/bootstrap"
	"github.com/farebox/quotagate/config"
)

var (
	hotReload bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the quota enforcement server",
	Long: `Start the quotagate enforcement server.

The server will:
  - Load configuration from quotagate.yaml (or --config)
  - Or load configuration from QUOTAGATE_* environment variables
  - Open the configured usage store (memory, sqlite, or redis)
  - Serve the enforcement API for sidecar callers
  - Reload plan definitions when the config file changes

Environment variables (for Docker deployments):
  QUOTAGATE_STORE_BACKEND    - Usage store: memory, sqlite, redis
  QUOTAGATE_SQLITE_PATH      - SQLite path (default: quotagate.db)
  QUOTAGATE_REDIS_ADDR       - Redis address for the redis backend
  QUOTAGATE_SERVER_PORT      - Server port (default: 8080)
  QUOTAGATE_LOG_LEVEL        - Log level: debug, info, warn, error
  QUOTAGATE_ADMIN_TOKEN_HASH - bcrypt hash enabling the admin API

Examples:
  quotagate serve
  quotagate serve --config /etc/quotagate/config.yaml
  quotagate serve --hot-reload=false

  # Docker (env vars only):
  QUOTAGATE_STORE_BACKEND=redis QUOTAGATE_REDIS_ADDR=redis:6379 quotagate serve`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&hotReload, "hot-reload", true, "enable hot reload of configuration")
}

func runServe(cmd *cobra.Command, args []string) error {
	hasConfigFile := false
	if _, err := os.Stat(cfgFile); err == nil {
		hasConfigFile = true
	}

	hasEnvConfig := config.HasEnvConfig()

	// No configuration at all
	if !hasConfigFile && !hasEnvConfig {
		fmt.Println("No configuration found.")
		fmt.Println()
		fmt.Printf("Option 1: Create %s with plans and a store backend\n", cfgFile)
		fmt.Println("Option 2: Set QUOTAGATE_* environment variables")
		fmt.Println()
		fmt.Println("Example (env vars):")
		fmt.Println("  QUOTAGATE_STORE_BACKEND=sqlite QUOTAGATE_SQLITE_PATH=quotagate.db quotagate serve")
		return nil
	}

	// Create application
	var app *bootstrap.App
	var err error

	if hasConfigFile && hotReload {
		// Hot reload only works with config file
		app, err = bootstrap.NewWithHotReload(cfgFile)
	} else {
		// Load config (file with env overrides, or env-only)
		cfg, loadErr := config.LoadWithFallback(cfgFile)
		if loadErr != nil {
			return fmt.Errorf("error loading config: %w", loadErr)
		}

		if !hasConfigFile {
			fmt.Println("Running with environment variables (no config file)")
		}

		app, err = bootstrap.New(cfg)
	}

	if err != nil {
		return fmt.Errorf("error initializing: %w", err)
	}

	// Run (blocks until shutdown)
	return app.Run()
}
