package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/farebox/quotagate/adapters/sqlite"
	"github.com/farebox/quotagate/config"
)

const (
	checkMark = "✓"
	crossMark = "✗"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration before deployment",
	Long: `Validate the quotagate configuration file.

Checks:
  - YAML syntax is valid
  - Required fields are present
  - Every plan's limitation rules are well formed
  - Subscriptions reference known plans
  - Database is writable (optional)

Examples:
  quotagate validate
  quotagate validate --config /etc/quotagate/config.yaml`,
	RunE: runValidate,
}

var (
	validateCheckDatabase bool
)

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().BoolVar(&validateCheckDatabase, "check-database", false, "check if database is writable")
}

func runValidate(cmd *cobra.Command, args []string) error {
	fmt.Printf("Validating %s...\n\n", cfgFile)

	// Check file exists
	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		fmt.Printf("  %s Config file exists\n", crossMark)
		return fmt.Errorf("config file not found: %s", cfgFile)
	}
	fmt.Printf("  %s Config file exists\n", checkMark)

	// Load and validate config (plan rules are validated during load)
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Printf("  %s Config syntax valid\n", crossMark)
		return fmt.Errorf("config error: %w", err)
	}
	fmt.Printf("  %s Config syntax valid\n", checkMark)
	fmt.Printf("  %s Plan rules valid\n", checkMark)

	// Show config summary
	fmt.Printf("  %s Store backend: %s\n", checkMark, cfg.Store.Backend)
	fmt.Printf("  %s Plans configured: %d\n", checkMark, len(cfg.Plans))
	fmt.Printf("  %s Subscriptions configured: %d\n", checkMark, len(cfg.Subscriptions))

	// Optional: check database
	if validateCheckDatabase && cfg.Store.Backend == "sqlite" {
		if err := checkDatabaseWritable(cfg.Store.SQLitePath); err != nil {
			fmt.Printf("  %s Database writable\n", crossMark)
			fmt.Printf("      Error: %v\n", err)
		} else {
			fmt.Printf("  %s Database writable\n", checkMark)
		}
	}

	fmt.Println()
	fmt.Println("Configuration is valid.")
	return nil
}

func checkDatabaseWritable(path string) error {
	db, err := sqlite.Open(path)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.Migrate()
}
