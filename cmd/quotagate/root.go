package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "quotagate",
	Short: "Feature quota and usage metering engine for multi-tenant plans",
	Long: `Quotagate enforces per-plan feature quotas for multi-tenant services.

It resolves limitation rules from subscription plans, counts usage in
calendar or rolling windows, bounds concurrent operations, and answers
allow/deny for every metered call.

Quick start:
  quotagate serve      # Start the enforcement server
  quotagate validate   # Validate configuration

Inspection:
  quotagate plans      # List configured plans
  quotagate usage      # Inspect usage counters`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "quotagate.yaml", "config file path")
}
