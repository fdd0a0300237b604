package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/farebox/quotagate/bootstrap"
	"github.com/farebox/quotagate/config"
	"github.com/farebox/quotagate/domain/quota"
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Inspect usage counters",
	Long: `Inspect current usage without consuming quota.

Reads the configured store, so counts reflect what the running server
sees for sqlite and redis backends. The memory backend is per-process
and always reads as empty from the CLI.

Examples:
  quotagate usage inspect --subscription sub_1 --subject user_9 --module tickets
  quotagate usage inspect --subscription sub_1 --subject user_9 --module tickets --function refund`,
}

var usageInspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Show remaining quota for one subject and function",
	RunE:  runUsageInspect,
}

var (
	usageSubscription string
	usageSubject      string
	usageModule       string
	usageFunction     string
)

func init() {
	rootCmd.AddCommand(usageCmd)
	usageCmd.AddCommand(usageInspectCmd)

	usageInspectCmd.Flags().StringVar(&usageSubscription, "subscription", "", "subscription ID")
	usageInspectCmd.Flags().StringVar(&usageSubject, "subject", "", "subject (end user) ID")
	usageInspectCmd.Flags().StringVar(&usageModule, "module", "", "module key")
	usageInspectCmd.Flags().StringVar(&usageFunction, "function", "", "function key (optional)")
}

func runUsageInspect(cmd *cobra.Command, args []string) error {
	if usageSubscription == "" || usageSubject == "" || usageModule == "" {
		return fmt.Errorf("--subscription, --subject, and --module are required")
	}

	cfg, err := config.LoadWithFallback(cfgFile)
	if err != nil {
		return err
	}

	app, err := bootstrap.New(cfg)
	if err != nil {
		return err
	}
	defer app.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	d, err := app.Enforcer.Inspect(ctx, usageSubscription, usageSubject, usageModule, usageFunction)
	if err != nil {
		return fmt.Errorf("inspect: %w", err)
	}

	fmt.Printf("Subscription: %s\n", usageSubscription)
	fmt.Printf("Subject:      %s\n", usageSubject)
	target := usageModule
	if usageFunction != "" {
		target = usageModule + "/" + usageFunction
	}
	fmt.Printf("Function:     %s\n\n", target)

	if !d.Allowed && d.Reason != "" && d.Reason != quota.ReasonQuotaExceeded {
		fmt.Printf("Denied: %s\n", d.Reason)
		return nil
	}

	if d.Remaining == quota.UnlimitedRemaining {
		fmt.Println("Remaining:    unlimited")
		return nil
	}

	fmt.Printf("Remaining:    %d\n", d.Remaining)
	if !d.ResetAt.IsZero() {
		fmt.Printf("Resets at:    %s\n", d.ResetAt.UTC().Format(time.RFC3339))
	} else {
		fmt.Println("Resets at:    never (lifetime window)")
	}
	return nil
}
