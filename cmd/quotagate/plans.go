package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/farebox/quotagate/config"
	"github.com/farebox/quotagate/domain/rule"
)

var plansCmd = &cobra.Command{
	Use:   "plans",
	Short: "Inspect configured plans",
	Long: `Inspect the plans declared in the configuration file.

Examples:
  quotagate plans list
  quotagate plans show free`,
}

var plansListCmd = &cobra.Command{
	Use:   "list",
	Short: "List plans",
	RunE:  runPlansList,
}

var plansShowCmd = &cobra.Command{
	Use:   "show <plan-id>",
	Short: "Show a plan's limitation rules",
	Args:  cobra.ExactArgs(1),
	RunE:  runPlansShow,
}

func init() {
	rootCmd.AddCommand(plansCmd)

	plansCmd.AddCommand(plansListCmd)
	plansCmd.AddCommand(plansShowCmd)
}

func runPlansList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tDEFAULT\tMODULES\tENABLED")
	for _, p := range cfg.Plans {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%v\n",
			p.ID, p.Name, p.Limitation.DefaultAction, len(p.Limitation.Modules), p.Enabled)
	}
	return w.Flush()
}

func runPlansShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	var plan *rule.Plan
	for i := range cfg.Plans {
		if cfg.Plans[i].ID == args[0] {
			plan = &cfg.Plans[i]
			break
		}
	}
	if plan == nil {
		return fmt.Errorf("plan not found: %s", args[0])
	}

	fmt.Printf("Plan %s (%s)\n", plan.ID, plan.Name)
	fmt.Printf("Default action: %s\n\n", plan.Limitation.DefaultAction)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "MODULE\tFUNCTION\tTYPE\tQUOTA\tWINDOW\tBURST\tCONCURRENCY")
	for _, m := range plan.Limitation.Modules {
		if m.ModuleRule != nil {
			printRule(w, m.Key, "(module)", m.ModuleRule)
		}
		for _, f := range m.Functions {
			f := f
			printRule(w, m.Key, f.Key, &f)
		}
	}
	return w.Flush()
}

func printRule(w *tabwriter.Writer, moduleKey, functionKey string, r *rule.FunctionRule) {
	quota := "-"
	if r.Quota != nil {
		quota = fmt.Sprintf("%d", *r.Quota)
	}
	window := "-"
	if r.WindowUnit != "" {
		window = fmt.Sprintf("%s %d %s", r.WindowType, r.WindowSize, r.WindowUnit)
	}
	concurrency := "-"
	if r.Concurrency != nil {
		concurrency = fmt.Sprintf("%d", *r.Concurrency)
	}
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
		moduleKey, functionKey, r.Type, quota, window, r.Burst, concurrency)
}
