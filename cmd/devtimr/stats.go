package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ChemicalGhost/dev-timr/internal/ui"
)

var statsCmd = &cobra.Command{
	Use:     "stats",
	GroupID: "tracking",
	Short:   "Show working time totals for this repository",
	Long: `Show working time aggregates computed from the local ledger.

Totals are computed offline; sessions still awaiting sync are included.`,
	RunE: runStats,
}

func init() {
	statsCmd.Flags().StringP("range", "r", "", "Show a single range: today, week, month, or all")
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}

	led, err := a.openLedger()
	if err != nil {
		return err
	}

	totals := led.Totals(0)
	count := led.Count()

	if count == 0 {
		fmt.Println("No sessions recorded in this repository yet.")
		fmt.Println("\nRun 'devtimr start -- <command>' to begin tracking.")
		return nil
	}

	if rangeFlag, _ := cmd.Flags().GetString("range"); rangeFlag != "" {
		var ms int64
		switch rangeFlag {
		case "today":
			ms = totals.TodayMs
		case "week":
			ms = totals.WeekMs
		case "month":
			ms = totals.MonthMs
		case "all":
			ms = totals.AllTimeMs
		default:
			return fmt.Errorf("unknown range %q (want today, week, month, or all)", rangeFlag)
		}
		fmt.Println(ui.FormatDuration(ms))
		return nil
	}

	fmt.Printf("Sessions:  %d\n", count)
	fmt.Printf("Today:     %s\n", ui.RenderAccent(ui.FormatDuration(totals.TodayMs)))
	fmt.Printf("This week: %s\n", ui.RenderAccent(ui.FormatDuration(totals.WeekMs)))
	fmt.Printf("Month:     %s\n", ui.RenderAccent(ui.FormatDuration(totals.MonthMs)))
	fmt.Printf("All time:  %s\n", ui.RenderAccent(ui.FormatDuration(totals.AllTimeMs)))

	if pending := a.queue.Len(); pending > 0 {
		fmt.Printf("\n⏸  %s\n", ui.RenderWarn(fmt.Sprintf("%d session(s) awaiting sync", pending)))
	}
	return nil
}
