package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChemicalGhost/dev-timr/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "tracking",
	Short:   "Deliver queued sessions to the sync service",
	Long: `Attempt delivery of every locally queued session.

Delivery is idempotent: a session the service already has is removed
from the queue without being stored twice. Sessions that fail delivery
stay queued; a session that keeps failing is eventually dropped.`,
	RunE: runSync,
}

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "tracking",
	Short:   "Inspect the offline sync queue",
	// Bare "devtimr queue" behaves like "queue status".
	RunE: runQueueStatus,
}

var queueStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the pending sync backlog",
	RunE:  runQueueStatus,
}

func init() {
	queueCmd.AddCommand(queueStatusCmd)
	rootCmd.AddCommand(syncCmd, queueCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}

	if a.queue.Len() == 0 {
		fmt.Println("Queue is empty, nothing to sync.")
		return nil
	}

	if !a.creds.IsValid() {
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		if _, err := a.creds.Refresh(ctx); err != nil {
			return fmt.Errorf("no valid credentials, run 'devtimr login' first: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
	defer cancel()

	summary, err := a.queue.Drain(ctx, a.deliverer())
	if err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}

	if summary.Synced == 0 && summary.Retained == 0 && summary.Dropped == 0 {
		fmt.Println("Queue is empty, nothing to sync.")
		return nil
	}
	reportDrain(summary, a.logger)
	return nil
}

func runQueueStatus(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}

	stats := a.queue.Stats()
	if stats.Count == 0 {
		fmt.Printf("✓ %s\n", ui.RenderPass("Queue is empty"))
		return nil
	}

	fmt.Printf("Pending:   %s\n", ui.RenderWarn(fmt.Sprintf("%d session(s)", stats.Count)))
	if stats.OldestQueuedAtMs > 0 {
		oldest := time.UnixMilli(stats.OldestQueuedAtMs)
		fmt.Printf("Oldest:    queued %s\n", oldest.Local().Format("2006-01-02 15:04"))
	}
	if stats.TotalAttempts > 0 {
		fmt.Printf("Attempts:  %d failed delivery attempt(s) so far\n", stats.TotalAttempts)
	}
	fmt.Println("\nRun 'devtimr sync' to attempt delivery.")
	return nil
}
