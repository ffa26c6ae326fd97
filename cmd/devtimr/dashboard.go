package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ChemicalGhost/dev-timr/internal/config"
	"github.com/ChemicalGhost/dev-timr/internal/dashboard"
	"github.com/ChemicalGhost/dev-timr/internal/logging"
)

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	GroupID: "advanced",
	Short:   "Start the standalone WebSocket dashboard server",
	Long: `Start a WebSocket dashboard server for this repository.

The server broadcasts ledger totals, queue depth, and credential
standing to connected clients, and re-broadcasts totals whenever the
ledger file changes, so a session finishing in another terminal shows
up live.

WebSocket messages include:
- timer_state: In-flight session state (only while 'start --live' runs)
- totals: Today/week/month/all-time working time
- queue: Pending sync backlog
- auth: Offline indicator and account handle

Example usage:
  devtimr dashboard              # Start on the configured port
  devtimr dashboard --port 9000  # Start on a custom port

Connect with a WebSocket client:
  ws://localhost:4727/ws`,
	RunE: runDashboard,
}

func init() {
	dashboardCmd.Flags().IntP("port", "p", 0, "Port to listen on (0 uses the configured port)")
	rootCmd.AddCommand(dashboardCmd)
}

func runDashboard(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}

	led, err := a.openLedger()
	if err != nil {
		return err
	}

	port, _ := cmd.Flags().GetInt("port")
	if port == 0 {
		port = a.cfg.DashboardPort
	}

	server := dashboard.NewServer(&dashboard.Config{
		Port:   port,
		Logger: logging.New("dashboard", a.cfg.LogFile),
	})

	if err := server.Start(); err != nil {
		return fmt.Errorf("failed to start dashboard: %w", err)
	}

	fmt.Printf("Dashboard server started on http://%s\n", server.GetAddr())
	fmt.Printf("WebSocket endpoint: ws://%s/ws\n", server.GetAddr())
	fmt.Printf("Health check: http://%s/health\n", server.GetAddr())
	fmt.Println("\nPress Ctrl+C to stop...")

	publishSnapshot := func() {
		totals := led.Totals(0)
		server.PublishTotals(dashboard.TotalsData{
			TodayMs:   totals.TodayMs,
			WeekMs:    totals.WeekMs,
			MonthMs:   totals.MonthMs,
			AllTimeMs: totals.AllTimeMs,
		})
		stats := a.queue.Stats()
		server.PublishQueue(dashboard.QueueData{
			Count:            stats.Count,
			OldestQueuedAtMs: stats.OldestQueuedAtMs,
		})
		authData := dashboard.AuthData{Offline: !a.creds.IsValid()}
		if rec, ok := a.creds.Current(); ok {
			authData.Handle = rec.IdentityUser.Handle
		}
		server.PublishAuth(authData)
	}
	publishSnapshot()

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}
	ledgerPath, err := config.LedgerPath(cwd)
	if err != nil {
		return fmt.Errorf("failed to resolve ledger path: %w", err)
	}
	// The watcher needs the parent directory to exist even before the
	// first session is recorded.
	if err := os.MkdirAll(filepath.Dir(ledgerPath), 0o700); err != nil {
		return fmt.Errorf("failed to create ledger directory: %w", err)
	}

	watcher, err := dashboard.NewLedgerWatcher(ledgerPath)
	if err != nil {
		return fmt.Errorf("failed to create ledger watcher: %w", err)
	}
	if err := watcher.Start(); err != nil {
		return fmt.Errorf("failed to watch ledger: %w", err)
	}
	defer watcher.Stop()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nShutting down dashboard server...")
			if err := server.Stop(); err != nil {
				return fmt.Errorf("error during shutdown: %w", err)
			}
			fmt.Println("Dashboard server stopped")
			return nil

		case _, ok := <-watcher.Changes():
			if !ok {
				continue
			}
			publishSnapshot()
		}
	}
}
