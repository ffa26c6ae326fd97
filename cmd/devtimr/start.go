package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChemicalGhost/dev-timr/internal/auth"
	"github.com/ChemicalGhost/dev-timr/internal/dashboard"
	"github.com/ChemicalGhost/dev-timr/internal/ledger"
	"github.com/ChemicalGhost/dev-timr/internal/logging"
	"github.com/ChemicalGhost/dev-timr/internal/queue"
	"github.com/ChemicalGhost/dev-timr/internal/repo"
	"github.com/ChemicalGhost/dev-timr/internal/runner"
	"github.com/ChemicalGhost/dev-timr/internal/timer"
	"github.com/ChemicalGhost/dev-timr/internal/ui"
)

var startCmd = &cobra.Command{
	Use:     "start [flags] -- command [args...]",
	GroupID: "tracking",
	Short:   "Run a command with a session timer attached",
	Long: `Run a command and track the time it spends as a working session.

The timer starts when the command starts and the session ends when the
command exits or you press Ctrl+C. Finished sessions are appended to the
repository ledger and synced to the hosted service; without valid
credentials they queue locally and sync on a later run.

Examples:
  devtimr start -- npm run dev
  devtimr start --task "review PR 412" -- make test
  devtimr start -c "npm run dev"
  devtimr start --live -- cargo watch -x check`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().StringP("task", "t", "", "Task name to attach to the session")
	startCmd.Flags().StringP("command", "c", "", "Command to run, given as one quoted string")
	startCmd.Flags().Bool("live", false, "Host the live dashboard while the session runs")
	rootCmd.AddCommand(startCmd)
}

// resolveArgv merges the two ways of naming the wrapped command: a
// single quoted string via --command, or an argument vector after the
// -- separator. Neither form passes through a shell.
func resolveArgv(commandStr string, args []string) ([]string, error) {
	if commandStr != "" {
		if len(args) > 0 {
			return nil, fmt.Errorf("give the command either after -- or via --command, not both")
		}
		return runner.SplitCommand(commandStr)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("no command given, usage: devtimr start -- command [args...]")
	}
	if err := runner.ValidateArgs(args); err != nil {
		return nil, err
	}
	return args, nil
}

func runStart(cmd *cobra.Command, args []string) error {
	commandStr, _ := cmd.Flags().GetString("command")
	argv, err := resolveArgv(commandStr, args)
	if err != nil {
		return err
	}

	a, err := newApp()
	if err != nil {
		return err
	}

	led, err := a.openLedger()
	if err != nil {
		return err
	}

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}
	repoInfo := repo.Detect(cwd)

	taskFlag, _ := cmd.Flags().GetString("task")
	live, _ := cmd.Flags().GetBool("live")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Opportunistic housekeeping while the wrapped command runs.
	if a.creds.RefreshIfNeeded(ctx) {
		a.logger.Println("session token close to expiry, refreshing in background")
	}
	if a.queue.Len() > 0 && a.creds.IsValid() {
		go func() {
			if summary, err := a.queue.Drain(ctx, a.deliverer()); err == nil && summary.Synced > 0 {
				a.logger.Printf("background drain synced %d queued session(s)", summary.Synced)
			}
		}()
	}

	engine := timer.New()
	engine.Start(timer.SanitizeTaskName(taskFlag))

	// The engine is single-threaded, so dashboard control actions are
	// funneled into the session loop instead of applied on the
	// websocket read goroutine.
	controls := make(chan timerControl, 8)

	var server *dashboard.Server
	if live {
		server = dashboard.NewServer(&dashboard.Config{
			Port:   a.cfg.DashboardPort,
			Logger: logging.New("dashboard", a.cfg.LogFile),
		})
		server.SetControlHandler(func(action, value string) {
			select {
			case controls <- timerControl{action: action, value: value}:
			default:
			}
		})
		if err := server.Start(); err != nil {
			return err
		}
		defer server.Stop()
		fmt.Printf("📊 Live dashboard: %s\n", ui.RenderAccent("ws://"+server.GetAddr()+"/ws"))
	}

	run := runner.New(a.logger)
	exitCh, err := run.Start(ctx, argv)
	if err != nil {
		return err
	}

	fmt.Printf("⏱  Tracking %s\n", ui.RenderAccent(repoInfo.Owner+"/"+repoInfo.Name))

	exitCode := watchSession(ctx, a, engine, led, server, exitCh, controls)

	session, ok := engine.End()
	if !ok {
		return fmt.Errorf("no session to record")
	}

	if err := led.Append(*session); err != nil {
		return fmt.Errorf("failed to record session: %w", err)
	}
	fmt.Printf("✓ Recorded %s session in %s\n",
		ui.RenderPass(ui.FormatDuration(session.DurationMs)),
		repoInfo.Owner+"/"+repoInfo.Name)

	syncSession(a, *session, repoInfo)

	// Propagate the child's exit code through main after the deferred
	// dashboard and signal cleanup have run.
	if exitCode != 0 {
		return &exitCodeError{code: exitCode}
	}
	return nil
}

// timerControl is a dashboard control action awaiting application on
// the session loop.
type timerControl struct {
	action string
	value  string
}

// watchSession ticks once a second until the wrapped command exits or a
// signal arrives, publishing live state when a dashboard is attached
// and applying any dashboard control actions. It returns the exit code
// to propagate.
func watchSession(ctx context.Context, a *app, engine *timer.Engine, led *ledger.Ledger, server *dashboard.Server, exitCh <-chan runner.ExitEvent, controls <-chan timerControl) int {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case ctrl := <-controls:
			switch ctrl.action {
			case "pause":
				engine.Pause()
			case "resume":
				engine.Resume()
			case "set_task":
				engine.SetTaskName(ctrl.value)
			}
		case <-ctx.Done():
			// The signal also reaches the child via CommandContext;
			// wait for it so its exit status is not lost.
			select {
			case ev := <-exitCh:
				return ev.Code
			case <-time.After(5 * time.Second):
				return 130
			}

		case ev := <-exitCh:
			return ev.Code

		case <-ticker.C:
			if server == nil {
				continue
			}
			publishLiveState(server, engine, led, a.queue, a.creds)
		}
	}
}

// publishLiveState pushes one full dashboard frame: timer state,
// totals inclusive of the in-flight session, queue depth, and
// credential standing.
func publishLiveState(server *dashboard.Server, engine *timer.Engine, led *ledger.Ledger, q *queue.Queue, creds *auth.Manager) {
	server.PublishTimerState(dashboard.TimerStateData{
		Running:   engine.Running(),
		Paused:    engine.Paused(),
		ElapsedMs: engine.ElapsedMs(),
		TaskName:  engine.TaskName(),
	})

	totals := led.Totals(engine.ElapsedMs())
	server.PublishTotals(dashboard.TotalsData{
		TodayMs:        totals.TodayMs,
		WeekMs:         totals.WeekMs,
		MonthMs:        totals.MonthMs,
		AllTimeMs:      totals.AllTimeMs,
		IncludesActive: true,
	})

	stats := q.Stats()
	server.PublishQueue(dashboard.QueueData{
		Count:            stats.Count,
		OldestQueuedAtMs: stats.OldestQueuedAtMs,
	})

	authData := dashboard.AuthData{Offline: !creds.IsValid()}
	if rec, ok := creds.Current(); ok {
		authData.Handle = rec.IdentityUser.Handle
	}
	server.PublishAuth(authData)
}

// syncSession queues the finished session and immediately attempts
// delivery. Failures leave the entry queued for a later run.
func syncSession(a *app, session timer.Session, repoInfo repo.Info) {
	if err := a.queue.Enqueue(session, repoInfo.Owner, repoInfo.Name); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to queue session for sync: %v\n", err)
		return
	}

	if !a.creds.IsValid() {
		if _, err := a.creds.Refresh(context.Background()); err != nil {
			fmt.Printf("⏸  %s\n", ui.RenderWarn(fmt.Sprintf(
				"Offline: session queued (%d pending). Run 'devtimr login' to sync.", a.queue.Len())))
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	summary, err := a.queue.Drain(ctx, a.deliverer())
	if err != nil {
		fmt.Printf("⏸  %s\n", ui.RenderWarn(fmt.Sprintf(
			"Sync failed: %v (%d queued)", err, a.queue.Len())))
		return
	}
	reportDrain(summary, a.logger)
}

func reportDrain(summary *queue.DrainSummary, logger *log.Logger) {
	if summary.Synced > 0 {
		fmt.Printf("☁  Synced %s\n", ui.RenderPass(fmt.Sprintf("%d session(s)", summary.Synced)))
	}
	if summary.Retained > 0 {
		fmt.Printf("⏸  %s\n", ui.RenderWarn(fmt.Sprintf(
			"%d session(s) still queued, will retry on next run", summary.Retained)))
	}
	if summary.Dropped > 0 {
		logger.Printf("dropped %d session(s) that exhausted their retry budget", summary.Dropped)
		fmt.Printf("✗ %s\n", ui.RenderFail(fmt.Sprintf(
			"%d session(s) dropped after repeated sync failures", summary.Dropped)))
	}
}
