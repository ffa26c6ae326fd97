// devtimr tracks working time per repository.
//
// It wraps a development command in a stopwatch, records finished
// sessions to a per-repository ledger, and syncs them to the hosted
// service when credentials are available, queueing them locally when
// they are not.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "devtimr",
	Short: "Per-repository working time tracker",
	Long: `devtimr measures how long you actually work, per repository.

Run your usual command through it and a timer follows along:

  devtimr start -- npm run dev
  devtimr start --task "fix login flow" -- make test

When the wrapped command exits (or you press Ctrl+C), the session is
finalized, appended to the repository ledger, and synced to the hosted
service. Sessions recorded while offline queue locally and sync on the
next run.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "tracking", Title: "Time Tracking:"},
		&cobra.Group{ID: "account", Title: "Account:"},
		&cobra.Group{ID: "advanced", Title: "Advanced:"},
	)
}

// exitCodeError carries a wrapped command's exit code out of a RunE so
// deferred cleanup still runs before the process exits with it.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("command exited with status %d", e.code)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exitErr *exitCodeError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
