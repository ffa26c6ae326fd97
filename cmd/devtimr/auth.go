package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChemicalGhost/dev-timr/internal/auth"
	"github.com/ChemicalGhost/dev-timr/internal/ui"
)

var loginCmd = &cobra.Command{
	Use:     "login",
	GroupID: "account",
	Short:   "Log in to the sync service via device flow",
	Long: `Authenticate with the sync service using the browser device flow.

A short code is printed here; enter it at the verification URL in any
browser. The command waits for approval, then stores the resulting
credentials encrypted on this machine.`,
	RunE: runLogin,
}

var logoutCmd = &cobra.Command{
	Use:     "logout",
	GroupID: "account",
	Short:   "Revoke the current session and delete local credentials",
	RunE:    runLogout,
}

var whoamiCmd = &cobra.Command{
	Use:     "whoami",
	GroupID: "account",
	Short:   "Show the logged-in account and credential standing",
	RunE:    runWhoami,
}

func init() {
	rootCmd.AddCommand(loginCmd, logoutCmd, whoamiCmd)
}

func runLogin(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}

	if rec, ok := a.creds.Current(); ok && a.creds.IsValid() {
		fmt.Printf("Already logged in as %s. Run 'devtimr logout' first to switch accounts.\n",
			ui.RenderAccent(rec.IdentityUser.Handle))
		return nil
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Minute)
	defer cancel()

	da, err := a.creds.BeginDeviceFlow(ctx)
	if err != nil {
		return fmt.Errorf("failed to start login: %w", err)
	}

	fmt.Printf("Open %s and enter the code:\n\n", ui.RenderAccent(da.VerificationURI))
	fmt.Printf("    %s\n\n", ui.RenderAccent(da.UserCode))
	fmt.Println("Waiting for approval...")

	rec, err := a.creds.CompleteDeviceFlow(ctx, da)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	fmt.Printf("✓ %s\n", ui.RenderPass("Logged in as "+rec.IdentityUser.Handle))

	// Credentials just arrived; flush anything recorded while offline.
	if a.queue.Len() > 0 {
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		summary, err := a.queue.Drain(ctx, a.deliverer())
		if err == nil {
			reportDrain(summary, a.logger)
		}
	}

	return nil
}

func runLogout(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}

	if _, ok := a.creds.Current(); !ok {
		fmt.Println("Not logged in.")
		return nil
	}

	if err := a.creds.Logout(cmd.Context()); err != nil {
		return fmt.Errorf("logout failed: %w", err)
	}

	fmt.Printf("✓ %s\n", ui.RenderPass("Logged out, local credentials deleted"))
	return nil
}

func runWhoami(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}

	rec, ok := a.creds.Current()
	if !ok {
		fmt.Println("Not logged in. Run 'devtimr login' to authenticate.")
		return nil
	}

	fmt.Printf("Account:  %s", ui.RenderAccent(rec.IdentityUser.Handle))
	if rec.IdentityUser.DisplayName != "" {
		fmt.Printf(" (%s)", rec.IdentityUser.DisplayName)
	}
	fmt.Println()
	if rec.IdentityUser.Email != "" {
		fmt.Printf("Email:    %s\n", rec.IdentityUser.Email)
	}

	expires := time.Unix(rec.SessionExpiresAtEpochSec, 0)
	switch a.creds.Validity() {
	case auth.ValidityValid:
		fmt.Printf("Session:  %s (expires %s)\n",
			ui.RenderPass("valid"), expires.Local().Format("2006-01-02 15:04"))
	case auth.ValidityExpiring:
		fmt.Printf("Session:  %s (expires %s, will refresh on next run)\n",
			ui.RenderWarn("expiring"), expires.Local().Format("2006-01-02 15:04"))
	case auth.ValidityExpired:
		fmt.Printf("Session:  %s (expired %s)\n",
			ui.RenderFail("expired"), expires.Local().Format("2006-01-02 15:04"))

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		if _, err := a.creds.Refresh(ctx); err != nil {
			if errors.Is(err, auth.ErrReauthRequired) {
				fmt.Println("\nRun 'devtimr login' to re-authenticate.")
			}
		} else {
			fmt.Printf("✓ %s\n", ui.RenderPass("Session refreshed"))
		}
	}

	return nil
}
