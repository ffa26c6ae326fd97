// Package ui provides terminal rendering helpers for CLI output.
package ui

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)

	colorEnabled = term.IsTerminal(int(os.Stdout.Fd())) && os.Getenv("NO_COLOR") == ""
)

// RenderAccent highlights informational markers.
func RenderAccent(s string) string {
	if !colorEnabled {
		return s
	}
	return accentStyle.Render(s)
}

// RenderPass renders success markers.
func RenderPass(s string) string {
	if !colorEnabled {
		return s
	}
	return passStyle.Render(s)
}

// RenderWarn renders warning markers.
func RenderWarn(s string) string {
	if !colorEnabled {
		return s
	}
	return warnStyle.Render(s)
}

// RenderFail renders failure markers.
func RenderFail(s string) string {
	if !colorEnabled {
		return s
	}
	return failStyle.Render(s)
}

// FormatDuration renders a millisecond count as "2h 14m 05s".
// Sub-minute durations drop the hour and minute parts.
func FormatDuration(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	totalSec := ms / 1000
	hours := totalSec / 3600
	minutes := (totalSec % 3600) / 60
	seconds := totalSec % 60

	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %dm %02ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm %02ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}
