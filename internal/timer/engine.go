// Package timer implements the working-session state machine.
//
// A session moves through Idle -> Running <-> Paused and is finalized by
// End(), which produces an immutable Session record with pause time
// excluded from its duration. Invalid transitions are absorbed as boolean
// no-ops rather than panics because shutdown paths (signal handler and
// child-exit handler) may race to finalize the same session.
package timer

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// State identifies the engine's current position in the session lifecycle.
type State string

const (
	// StateIdle means no session is in flight.
	StateIdle State = "idle"

	// StateRunning means a session is in flight and accumulating time.
	StateRunning State = "running"

	// StatePaused means a session is in flight but the clock is stopped.
	StatePaused State = "paused"
)

// maxTaskNameLen bounds task names after sanitization.
const maxTaskNameLen = 100

// Session is one finalized interval of work. It is immutable once
// produced by End(). DurationMs excludes accumulated pause time:
// DurationMs == EndMs - StartMs - total paused milliseconds.
//
// ClientID is generated once at session start and is the sole
// deduplication key for remote delivery.
type Session struct {
	StartMs    int64   `json:"startMs"`
	EndMs      int64   `json:"endMs"`
	DurationMs int64   `json:"durationMs"`
	TaskName   *string `json:"taskName"`
	ClientID   string  `json:"clientId"`
}

// Validate checks that the Session has a plausible shape.
func (s *Session) Validate() error {
	if s.ClientID == "" {
		return fmt.Errorf("clientId is required")
	}
	if s.StartMs <= 0 {
		return fmt.Errorf("startMs must be positive (got %d)", s.StartMs)
	}
	if s.EndMs < s.StartMs {
		return fmt.Errorf("endMs %d precedes startMs %d", s.EndMs, s.StartMs)
	}
	if s.DurationMs < 0 {
		return fmt.Errorf("durationMs must be non-negative (got %d)", s.DurationMs)
	}
	if s.DurationMs > s.EndMs-s.StartMs {
		return fmt.Errorf("durationMs %d exceeds wall-clock span %d", s.DurationMs, s.EndMs-s.StartMs)
	}
	return nil
}

// Engine is the session state machine. It holds no ambient globals, so
// multiple engines can coexist (one per test, typically).
//
// Engine is not safe for concurrent use; the process drives it from a
// single logical thread of control and the idempotent End() makes the
// shutdown-path race (signal handler vs child-exit handler) safe.
type Engine struct {
	state         State
	clientID      string
	taskName      string
	startMs       int64
	pausedAccumMs int64
	pauseStartMs  int64

	now func() time.Time
}

// New creates an idle Engine using the system clock.
func New() *Engine {
	return NewWithClock(time.Now)
}

// NewWithClock creates an idle Engine with an injectable clock.
func NewWithClock(now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{state: StateIdle, now: now}
}

// Start begins a new session, optionally named. Valid only from Idle;
// returns false otherwise.
func (e *Engine) Start(taskName string) bool {
	if e.state != StateIdle {
		return false
	}
	e.state = StateRunning
	e.clientID = uuid.NewString()
	e.taskName = SanitizeTaskName(taskName)
	e.startMs = e.nowMs()
	e.pausedAccumMs = 0
	e.pauseStartMs = 0
	return true
}

// SetTaskName renames the in-flight session. Allowed while Running or
// Paused. The name is sanitized; empty-after-sanitize means "no task".
func (e *Engine) SetTaskName(name string) bool {
	if e.state != StateRunning && e.state != StatePaused {
		return false
	}
	e.taskName = SanitizeTaskName(name)
	return true
}

// Pause stops the clock. Valid only from Running; returns false if
// already paused or not started.
func (e *Engine) Pause() bool {
	if e.state != StateRunning {
		return false
	}
	e.state = StatePaused
	e.pauseStartMs = e.nowMs()
	return true
}

// Resume restarts the clock, folding the completed pause interval into
// the paused-time accumulator. Valid only from Paused.
func (e *Engine) Resume() bool {
	if e.state != StatePaused {
		return false
	}
	e.pausedAccumMs += e.nowMs() - e.pauseStartMs
	e.pauseStartMs = 0
	e.state = StateRunning
	return true
}

// ElapsedMs returns active working time so far, excluding pause time.
// It is monotonically non-decreasing while Running and constant while
// Paused. Returns 0 when no session is in flight.
//
// This is the 1 Hz hot path for the dashboard tick; it only reads the
// clock and never touches I/O.
func (e *Engine) ElapsedMs() int64 {
	switch e.state {
	case StateRunning:
		return e.nowMs() - e.startMs - e.pausedAccumMs
	case StatePaused:
		return e.pauseStartMs - e.startMs - e.pausedAccumMs
	default:
		return 0
	}
}

// End finalizes the in-flight session and resets the engine to Idle.
// Valid from Running or Paused; a live pause is folded into the
// accumulator first.
//
// End is idempotent: a second call when already Idle returns (nil,
// false) without producing a duplicate record.
func (e *Engine) End() (*Session, bool) {
	if e.state != StateRunning && e.state != StatePaused {
		return nil, false
	}

	endMs := e.nowMs()
	if e.state == StatePaused {
		e.pausedAccumMs += endMs - e.pauseStartMs
	}

	session := &Session{
		StartMs:    e.startMs,
		EndMs:      endMs,
		DurationMs: endMs - e.startMs - e.pausedAccumMs,
		ClientID:   e.clientID,
	}
	if e.taskName != "" {
		name := e.taskName
		session.TaskName = &name
	}

	// Reset to Idle defaults so a new session can start.
	e.state = StateIdle
	e.clientID = ""
	e.taskName = ""
	e.startMs = 0
	e.pausedAccumMs = 0
	e.pauseStartMs = 0

	return session, true
}

// State returns the engine's current state.
func (e *Engine) State() State {
	return e.state
}

// Paused reports whether the session clock is currently stopped.
func (e *Engine) Paused() bool {
	return e.state == StatePaused
}

// Running reports whether a session is in flight (Running or Paused).
func (e *Engine) Running() bool {
	return e.state == StateRunning || e.state == StatePaused
}

// TaskName returns the current sanitized task name, or "" for no task.
func (e *Engine) TaskName() string {
	return e.taskName
}

// ClientID returns the in-flight session's deduplication key, or "".
func (e *Engine) ClientID() string {
	return e.clientID
}

func (e *Engine) nowMs() int64 {
	return e.now().UnixMilli()
}

// shellPunctuation covers characters with meaning to common shells.
// Task names travel into log lines and remote records, never a shell,
// but stripping these keeps them inert everywhere.
const shellPunctuation = "`$|&;<>(){}[]!\\\"'*?~#"

// SanitizeTaskName strips control characters and shell-significant
// punctuation, collapses surrounding whitespace, and truncates the
// result to 100 runes. An empty result means "no task".
func SanitizeTaskName(name string) string {
	var b strings.Builder
	for _, r := range name {
		if unicode.IsControl(r) {
			continue
		}
		if strings.ContainsRune(shellPunctuation, r) {
			continue
		}
		b.WriteRune(r)
	}

	cleaned := strings.TrimSpace(b.String())
	runes := []rune(cleaned)
	if len(runes) > maxTaskNameLen {
		cleaned = strings.TrimSpace(string(runes[:maxTaskNameLen]))
	}
	return cleaned
}
