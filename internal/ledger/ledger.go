// Package ledger persists finalized sessions for one repository
// working directory.
//
// The ledger is a single document holding an ordered list of sessions
// plus an opaque UI settings blob. It is append-only in practice and
// read wholesale on every query; the dataset is small and local. A
// document that fails shape validation is replaced with an empty ledger
// rather than crashing, and the loss is logged.
package ledger

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ChemicalGhost/dev-timr/internal/securestore"
	"github.com/ChemicalGhost/dev-timr/internal/timer"
)

// Document is the on-disk ledger shape. UISettings belongs to the
// dashboard and is carried through rewrites untouched.
type Document struct {
	Sessions   []timer.Session `json:"sessions"`
	UISettings json.RawMessage `json:"uiSettings,omitempty"`
}

// Totals aggregates working time over the standard display ranges.
type Totals struct {
	TodayMs   int64
	WeekMs    int64
	MonthMs   int64
	AllTimeMs int64
}

// Ledger owns the per-repository session file.
type Ledger struct {
	path   string
	store  *securestore.Store
	logger *log.Logger
	now    func() time.Time
}

// New creates a Ledger backed by the file at path.
//
// If logger is nil, a default logger writing to stderr is used.
func New(path string, store *securestore.Store, logger *log.Logger) *Ledger {
	if logger == nil {
		logger = log.New(os.Stderr, "[ledger] ", log.LstdFlags)
	}
	return &Ledger{path: path, store: store, logger: logger, now: time.Now}
}

// Read loads the ledger document. It never fails: an absent, corrupt,
// or malformed file yields an empty ledger.
func (l *Ledger) Read() *Document {
	var doc Document
	found, err := l.store.ReadOrMigrate(l.path, &doc)
	if err != nil {
		l.logger.Printf("failed to read ledger, starting empty: %v", err)
		return &Document{}
	}
	if !found {
		return &Document{}
	}

	if err := validateDocument(&doc); err != nil {
		l.logger.Printf("ledger failed validation, resetting to empty: %v", err)
		return &Document{UISettings: doc.UISettings}
	}
	return &doc
}

// Append adds a finalized session to the ledger. This write always
// happens before the session is handed to the durable queue, so a crash
// between the two leaves the session durably recorded locally.
func (l *Ledger) Append(session timer.Session) error {
	if err := session.Validate(); err != nil {
		return fmt.Errorf("refusing to record invalid session: %w", err)
	}

	doc := l.Read()
	doc.Sessions = append(doc.Sessions, session)

	if err := l.store.Write(l.path, doc); err != nil {
		return fmt.Errorf("failed to persist ledger: %w", err)
	}
	return nil
}

// Count returns the number of recorded sessions.
func (l *Ledger) Count() int {
	return len(l.Read().Sessions)
}

// Totals computes aggregate working time for the display ranges,
// bucketing sessions by their start time in local time. inFlightMs, if
// non-zero, is the elapsed time of a session still running; it is added
// to every bucket. This is the offline stats fallback.
func (l *Ledger) Totals(inFlightMs int64) Totals {
	doc := l.Read()
	now := l.now()

	year, month, day := now.Date()
	startOfDay := time.Date(year, month, day, 0, 0, 0, 0, now.Location())
	startOfWeek := startOfWeek(now)
	startOfMonth := time.Date(year, month, 1, 0, 0, 0, 0, now.Location())

	var totals Totals
	for _, s := range doc.Sessions {
		started := time.UnixMilli(s.StartMs)
		totals.AllTimeMs += s.DurationMs
		if !started.Before(startOfMonth) {
			totals.MonthMs += s.DurationMs
		}
		if !started.Before(startOfWeek) {
			totals.WeekMs += s.DurationMs
		}
		if !started.Before(startOfDay) {
			totals.TodayMs += s.DurationMs
		}
	}

	totals.TodayMs += inFlightMs
	totals.WeekMs += inFlightMs
	totals.MonthMs += inFlightMs
	totals.AllTimeMs += inFlightMs
	return totals
}

// startOfWeek returns local midnight of the most recent Monday.
func startOfWeek(now time.Time) time.Time {
	year, month, day := now.Date()
	midnight := time.Date(year, month, day, 0, 0, 0, 0, now.Location())

	offset := int(now.Weekday()) - int(time.Monday)
	if offset < 0 {
		offset += 7
	}
	return midnight.AddDate(0, 0, -offset)
}

// validateDocument enforces basic shape: every session must carry its
// required numeric fields. One bad session condemns the document, by
// contract with the callers that treat the ledger as all-or-nothing.
func validateDocument(doc *Document) error {
	for i := range doc.Sessions {
		if err := doc.Sessions[i].Validate(); err != nil {
			return fmt.Errorf("session %d: %w", i, err)
		}
	}
	return nil
}
