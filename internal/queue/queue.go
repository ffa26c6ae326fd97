// Package queue retains finalized sessions that could not be confirmed
// delivered to the sync service.
//
// The journal is a single encrypted document. Entries are appended when
// a session cannot be confirmed delivered, mutated only by Drain
// (attempt counts and error messages), and removed on successful
// delivery or when the retry cap is reached. A drained entry that keeps
// failing is eventually dropped with the loss reported, never retried
// forever.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/ChemicalGhost/dev-timr/internal/remote"
	"github.com/ChemicalGhost/dev-timr/internal/securestore"
	"github.com/ChemicalGhost/dev-timr/internal/timer"
)

// maxSyncAttempts is the retry cap. An entry failing this many times is
// dropped and the loss surfaced in the drain summary.
const maxSyncAttempts = 10

// Entry is a queued session bound to its repository.
type Entry struct {
	timer.Session
	QueuedAtMs   int64   `json:"queuedAtMs"`
	SyncAttempts int     `json:"syncAttempts"`
	LastError    *string `json:"lastError"`
	RepoOwner    string  `json:"repoOwner"`
	RepoName     string  `json:"repoName"`
}

// journal is the on-disk document wrapping the queued entries.
type journal struct {
	Entries []Entry `json:"entries"`
}

// Deliverer sends one queued session to the remote. Implementations
// must be idempotent by clientId: re-delivering an already-stored
// session is success, not an error.
type Deliverer interface {
	DeliverSession(ctx context.Context, entry Entry) error
}

// DrainSummary reports the outcome of one pass over the queue.
type DrainSummary struct {
	// Synced entries were delivered (or found already delivered) and
	// removed from the queue.
	Synced int

	// Retained entries failed delivery but stay queued for a later pass.
	Retained int

	// Dropped entries hit the retry cap and were discarded.
	Dropped int
}

// Stats describes the retained backlog for observability.
type Stats struct {
	Count            int
	OldestQueuedAtMs int64
	TotalAttempts    int
}

// Queue is the durable journal of undelivered sessions. All operations
// are safe for concurrent use from one process; an opportunistic
// background Drain and a foreground Enqueue never interleave their
// read-modify-write cycles on the journal.
type Queue struct {
	path   string
	store  *securestore.Store
	logger *log.Logger
	now    func() time.Time

	// mu is held across every full load/mutate/save cycle so a Drain
	// snapshot cannot overwrite an entry persisted in between.
	mu sync.Mutex
}

// New creates a Queue backed by the journal file at path.
//
// If logger is nil, a default logger writing to stderr is used.
func New(path string, store *securestore.Store, logger *log.Logger) *Queue {
	if logger == nil {
		logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}
	return &Queue{path: path, store: store, logger: logger, now: time.Now}
}

// Enqueue appends a session to the journal and persists it before
// returning, so a crash immediately afterwards does not lose the item.
func (q *Queue) Enqueue(session timer.Session, repoOwner, repoName string) error {
	if err := session.Validate(); err != nil {
		return fmt.Errorf("refusing to queue invalid session: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	j := q.load()
	j.Entries = append(j.Entries, Entry{
		Session:    session,
		QueuedAtMs: q.now().UnixMilli(),
		RepoOwner:  repoOwner,
		RepoName:   repoName,
	})

	if err := q.save(j); err != nil {
		return fmt.Errorf("failed to persist queue journal: %w", err)
	}
	return nil
}

// Drain walks the queued entries in order exactly once, attempting
// remote delivery for each. It does not schedule retries itself; the
// caller invokes it opportunistically (at process start when the queue
// is non-empty, and right after a new session is enqueued).
//
// Failures are handled by class. A transient failure (network, rate
// limit, server error) is recorded on the entry, which stays queued
// until the retry cap. An auth-invalid failure aborts the pass without
// touching any attempt counter, since re-running the login flow fixes
// every remaining entry at once. A permanent rejection by the service
// is dropped immediately; resending the same bytes cannot succeed.
func (q *Queue) Drain(ctx context.Context, deliverer Deliverer) (*DrainSummary, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	j := q.load()
	if len(j.Entries) == 0 {
		return &DrainSummary{}, nil
	}

	summary := &DrainSummary{}
	kept := j.Entries[:0]

	for i, entry := range j.Entries {
		err := deliverer.DeliverSession(ctx, entry)
		if err == nil {
			summary.Synced++
			continue
		}

		if remote.IsAuthInvalid(err) || errors.Is(err, ErrNoCredential) {
			kept = append(kept, j.Entries[i:]...)
			summary.Retained += len(j.Entries) - i
			j.Entries = kept
			if saveErr := q.save(j); saveErr != nil {
				return summary, fmt.Errorf("failed to persist queue journal after drain: %w", saveErr)
			}
			return summary, fmt.Errorf("delivery requires reauthentication: %w", err)
		}

		msg := err.Error()
		entry.LastError = &msg

		if isPermanentRejection(err) {
			summary.Dropped++
			q.logger.Printf("dropping session %s, service rejected it permanently: %v",
				entry.ClientID, err)
			continue
		}

		entry.SyncAttempts++
		if entry.SyncAttempts >= maxSyncAttempts {
			summary.Dropped++
			q.logger.Printf("dropping session %s after %d failed sync attempts: %v",
				entry.ClientID, entry.SyncAttempts, err)
			continue
		}

		summary.Retained++
		kept = append(kept, entry)
	}

	j.Entries = kept
	if err := q.save(j); err != nil {
		return summary, fmt.Errorf("failed to persist queue journal after drain: %w", err)
	}

	q.logger.Printf("drain complete: synced=%d retained=%d dropped=%d",
		summary.Synced, summary.Retained, summary.Dropped)
	return summary, nil
}

// isPermanentRejection reports whether the service actively refused the
// entry in a way no retry of the same payload can fix. Untyped errors
// count as retryable; only a typed non-transient API response is
// treated as final. Auth failures are handled before this check.
func isPermanentRejection(err error) bool {
	var api *remote.APIError
	return errors.As(err, &api) && !remote.IsTransient(err)
}

// Stats reports count, oldest queued timestamp, and accumulated
// attempts across all retained entries.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	j := q.load()

	stats := Stats{Count: len(j.Entries)}
	for _, entry := range j.Entries {
		if stats.OldestQueuedAtMs == 0 || entry.QueuedAtMs < stats.OldestQueuedAtMs {
			stats.OldestQueuedAtMs = entry.QueuedAtMs
		}
		stats.TotalAttempts += entry.SyncAttempts
	}
	return stats
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.load().Entries)
}

// load reads the journal, treating an absent or undecryptable file as
// an empty queue.
func (q *Queue) load() *journal {
	var j journal
	found, err := q.store.ReadOrMigrate(q.path, &j)
	if err != nil {
		q.logger.Printf("failed to read queue journal, treating as empty: %v", err)
		return &journal{}
	}
	if !found {
		return &journal{}
	}

	// Drop entries with an invalid shape rather than carrying them.
	valid := j.Entries[:0]
	for _, entry := range j.Entries {
		if err := entry.Validate(); err != nil {
			q.logger.Printf("dropping malformed queue entry: %v", err)
			continue
		}
		valid = append(valid, entry)
	}
	j.Entries = valid
	return &j
}

func (q *Queue) save(j *journal) error {
	return q.store.Write(q.path, j)
}
