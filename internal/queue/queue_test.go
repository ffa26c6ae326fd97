package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ChemicalGhost/dev-timr/internal/remote"
	"github.com/ChemicalGhost/dev-timr/internal/securestore"
	"github.com/ChemicalGhost/dev-timr/internal/timer"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	store := securestore.NewWithKey(bytes.Repeat([]byte{0x33}, 32), log.New(os.Stderr, "[test] ", log.LstdFlags))
	path := filepath.Join(t.TempDir(), "queue.json")
	return New(path, store, log.New(os.Stderr, "[test] ", log.LstdFlags))
}

func testSession(clientID string) timer.Session {
	return timer.Session{
		StartMs:    1_000_000,
		EndMs:      1_240_000,
		DurationMs: 240_000,
		ClientID:   clientID,
	}
}

// fakeDeliverer records delivered clientIds and fails on command. It is
// idempotent by clientId like the real remote.
type fakeDeliverer struct {
	mu        sync.Mutex
	delivered map[string]bool
	failWith  error
}

func newFakeDeliverer() *fakeDeliverer {
	return &fakeDeliverer{delivered: map[string]bool{}}
}

func (d *fakeDeliverer) DeliverSession(ctx context.Context, entry Entry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.delivered[entry.ClientID] {
		return nil
	}
	if d.failWith != nil {
		return d.failWith
	}
	d.delivered[entry.ClientID] = true
	return nil
}

func (d *fakeDeliverer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.delivered)
}

func TestEnqueuePersistsImmediately(t *testing.T) {
	q := newTestQueue(t)

	if err := q.Enqueue(testSession("s1"), "octo", "webapp"); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// A fresh Queue over the same file must see the entry.
	reopened := New(q.path, q.store, q.logger)
	if got := reopened.Len(); got != 1 {
		t.Fatalf("reopened queue length = %d, want 1", got)
	}

	stats := reopened.Stats()
	if stats.Count != 1 || stats.OldestQueuedAtMs == 0 || stats.TotalAttempts != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestEnqueueRejectsInvalidSession(t *testing.T) {
	q := newTestQueue(t)
	if err := q.Enqueue(timer.Session{}, "octo", "webapp"); err == nil {
		t.Fatal("expected invalid session to be rejected")
	}
	if q.Len() != 0 {
		t.Error("invalid session must not be queued")
	}
}

func TestDrainSuccessRemovesEntries(t *testing.T) {
	q := newTestQueue(t)
	_ = q.Enqueue(testSession("s1"), "octo", "webapp")
	_ = q.Enqueue(testSession("s2"), "octo", "webapp")

	d := newFakeDeliverer()
	summary, err := q.Drain(context.Background(), d)
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	if summary.Synced != 2 || summary.Retained != 0 || summary.Dropped != 0 {
		t.Errorf("summary = %+v, want 2 synced", summary)
	}
	if q.Len() != 0 {
		t.Errorf("queue length after drain = %d, want 0", q.Len())
	}
}

func TestDrainFailureRetainsWithAttemptCount(t *testing.T) {
	q := newTestQueue(t)
	_ = q.Enqueue(testSession("s1"), "octo", "webapp")

	d := newFakeDeliverer()
	d.failWith = errors.New("503 service unavailable")

	summary, err := q.Drain(context.Background(), d)
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if summary.Retained != 1 || summary.Synced != 0 {
		t.Errorf("summary = %+v, want 1 retained", summary)
	}

	entries := q.load().Entries
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	if entries[0].SyncAttempts != 1 {
		t.Errorf("SyncAttempts = %d, want 1", entries[0].SyncAttempts)
	}
	if entries[0].LastError == nil || *entries[0].LastError != "503 service unavailable" {
		t.Errorf("LastError = %v, want recorded message", entries[0].LastError)
	}
}

func TestDrainDropsAtAttemptCap(t *testing.T) {
	q := newTestQueue(t)
	_ = q.Enqueue(testSession("s1"), "octo", "webapp")

	d := newFakeDeliverer()
	d.failWith = errors.New("still down")

	// Nine failures: entry stays queued.
	for i := 0; i < maxSyncAttempts-1; i++ {
		if _, err := q.Drain(context.Background(), d); err != nil {
			t.Fatalf("Drain %d failed: %v", i, err)
		}
	}
	entries := q.load().Entries
	if len(entries) != 1 {
		t.Fatalf("after 9 failures: entries = %d, want 1", len(entries))
	}
	if entries[0].SyncAttempts != maxSyncAttempts-1 {
		t.Fatalf("SyncAttempts = %d, want %d", entries[0].SyncAttempts, maxSyncAttempts-1)
	}

	// Tenth failure: dropped and reported.
	summary, err := q.Drain(context.Background(), d)
	if err != nil {
		t.Fatalf("final Drain failed: %v", err)
	}
	if summary.Dropped != 1 {
		t.Errorf("summary = %+v, want 1 dropped", summary)
	}
	if q.Len() != 0 {
		t.Error("capped entry should be removed from the queue")
	}
}

// blockingDeliverer parks the first delivery until released, holding a
// Drain pass open so another goroutine can race it.
type blockingDeliverer struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (d *blockingDeliverer) DeliverSession(ctx context.Context, entry Entry) error {
	d.once.Do(func() { close(d.started) })
	<-d.release
	return nil
}

func TestEnqueueDuringDrainIsNotLost(t *testing.T) {
	q := newTestQueue(t)
	_ = q.Enqueue(testSession("old"), "octo", "webapp")

	d := &blockingDeliverer{started: make(chan struct{}), release: make(chan struct{})}

	drainDone := make(chan struct{})
	go func() {
		defer close(drainDone)
		if _, err := q.Drain(context.Background(), d); err != nil {
			t.Errorf("Drain failed: %v", err)
		}
	}()
	<-d.started

	// Enqueue while the drain pass is mid-delivery. It must not be
	// overwritten when the drain persists its own view of the journal.
	enqueueDone := make(chan struct{})
	go func() {
		defer close(enqueueDone)
		if err := q.Enqueue(testSession("new"), "octo", "webapp"); err != nil {
			t.Errorf("Enqueue failed: %v", err)
		}
	}()

	time.Sleep(50 * time.Millisecond)
	close(d.release)
	<-drainDone
	<-enqueueDone

	entries := q.load().Entries
	if len(entries) != 1 || entries[0].ClientID != "new" {
		t.Fatalf("entries after concurrent enqueue+drain = %+v, want exactly the new session", entries)
	}
}

func TestDrainAuthFailureAbortsWithoutBurningBudget(t *testing.T) {
	q := newTestQueue(t)
	_ = q.Enqueue(testSession("s1"), "octo", "webapp")
	_ = q.Enqueue(testSession("s2"), "octo", "webapp")

	d := newFakeDeliverer()
	d.failWith = &remote.APIError{Status: 401, Code: remote.CodeReauthRequired, Message: "session revoked"}

	summary, err := q.Drain(context.Background(), d)
	if err == nil {
		t.Fatal("expected drain to surface the reauthentication requirement")
	}
	if summary.Retained != 2 || summary.Dropped != 0 {
		t.Errorf("summary = %+v, want both entries retained", summary)
	}

	// A login fixes every entry at once, so no attempt budget is spent.
	for _, entry := range q.load().Entries {
		if entry.SyncAttempts != 0 {
			t.Errorf("entry %s SyncAttempts = %d, want 0", entry.ClientID, entry.SyncAttempts)
		}
	}
}

func TestDrainNoCredentialAbortsPass(t *testing.T) {
	q := newTestQueue(t)
	_ = q.Enqueue(testSession("s1"), "octo", "webapp")

	d := newFakeDeliverer()
	d.failWith = ErrNoCredential

	if _, err := q.Drain(context.Background(), d); err == nil {
		t.Fatal("expected drain without a credential to fail")
	}

	entries := q.load().Entries
	if len(entries) != 1 || entries[0].SyncAttempts != 0 {
		t.Errorf("entries = %+v, want the session retained with zero attempts", entries)
	}
}

func TestDrainPermanentRejectionDroppedImmediately(t *testing.T) {
	q := newTestQueue(t)
	_ = q.Enqueue(testSession("s1"), "octo", "webapp")

	d := newFakeDeliverer()
	d.failWith = &remote.APIError{Status: 400, Message: "invalid payload"}

	summary, err := q.Drain(context.Background(), d)
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if summary.Dropped != 1 || summary.Retained != 0 {
		t.Errorf("summary = %+v, want immediate drop", summary)
	}
	if q.Len() != 0 {
		t.Error("permanently rejected entry should not stay queued")
	}
}

func TestDrainTransportErrorRetained(t *testing.T) {
	q := newTestQueue(t)
	_ = q.Enqueue(testSession("s1"), "octo", "webapp")

	d := newFakeDeliverer()
	d.failWith = &remote.TransportError{Err: errors.New("connect refused")}

	summary, err := q.Drain(context.Background(), d)
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if summary.Retained != 1 {
		t.Errorf("summary = %+v, want 1 retained", summary)
	}

	entries := q.load().Entries
	if len(entries) != 1 || entries[0].SyncAttempts != 1 {
		t.Errorf("entries = %+v, want one retained entry with a recorded attempt", entries)
	}
}

func TestDrainIdempotentByClientID(t *testing.T) {
	q := newTestQueue(t)

	// The same session queued twice, as after a lost acknowledgment.
	_ = q.Enqueue(testSession("dup"), "octo", "webapp")
	_ = q.Enqueue(testSession("dup"), "octo", "webapp")

	d := newFakeDeliverer()
	summary, err := q.Drain(context.Background(), d)
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	if summary.Synced != 2 {
		t.Errorf("summary = %+v, want both entries counted synced", summary)
	}
	if d.count() != 1 {
		t.Errorf("remote records = %d, want exactly 1", d.count())
	}
	if q.Len() != 0 {
		t.Error("queue should be empty after idempotent drain")
	}

	// Draining again after everything already delivered stays clean.
	summary, err = q.Drain(context.Background(), d)
	if err != nil {
		t.Fatalf("second Drain failed: %v", err)
	}
	if summary.Synced != 0 || summary.Retained != 0 || summary.Dropped != 0 {
		t.Errorf("second drain summary = %+v, want all zero", summary)
	}
	if d.count() != 1 {
		t.Errorf("remote records after re-drain = %d, want 1", d.count())
	}
}

func TestDrainMixedOutcomes(t *testing.T) {
	q := newTestQueue(t)
	_ = q.Enqueue(testSession("ok"), "octo", "webapp")
	_ = q.Enqueue(testSession("bad"), "octo", "webapp")

	d := newFakeDeliverer()
	d.delivered["ok"] = true // already on the remote
	d.failWith = errors.New("insert failed")

	summary, err := q.Drain(context.Background(), d)
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if summary.Synced != 1 || summary.Retained != 1 {
		t.Errorf("summary = %+v, want 1 synced / 1 retained", summary)
	}

	entries := q.load().Entries
	if len(entries) != 1 || entries[0].ClientID != "bad" {
		t.Errorf("retained entries = %+v, want only the failing one", entries)
	}
}

func TestCorruptJournalTreatedAsEmpty(t *testing.T) {
	q := newTestQueue(t)
	_ = q.Enqueue(testSession("s1"), "octo", "webapp")

	if err := os.WriteFile(q.path, []byte("corrupted beyond repair"), 0600); err != nil {
		t.Fatalf("failed to corrupt journal: %v", err)
	}

	if got := q.Len(); got != 0 {
		t.Errorf("corrupt journal length = %d, want 0", got)
	}

	// The queue must still accept new work afterwards.
	if err := q.Enqueue(testSession("s2"), "octo", "webapp"); err != nil {
		t.Fatalf("Enqueue after corruption failed: %v", err)
	}
	if q.Len() != 1 {
		t.Error("queue should recover to a working empty state")
	}
}

func TestRemoteDeliverer(t *testing.T) {
	var inserts int
	mux := http.NewServeMux()
	mux.HandleFunc("/sessions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			inserts++
			w.WriteHeader(http.StatusCreated)
			return
		}
		// First lookup: not found. After an insert: found.
		sessions := []map[string]string{}
		if inserts > 0 {
			sessions = append(sessions, map[string]string{"clientId": r.URL.Query().Get("client_id")})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"sessions": sessions})
	})

	ts := httptest.NewServer(mux)
	defer ts.Close()

	d := &RemoteDeliverer{
		Client: remote.New(ts.URL, nil),
		Token:  func() (string, bool) { return "sess-tok", true },
	}

	entry := Entry{Session: testSession("abc"), RepoOwner: "octo", RepoName: "webapp"}

	if err := d.DeliverSession(context.Background(), entry); err != nil {
		t.Fatalf("first delivery failed: %v", err)
	}
	if err := d.DeliverSession(context.Background(), entry); err != nil {
		t.Fatalf("re-delivery failed: %v", err)
	}
	if inserts != 1 {
		t.Errorf("inserts = %d, want exactly 1 (idempotent by clientId)", inserts)
	}
}

func TestRemoteDelivererWithoutCredential(t *testing.T) {
	d := &RemoteDeliverer{
		Client: remote.New("http://127.0.0.1:0", nil),
		Token:  func() (string, bool) { return "", false },
	}
	if err := d.DeliverSession(context.Background(), Entry{Session: testSession("x")}); err == nil {
		t.Fatal("delivery without a credential should fail")
	}
}
