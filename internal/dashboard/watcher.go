package dashboard

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// LedgerWatcher watches the repository ledger file for writes so the
// dashboard can refresh totals when another process (or a second devtimr
// run) appends a session. It uses fsnotify for cross-platform file
// system event monitoring.
//
// Events within the debounce window collapse into a single notification,
// since an atomic write shows up as a create plus a rename.
type LedgerWatcher struct {
	watcher  *fsnotify.Watcher
	path     string
	debounce time.Duration
	changes  chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
}

// NewLedgerWatcher creates a watcher for the ledger at path.
// The watcher must be started with Start() before it will emit events.
func NewLedgerWatcher(path string) (*LedgerWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &LedgerWatcher{
		watcher:  watcher,
		path:     path,
		debounce: 250 * time.Millisecond,
		changes:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching the ledger's parent directory. Watching the
// directory rather than the file keeps events flowing across the
// rename performed by atomic writes.
func (lw *LedgerWatcher) Start() error {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	if lw.running {
		return fmt.Errorf("watcher already running")
	}

	dir := filepath.Dir(lw.path)
	if err := lw.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch ledger directory %s: %w", dir, err)
	}

	lw.running = true
	lw.wg.Add(1)
	go lw.processEvents()

	return nil
}

// Stop stops the watcher and blocks until its event loop has exited.
func (lw *LedgerWatcher) Stop() error {
	lw.mu.Lock()
	if !lw.running {
		lw.mu.Unlock()
		return nil
	}
	lw.running = false
	lw.mu.Unlock()

	close(lw.done)

	if err := lw.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	lw.wg.Wait()
	close(lw.changes)

	return nil
}

// Changes returns the channel that signals ledger changes.
// This channel is closed when the watcher is stopped.
func (lw *LedgerWatcher) Changes() <-chan struct{} {
	return lw.changes
}

func (lw *LedgerWatcher) processEvents() {
	defer lw.wg.Done()

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-lw.done:
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-lw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(lw.path) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}

			// Restart the debounce window on every relevant event.
			if timer == nil {
				timer = time.NewTimer(lw.debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(lw.debounce)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			select {
			case lw.changes <- struct{}{}:
			default:
			}

		case _, ok := <-lw.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}
