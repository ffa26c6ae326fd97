package dashboard

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	server := NewServer(&Config{
		Port:   0, // Use random available port
		Logger: log.New(os.Stderr, "[test] ", log.LstdFlags),
	})

	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}

	// Give server time to start
	time.Sleep(100 * time.Millisecond)

	return server
}

func TestServerStartStop(t *testing.T) {
	server := newTestServer(t)

	addr := server.GetAddr()
	if addr == "" {
		t.Fatal("Server address is empty")
	}

	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
}

func TestWebSocketConnection(t *testing.T) {
	server := newTestServer(t)
	defer server.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws://" + server.GetAddr() + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Registration is synchronous with the HTTP upgrade, but give the
	// handshake a moment to settle.
	time.Sleep(100 * time.Millisecond)

	if count := server.ClientCount(); count != 1 {
		t.Errorf("Expected 1 client, got %d", count)
	}
}

func TestMultipleClients(t *testing.T) {
	server := newTestServer(t)
	defer server.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws://" + server.GetAddr() + "/ws"

	numClients := 3
	for i := 0; i < numClients; i++ {
		conn, _, err := websocket.Dial(ctx, wsURL, nil)
		if err != nil {
			t.Fatalf("Failed to connect client %d: %v", i, err)
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
	}

	time.Sleep(100 * time.Millisecond)

	if count := server.ClientCount(); count != numClients {
		t.Errorf("Expected %d clients, got %d", numClients, count)
	}
}

func TestTimerStateBroadcast(t *testing.T) {
	server := newTestServer(t)
	defer server.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws://" + server.GetAddr() + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	time.Sleep(100 * time.Millisecond)

	server.PublishTimerState(TimerStateData{
		Running:   true,
		ElapsedMs: 90000,
		TaskName:  "fix flaky watcher test",
	})

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read broadcast message: %v", err)
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}

	if msg.Type != MessageTypeTimer {
		t.Errorf("Expected message type %s, got %s", MessageTypeTimer, msg.Type)
	}

	var state TimerStateData
	if err := json.Unmarshal(msg.Data, &state); err != nil {
		t.Fatalf("Failed to unmarshal timer data: %v", err)
	}

	if !state.Running || state.Paused {
		t.Errorf("Expected running unpaused state, got %+v", state)
	}
	if state.ElapsedMs != 90000 {
		t.Errorf("Expected 90000 elapsed ms, got %d", state.ElapsedMs)
	}
	if state.TaskName != "fix flaky watcher test" {
		t.Errorf("Unexpected task name: %s", state.TaskName)
	}
}

func TestTotalsAndQueueBroadcast(t *testing.T) {
	server := newTestServer(t)
	defer server.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws://" + server.GetAddr() + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	time.Sleep(100 * time.Millisecond)

	server.PublishTotals(TotalsData{TodayMs: 3600000, AllTimeMs: 7200000, IncludesActive: true})
	server.PublishQueue(QueueData{Count: 2, OldestQueuedAtMs: 1700000000000})

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read totals message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	if msg.Type != MessageTypeTotals {
		t.Errorf("Expected message type %s, got %s", MessageTypeTotals, msg.Type)
	}

	_, data, err = conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read queue message: %v", err)
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	if msg.Type != MessageTypeQueue {
		t.Errorf("Expected message type %s, got %s", MessageTypeQueue, msg.Type)
	}

	var queue QueueData
	if err := json.Unmarshal(msg.Data, &queue); err != nil {
		t.Fatalf("Failed to unmarshal queue data: %v", err)
	}
	if queue.Count != 2 {
		t.Errorf("Expected 2 queued entries, got %d", queue.Count)
	}
}

func TestControlHandler(t *testing.T) {
	server := newTestServer(t)
	defer server.Stop()

	var mu sync.Mutex
	var gotAction, gotValue string
	received := make(chan struct{}, 4)

	server.SetControlHandler(func(action, value string) {
		mu.Lock()
		gotAction, gotValue = action, value
		mu.Unlock()
		received <- struct{}{}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws://" + server.GetAddr() + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	payload := []byte(`{"action":"set_task","value":"refactor sync loop"}`)
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		t.Fatalf("Failed to send control message: %v", err)
	}

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("Control handler was not invoked")
	}

	mu.Lock()
	defer mu.Unlock()
	if gotAction != "set_task" {
		t.Errorf("Expected action set_task, got %s", gotAction)
	}
	if gotValue != "refactor sync loop" {
		t.Errorf("Expected value %q, got %q", "refactor sync loop", gotValue)
	}
}

func TestHealthEndpoint(t *testing.T) {
	server := newTestServer(t)
	defer server.Stop()

	resp, err := http.Get("http://" + server.GetAddr() + "/health")
	if err != nil {
		t.Fatalf("Failed to GET /health: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}

	var body struct {
		Status  string `json:"status"`
		Clients int    `json:"clients"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode health response: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("Expected status ok, got %s", body.Status)
	}
}

func TestLedgerWatcherSignalsChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.json")

	watcher, err := NewLedgerWatcher(path)
	if err != nil {
		t.Fatalf("Failed to create watcher: %v", err)
	}
	if err := watcher.Start(); err != nil {
		t.Fatalf("Failed to start watcher: %v", err)
	}
	defer watcher.Stop()

	// Atomic write: temp file then rename, like the ledger does.
	tmp := filepath.Join(dir, "ledger.json.tmp")
	if err := os.WriteFile(tmp, []byte(`{"sessions":[]}`), 0o600); err != nil {
		t.Fatalf("Failed to write temp file: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("Failed to rename: %v", err)
	}

	select {
	case <-watcher.Changes():
	case <-time.After(3 * time.Second):
		t.Fatal("Watcher did not signal ledger change")
	}
}

func TestLedgerWatcherIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.json")

	watcher, err := NewLedgerWatcher(path)
	if err != nil {
		t.Fatalf("Failed to create watcher: %v", err)
	}
	if err := watcher.Start(); err != nil {
		t.Fatalf("Failed to start watcher: %v", err)
	}
	defer watcher.Stop()

	if err := os.WriteFile(filepath.Join(dir, "unrelated.txt"), []byte("x"), 0o600); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}

	select {
	case <-watcher.Changes():
		t.Fatal("Watcher signaled for an unrelated file")
	case <-time.After(600 * time.Millisecond):
	}
}
