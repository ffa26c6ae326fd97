// Package dashboard provides the local websocket server feeding the
// browser dashboard.
//
// The server broadcasts timer state, aggregate totals, queue depth, and
// credential standing to connected clients, and accepts simple control
// messages (pause, resume, rename) back from them.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// MessageType defines the type of dashboard message.
type MessageType string

const (
	// MessageTypeTimer carries the in-flight session's elapsed time.
	MessageTypeTimer MessageType = "timer_state"

	// MessageTypeTotals carries today/week/month/all-time totals.
	MessageTypeTotals MessageType = "totals"

	// MessageTypeQueue carries the pending sync backlog.
	MessageTypeQueue MessageType = "queue"

	// MessageTypeAuth carries the offline/credential flag.
	MessageTypeAuth MessageType = "auth"
)

// Message is a dashboard broadcast message.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// TimerStateData describes the in-flight session, if any.
type TimerStateData struct {
	Running   bool   `json:"running"`
	Paused    bool   `json:"paused"`
	ElapsedMs int64  `json:"elapsedMs"`
	TaskName  string `json:"taskName,omitempty"`
}

// TotalsData carries aggregate working time per display range.
type TotalsData struct {
	TodayMs        int64 `json:"todayMs"`
	WeekMs         int64 `json:"weekMs"`
	MonthMs        int64 `json:"monthMs"`
	AllTimeMs      int64 `json:"allTimeMs"`
	IncludesActive bool  `json:"includesActive"`
}

// QueueData describes the pending sync backlog.
type QueueData struct {
	Count            int   `json:"count"`
	OldestQueuedAtMs int64 `json:"oldestQueuedAtMs,omitempty"`
}

// AuthData carries credential standing for the offline indicator.
type AuthData struct {
	Offline bool   `json:"offline"`
	Handle  string `json:"handle,omitempty"`
}

// controlMessage is what clients send back: {"action":"pause"} etc.
type controlMessage struct {
	Action string `json:"action"`
	Value  string `json:"value,omitempty"`
}

// ControlHandler receives client control actions: "pause", "resume",
// "set_task" (with value).
type ControlHandler func(action, value string)

// Server manages websocket connections and broadcasts dashboard messages.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	control   ControlHandler
	controlMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// Config holds server configuration.
type Config struct {
	// Port to listen on. Zero picks a random free port.
	Port int

	// Logger for server activity (default: stderr logger).
	Logger *log.Logger
}

// NewServer creates a dashboard websocket server.
func NewServer(config *Config) *Server {
	if config == nil {
		config = &Config{}
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:      fmt.Sprintf("127.0.0.1:%d", config.Port),
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}
}

// SetControlHandler registers the callback for client control actions.
// Without one, control messages are ignored.
func (s *Server) SetControlHandler(h ControlHandler) {
	s.controlMu.Lock()
	s.control = h
	s.controlMu.Unlock()
}

// Start begins the HTTP server and websocket handler.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("dashboard listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.wg.Wait()
	return nil
}

// Broadcast sends a message to all connected clients. Messages are
// dropped, not queued unboundedly, when the channel is full.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Println("broadcast channel full, dropping message")
	}
}

// PublishTimerState broadcasts the in-flight session state.
func (s *Server) PublishTimerState(data TimerStateData) {
	s.publish(MessageTypeTimer, data)
}

// PublishTotals broadcasts aggregate totals.
func (s *Server) PublishTotals(data TotalsData) {
	s.publish(MessageTypeTotals, data)
}

// PublishQueue broadcasts the sync backlog.
func (s *Server) PublishQueue(data QueueData) {
	s.publish(MessageTypeQueue, data)
}

// PublishAuth broadcasts credential standing.
func (s *Server) PublishAuth(data AuthData) {
	s.publish(MessageTypeAuth, data)
}

func (s *Server) publish(typ MessageType, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		s.logger.Printf("failed to marshal %s payload: %v", typ, err)
		return
	}
	s.Broadcast(Message{Type: typ, Timestamp: time.Now(), Data: payload})
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}

			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Printf("failed to marshal message: %v", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			// Write outside the read lock so a slow client cannot
			// block new connections.
			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()

				if err != nil {
					s.logger.Printf("failed to send to client: %v", err)
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"}, // local-only listener
	})
	if err != nil {
		s.logger.Printf("websocket upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Printf("client connected (total: %d)", clientCount)

	go s.readLoop(conn)
}

// readLoop handles client control messages and disconnects.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		_, data, err := conn.Read(s.ctx)
		if err != nil {
			return
		}

		var ctrl controlMessage
		if err := json.Unmarshal(data, &ctrl); err != nil || ctrl.Action == "" {
			continue
		}

		s.controlMu.RLock()
		handler := s.control
		s.controlMu.RUnlock()
		if handler != nil {
			handler(ctrl.Action, ctrl.Value)
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; exists {
		delete(s.clients, conn)
		clientCount := len(s.clients)
		s.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("client disconnected (total: %d)", clientCount)
	} else {
		s.clientsMu.Unlock()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.clientsMu.RLock()
	clientCount := len(s.clients)
	s.clientsMu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": clientCount,
	})
}

// GetAddr returns the server's listening address.
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
