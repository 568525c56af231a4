// Package dashboard serves live sync state to local UIs.
//
// The server pushes upload outcomes, conflicts and pull summaries to
// WebSocket clients and answers /status, /health and /metrics over plain
// HTTP.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	stdsync "sync"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/quillmd/quill/internal/logging"
	"github.com/quillmd/quill/internal/sync"
)

// MessageType defines the type of dashboard message.
type MessageType string

const (
	MessageTypeUploadSuccess MessageType = "upload_success"
	MessageTypeUploadError   MessageType = "upload_error"
	MessageTypeUploadWarning MessageType = "upload_warning"
	MessageTypeConflict      MessageType = "conflict"
	MessageTypeResolved      MessageType = "resolved"
	MessageTypePullComplete  MessageType = "pull_complete"
	MessageTypeStatus        MessageType = "status"
)

// Message is one broadcast frame.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// StatusFunc reports the current sync status.
type StatusFunc func(ctx context.Context) (*sync.Status, error)

// Config holds server configuration.
type Config struct {
	// Addr to listen on. Port 0 picks a free port.
	Addr string

	// Status backs /status and the status frames. Optional.
	Status StatusFunc

	// Metrics is served on /metrics when set.
	Metrics http.Handler

	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{Addr: "127.0.0.1:7420"}
}

// Server manages WebSocket connections and broadcasts dashboard messages.
type Server struct {
	addr     string
	status   StatusFunc
	metrics  http.Handler
	listener net.Listener
	server   *http.Server
	logger   *zap.Logger

	clients   map[*websocket.Conn]bool
	clientsMu stdsync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     stdsync.WaitGroup
}

// NewServer creates a dashboard server. Call Start to listen.
func NewServer(config Config) *Server {
	if config.Addr == "" {
		config.Addr = DefaultConfig().Addr
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:      config.Addr,
		status:    config.Status,
		metrics:   config.Metrics,
		logger:    logging.OrNop(config.Logger).Named("dashboard"),
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start begins serving in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	mux.HandleFunc("/", s.handleRoot)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.wg.Add(2)
	go s.broadcastLoop()
	go func() {
		defer s.wg.Done()
		s.logger.Info("dashboard listening", zap.String("addr", ln.Addr().String()))
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("dashboard server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop closes every client and shuts the server down.
func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("dashboard shutdown: %w", err)
		}
	}
	s.wg.Wait()
	s.logger.Info("dashboard stopped")
	return nil
}

// Broadcast queues msg for every connected client. Messages are dropped
// when the queue is full.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Warn("broadcast channel full, dropping message", zap.String("type", string(msg.Type)))
	}
}

// BroadcastData marshals data into a message of type typ.
func (s *Server) BroadcastData(typ MessageType, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("failed to marshal message", zap.String("type", string(typ)), zap.Error(err))
		return
	}
	s.Broadcast(Message{Type: typ, Timestamp: time.Now(), Data: raw})
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
				s.logger.Error("failed to marshal message", zap.Error(err))
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					s.logger.Debug("failed to send to client", zap.Error(err))
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// The dashboard binds to loopback by default; local UIs may be
		// served from any origin.
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	// The first frame is always a status snapshot.
	if data, err := s.statusMessage(r.Context()); err == nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		_ = conn.Write(ctx, websocket.MessageText, data)
		cancel()
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	count := len(s.clients)
	s.clientsMu.Unlock()
	s.logger.Debug("client connected", zap.Int("clients", count))

	go s.readLoop(conn)
}

// readLoop keeps the connection alive and notices disconnects. Client
// frames are ignored.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)
	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, ok := s.clients[conn]; !ok {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, conn)
	count := len(s.clients)
	s.clientsMu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	s.logger.Debug("client disconnected", zap.Int("clients", count))
}

func (s *Server) statusMessage(ctx context.Context) ([]byte, error) {
	st, err := s.currentStatus(ctx)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{Type: MessageTypeStatus, Timestamp: time.Now(), Data: raw})
}

func (s *Server) currentStatus(ctx context.Context) (*sync.Status, error) {
	if s.status == nil {
		return &sync.Status{}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.status(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.currentStatus(r.Context())
	if err != nil {
		s.logger.Warn("status unavailable", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
    <title>quill sync</title>
</head>
<body>
    <h1>quill sync dashboard</h1>
    <p>WebSocket endpoint: <code>ws://%s/ws</code></p>
    <p>Status: <a href="/status">/status</a> &middot; Health: <a href="/health">/health</a></p>
</body>
</html>`, r.Host)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// GetAddr returns the listening address.
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
