// Package websocket serves the live activity feed shown on the seller and
// buyer dashboards.
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sage-x-project/sage-paywall/events"
	"github.com/sage-x-project/sage-paywall/logger"
	"github.com/sage-x-project/sage-paywall/types"
)

// ActivityServer broadcasts activity events to dashboard clients. New
// clients first receive the most recent events from the replay buffer.
type ActivityServer struct {
	hub           *Hub
	port          int
	server        *http.Server
	log           *logger.Logger
	upgrader      websocket.Upgrader
	buffer        []types.ActivityEvent
	bufferMutex   sync.RWMutex
	maxBufferSize int
	clients       map[string]time.Time
	clientsMutex  sync.RWMutex
	heartbeat     time.Duration
	startTime     time.Time
	stopChan      chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
}

var _ events.Sink = (*ActivityServer)(nil)

// Option customizes an ActivityServer.
type Option func(*ActivityServer)

// WithBufferSize sets how many events are replayed to new clients.
func WithBufferSize(n int) Option {
	return func(s *ActivityServer) {
		if n > 0 {
			s.maxBufferSize = n
		}
	}
}

// WithHeartbeat sets the heartbeat period. Zero disables heartbeats.
func WithHeartbeat(d time.Duration) Option { return func(s *ActivityServer) { s.heartbeat = d } }

func WithLogger(l *logger.Logger) Option { return func(s *ActivityServer) { s.log = l } }

// NewActivityServer creates a server for port; the hub starts immediately so
// events can be emitted before Start.
func NewActivityServer(port int, opts ...Option) *ActivityServer {
	s := &ActivityServer{
		hub:           NewHub(),
		port:          port,
		maxBufferSize: 100,
		clients:       make(map[string]time.Time),
		heartbeat:     30 * time.Second,
		startTime:     time.Now(),
		stopChan:      make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// dashboards are served from other origins during development
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logger.Or(s.log).WithField("component", "activity-ws")
	s.buffer = make([]types.ActivityEvent, 0, s.maxBufferSize)

	go s.hub.Run()
	if s.heartbeat > 0 {
		s.wg.Add(1)
		go s.startHeartbeat()
	}
	return s
}

// Handler returns the HTTP routes: /ws, /health and /stats.
func (s *ActivityServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealthCheck)
	mux.HandleFunc("/stats", s.handleStats)
	return s.corsMiddleware(mux)
}

// Start listens on the configured port in the background.
func (s *ActivityServer) Start() error {
	s.server = &http.Server{
		Addr:           fmt.Sprintf(":%d", s.port),
		Handler:        s.Handler(),
		ReadTimeout:    10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.log.Infof("activity feed listening on :%d", s.port)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("activity feed server failed", err)
		}
	}()
	return nil
}

// Stop tells clients the feed is going away and shuts the server down.
func (s *ActivityServer) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.sendConnectionStatus(false)
		close(s.stopChan)
		if s.server != nil {
			err = s.server.Shutdown(ctx)
		}
		s.hub.Stop()
		s.wg.Wait()
		s.log.Info("activity feed stopped")
	})
	return err
}

// Emit records ev in the replay buffer and broadcasts it.
func (s *ActivityServer) Emit(ev types.ActivityEvent) {
	s.bufferMutex.Lock()
	defer s.bufferMutex.Unlock()

	s.buffer = append(s.buffer, ev)
	if len(s.buffer) > s.maxBufferSize {
		s.buffer = s.buffer[len(s.buffer)-s.maxBufferSize:]
	}

	msgType := types.WSTypeActivity
	if ev.Level == types.LevelError {
		msgType = types.WSTypeError
	}
	s.broadcast(types.NewWebSocketMessage(msgType, ev))
}

// BroadcastStatus sends a status frame that is not kept for replay.
func (s *ActivityServer) BroadcastStatus(status interface{}) {
	s.broadcast(types.NewWebSocketMessage(types.WSTypeStatus, status))
}

// Recent returns a copy of the replay buffer.
func (s *ActivityServer) Recent() []types.ActivityEvent {
	s.bufferMutex.RLock()
	defer s.bufferMutex.RUnlock()
	out := make([]types.ActivityEvent, len(s.buffer))
	copy(out, s.buffer)
	return out
}

func (s *ActivityServer) broadcast(msg *types.WebSocketMessage) {
	data, err := msg.ToJSON()
	if err != nil {
		s.log.Warnf("failed to marshal %s frame: %v", msg.Type, err)
		return
	}
	if err := s.hub.Broadcast(data); err != nil {
		s.log.Debugf("dropped %s frame: %v", msg.Type, err)
	}
}

func (s *ActivityServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("failed to upgrade connection: %v", err)
		return
	}

	clientID := "client-" + uuid.NewString()[:8]
	client := NewClient(s.hub, conn, s.log)
	s.registerClient(clientID)

	s.sendConnectionConfirmation(client, clientID)

	// Emit waits on the buffer lock, so nothing is lost between replay and
	// registration.
	s.bufferMutex.RLock()
	for _, ev := range s.buffer {
		data, err := types.NewWebSocketMessage(types.WSTypeActivity, ev).ToJSON()
		if err != nil {
			continue
		}
		if client.trySend(data) != nil {
			break
		}
	}
	select {
	case s.hub.register <- client:
	case <-s.stopChan:
		s.bufferMutex.RUnlock()
		conn.Close()
		s.unregisterClient(clientID)
		return
	}
	s.bufferMutex.RUnlock()

	go client.writePump()
	go client.readPump()
	go func() {
		<-client.done
		s.unregisterClient(clientID)
	}()
}

func (s *ActivityServer) sendConnectionConfirmation(client *Client, clientID string) {
	confirmation := map[string]interface{}{
		"connected": true,
		"clientId":  clientID,
		"timestamp": time.Now().Format(time.RFC3339),
		"version":   "1.0.0",
	}
	if data, err := types.NewWebSocketMessage(types.WSTypeConnection, confirmation).ToJSON(); err == nil {
		_ = client.trySend(data)
	}
}

func (s *ActivityServer) registerClient(clientID string) {
	s.clientsMutex.Lock()
	s.clients[clientID] = time.Now()
	s.clientsMutex.Unlock()
	s.log.WithField("client_id", clientID).Debug("dashboard client connected")
}

func (s *ActivityServer) unregisterClient(clientID string) {
	s.clientsMutex.Lock()
	delete(s.clients, clientID)
	s.clientsMutex.Unlock()
	s.log.WithField("client_id", clientID).Debug("dashboard client disconnected")
}

func (s *ActivityServer) startHeartbeat() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.broadcast(types.NewWebSocketMessage(types.WSTypeHeartbeat, map[string]interface{}{
				"timestamp": time.Now().Format(time.RFC3339),
				"uptime":    time.Since(s.startTime).Seconds(),
				"clients":   s.clientCount(),
			}))
		}
	}
}

func (s *ActivityServer) sendConnectionStatus(connected bool) {
	s.broadcast(types.NewWebSocketMessage(types.WSTypeConnection, map[string]interface{}{
		"connected": connected,
		"timestamp": time.Now().Format(time.RFC3339),
	}))
}

func (s *ActivityServer) clientCount() int {
	s.clientsMutex.RLock()
	defer s.clientsMutex.RUnlock()
	return len(s.clients)
}

func (s *ActivityServer) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	health := types.HealthCheckResponse{
		Status:    types.StatusHealthy,
		Timestamp: time.Now().Format(time.RFC3339),
		Version:   "1.0.0",
		Services: map[string]types.ServiceStatus{
			"websocket": {
				Name:      "Activity Feed",
				Status:    types.StatusUp,
				LastCheck: time.Now().Format(time.RFC3339),
				Error:     fmt.Sprintf("Connected clients: %d", s.clientCount()),
			},
		},
	}
	writeJSON(w, health)
}

func (s *ActivityServer) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.GetStats())
}

// GetStats returns server statistics
func (s *ActivityServer) GetStats() map[string]interface{} {
	s.bufferMutex.RLock()
	bufferSize := len(s.buffer)
	s.bufferMutex.RUnlock()

	s.clientsMutex.RLock()
	clientList := make([]string, 0, len(s.clients))
	for id := range s.clients {
		clientList = append(clientList, id)
	}
	s.clientsMutex.RUnlock()

	return map[string]interface{}{
		"uptime":      time.Since(s.startTime).Seconds(),
		"clients":     len(clientList),
		"client_ids":  clientList,
		"buffer_size": bufferSize,
		"max_buffer":  s.maxBufferSize,
		"port":        s.port,
		"started_at":  s.startTime.Format(time.RFC3339),
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(v)
}

// corsMiddleware adds CORS headers to responses
func (s *ActivityServer) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
