// Package websocket publishes transcript lines to live viewers and provides
// the matching client.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/iolloyd/consoletap/internal/models"
)

const (
	writeWait  = 10 * time.Second
	sendBuffer = 256
)

// Backend supplies the data served besides the line stream
type Backend interface {
	Sessions() []models.SessionSummary
	Stats() map[string]interface{}
}

type Server struct {
	addr       string
	backend    Backend
	clients    map[*peer]bool
	broadcast  chan []byte
	direct     chan outbound
	register   chan *peer
	unregister chan *peer
	quit       chan struct{}
	upgrader   websocket.Upgrader
	mu         sync.RWMutex

	hubOnce  sync.Once
	quitOnce sync.Once
	srvMu    sync.Mutex
	srv      *http.Server
}

// peer is one connected viewer
type peer struct {
	conn   *websocket.Conn
	send   chan []byte
	server *Server
}

type outbound struct {
	to   *peer
	data []byte
}

func NewServer(addr string, backend Backend) *Server {
	return &Server{
		addr:       addr,
		backend:    backend,
		clients:    make(map[*peer]bool),
		broadcast:  make(chan []byte, sendBuffer),
		direct:     make(chan outbound, sendBuffer),
		register:   make(chan *peer),
		unregister: make(chan *peer),
		quit:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Handler returns the HTTP routes and starts the broadcast hub
func (s *Server) Handler() http.Handler {
	s.hubOnce.Do(func() { go s.run() })

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/sessions", s.handleSessions)
	return mux
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.srvMu.Lock()
	s.srv = srv
	s.srvMu.Unlock()

	log.Infof("Live feed listening on %s", s.addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown disconnects viewers and stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.quitOnce.Do(func() { close(s.quit) })

	s.srvMu.Lock()
	srv := s.srv
	s.srvMu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) run() {
	for {
		select {
		case <-s.quit:
			s.mu.Lock()
			for client := range s.clients {
				delete(s.clients, client)
				close(client.send)
			}
			s.mu.Unlock()
			return

		case client := <-s.register:
			s.mu.Lock()
			s.clients[client] = true
			count := len(s.clients)
			s.mu.Unlock()
			log.Infof("Viewer connected. Total viewers: %d", count)

		case client := <-s.unregister:
			s.mu.Lock()
			if _, ok := s.clients[client]; ok {
				delete(s.clients, client)
				close(client.send)
			}
			count := len(s.clients)
			s.mu.Unlock()
			log.Infof("Viewer disconnected. Total viewers: %d", count)

		case msg := <-s.direct:
			s.mu.RLock()
			_, ok := s.clients[msg.to]
			s.mu.RUnlock()
			if ok {
				s.deliver(msg.to, msg.data)
			}

		case message := <-s.broadcast:
			s.mu.RLock()
			clientsCopy := make([]*peer, 0, len(s.clients))
			for client := range s.clients {
				clientsCopy = append(clientsCopy, client)
			}
			s.mu.RUnlock()

			for _, client := range clientsCopy {
				s.deliver(client, message)
			}
		}
	}
}

// deliver queues data for client, dropping a viewer that cannot keep up.
// Only called from the hub goroutine.
func (s *Server) deliver(client *peer, data []byte) {
	select {
	case client.send <- data:
	default:
		s.mu.Lock()
		delete(s.clients, client)
		s.mu.Unlock()
		close(client.send)
		log.Warn("Viewer too slow, disconnected")
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("WebSocket upgrade failed: %v", err)
		return
	}

	client := &peer{
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		server: s,
	}

	select {
	case s.register <- client:
	case <-s.quit:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	clientCount := len(s.clients)
	s.mu.RUnlock()

	response := map[string]interface{}{
		"status":  "healthy",
		"clients": clientCount,
	}
	if s.backend != nil {
		response["capture"] = s.backend.Stats()
		response["sessions"] = len(s.backend.Sessions())
	}

	writeJSON(w, response)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions := []models.SessionSummary{}
	if s.backend != nil {
		sessions = append(sessions, s.backend.Sessions()...)
	}
	writeJSON(w, sessions)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warnf("Failed to write response: %v", err)
	}
}

func envelope(msgType string, v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(models.FeedMessage{Type: msgType, Data: data})
}

// HandleLine publishes a transcript line to every viewer. It never blocks.
func (s *Server) HandleLine(line models.NormalizedLine) {
	data, err := envelope(models.MessageTranscriptLine, line)
	if err != nil {
		log.Errorf("Failed to marshal line: %v", err)
		return
	}

	select {
	case s.broadcast <- data:
	default:
		log.Warn("Broadcast channel full, dropping line")
	}
}

func (s *Server) sessionsMessage() ([]byte, error) {
	sessions := []models.SessionSummary{}
	if s.backend != nil {
		sessions = append(sessions, s.backend.Sessions()...)
	}
	return envelope(models.MessageSessions, sessions)
}

func (c *peer) readPump() {
	defer func() {
		select {
		case c.server.unregister <- c:
		case <-c.server.quit:
		}
		c.conn.Close()
	}()

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warnf("WebSocket error: %v", err)
			}
			return
		}

		var cmd models.FeedMessage
		if err := json.Unmarshal(message, &cmd); err != nil {
			log.Debugf("Ignoring malformed viewer command: %v", err)
			continue
		}
		if cmd.Type != models.MessageGetSessions {
			continue
		}

		data, err := c.server.sessionsMessage()
		if err != nil {
			log.Errorf("Failed to marshal sessions: %v", err)
			continue
		}
		select {
		case c.server.direct <- outbound{to: c, data: data}:
		case <-c.server.quit:
			return
		}
	}
}

func (c *peer) writePump() {
	defer c.conn.Close()

	for message := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
