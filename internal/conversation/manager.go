// Package conversation tracks the TCP connections seen by the sniffer and
// decides, per connection, which side is the console server.
package conversation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/iolloyd/consoletap/internal/models"
	"github.com/iolloyd/consoletap/internal/parser"
)

const (
	DefaultIdleTimeout = 5 * time.Minute
	retention          = time.Hour
)

// Segment is one observed TCP segment
type Segment struct {
	Key       models.ConnectionKey
	SYN       bool
	ACK       bool
	FIN       bool
	RST       bool
	Payload   []byte
	Size      int
	Timestamp time.Time
}

// Classification is the console attribution of one segment
type Classification struct {
	Conn      *models.Connection
	Port      int
	Direction models.Direction
}

// Manager manages console connections
type Manager struct {
	connections map[string]*models.Connection
	mu          sync.RWMutex

	isConsolePort func(port int) bool
	idleTimeout   time.Duration
	now           func() time.Time
}

// NewManager creates a connection manager. isConsolePort reports whether a
// port belongs to the configured console port set.
func NewManager(isConsolePort func(port int) bool) *Manager {
	return &Manager{
		connections:   make(map[string]*models.Connection),
		isConsolePort: isConsolePort,
		idleTimeout:   DefaultIdleTimeout,
		now:           time.Now,
	}
}

// Observe records seg and attributes it to a console port and direction.
// ok is false when the server side is still unknown or is not a console port.
func (m *Manager) Observe(seg Segment) (cls Classification, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if seg.Timestamp.IsZero() {
		seg.Timestamp = m.now()
	}

	normalized := seg.Key.Normalize()
	keyStr := normalized.String()

	conn, exists := m.connections[keyStr]
	if !exists {
		conn = &models.Connection{
			ID:        uuid.New().String(),
			Key:       normalized,
			State:     models.ConnectionStateNew,
			StartTime: seg.Timestamp,
		}
		m.connections[keyStr] = conn
	}

	conn.LastActivity = seg.Timestamp
	conn.Packets++
	conn.Bytes += uint64(seg.Size)

	m.updateTCPState(conn, seg)
	m.decideServer(conn, seg)

	if conn.ServerSource == "" || !m.isConsolePort(conn.ConsolePort()) {
		return Classification{}, false
	}

	dir := models.DirectionOutgoing
	if seg.Key.Src() == conn.Server {
		dir = models.DirectionIncoming
	}
	return Classification{Conn: conn, Port: conn.ConsolePort(), Direction: dir}, true
}

// updateTCPState updates the TCP state machine for the connection
func (m *Manager) updateTCPState(conn *models.Connection, seg Segment) {
	flags := &conn.Flags

	if seg.SYN && !seg.ACK {
		flags.SYNSeen = true
		conn.State = models.ConnectionStateNew
	}

	if seg.SYN && seg.ACK {
		flags.SYNACKSeen = true
	}

	if seg.ACK && !seg.SYN && flags.SYNSeen && flags.SYNACKSeen && !flags.ACKSeen {
		flags.ACKSeen = true
		conn.State = models.ConnectionStateEstablished
	}

	// mid-stream pickup: no handshake will ever be seen
	if !flags.SYNSeen && !flags.SYNACKSeen && len(seg.Payload) > 0 && conn.State == models.ConnectionStateNew {
		conn.State = models.ConnectionStateEstablished
	}

	if seg.FIN {
		flags.FINSeen = true
		conn.State = models.ConnectionStateClosing
	}

	if seg.RST {
		flags.RSTSeen = true
		conn.State = models.ConnectionStateClosed
	}
}

// decideServer applies, in order of confidence: the handshake, the console
// port set, the payload content, and finally "the receiver is the server".
func (m *Manager) decideServer(conn *models.Connection, seg Segment) {
	switch {
	case seg.SYN && !seg.ACK:
		m.setServer(conn, seg.Key.Dst(), models.ServerFromHandshake)
		return
	case seg.SYN && seg.ACK:
		m.setServer(conn, seg.Key.Src(), models.ServerFromHandshake)
		return
	}

	switch conn.ServerSource {
	case models.ServerFromHandshake, models.ServerFromPort, models.ServerFromPayload:
		return
	}

	srcConsole := m.isConsolePort(int(seg.Key.SrcPort))
	dstConsole := m.isConsolePort(int(seg.Key.DstPort))
	switch {
	case srcConsole && !dstConsole:
		m.setServer(conn, seg.Key.Src(), models.ServerFromPort)
		return
	case dstConsole && !srcConsole:
		m.setServer(conn, seg.Key.Dst(), models.ServerFromPort)
		return
	}

	if len(seg.Payload) == 0 {
		return
	}
	if parser.LooksLikeDeviceOutput(seg.Payload) {
		m.setServer(conn, seg.Key.Src(), models.ServerFromPayload)
		return
	}
	if conn.ServerSource == "" {
		m.setServer(conn, seg.Key.Dst(), models.ServerFromGuess)
	}
}

func (m *Manager) setServer(conn *models.Connection, server models.Endpoint, source models.ServerSource) {
	if conn.Server == server && conn.ServerSource == source {
		return
	}
	conn.Server = server
	conn.ServerSource = source
	log.WithFields(log.Fields{
		"connection": conn.ID,
		"server":     server.String(),
		"source":     source,
	}).Debug("Console server identified")
}

// Get returns a connection by its (unnormalized) key
func (m *Manager) Get(key models.ConnectionKey) (*models.Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conn, exists := m.connections[key.Normalize().String()]
	return conn, exists
}

// ActiveConnections returns all connections that are not torn down
func (m *Manager) ActiveConnections() []*models.Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var active []*models.Connection
	for _, conn := range m.connections {
		if conn.IsActive() {
			active = append(active, conn)
		}
	}
	return active
}

// Len returns the number of tracked connections
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// CleanupStale closes idle connections and forgets long-dead ones. It returns
// the number of connections removed.
func (m *Manager) CleanupStale() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for key, conn := range m.connections {
		idle := now.Sub(conn.LastActivity)
		if idle > m.idleTimeout && conn.State != models.ConnectionStateClosed {
			conn.State = models.ConnectionStateClosed
		}
		if idle > retention || (conn.State == models.ConnectionStateClosed && idle > m.idleTimeout) {
			delete(m.connections, key)
			removed++
		}
	}
	return removed
}

// StartCleanupRoutine periodically cleans up stale connections until ctx is done
func (m *Manager) StartCleanupRoutine(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := m.CleanupStale(); n > 0 {
					log.Debugf("Removed %d stale connections", n)
				}
			}
		}
	}()
}
