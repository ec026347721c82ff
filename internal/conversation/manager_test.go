package conversation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iolloyd/consoletap/internal/models"
)

func consolePorts(ports ...int) func(int) bool {
	set := make(map[int]bool, len(ports))
	for _, p := range ports {
		set[p] = true
	}
	return func(port int) bool { return set[port] }
}

var (
	client = models.Endpoint{IP: "127.0.0.1", Port: 51000}
	device = models.Endpoint{IP: "127.0.0.1", Port: 2000}
)

func key(src, dst models.Endpoint) models.ConnectionKey {
	return models.ConnectionKey{SrcIP: src.IP, SrcPort: src.Port, DstIP: dst.IP, DstPort: dst.Port}
}

func TestHandshakeDecidesServer(t *testing.T) {
	m := NewManager(consolePorts(2000))

	cls, ok := m.Observe(Segment{Key: key(client, device), SYN: true})
	require.True(t, ok)
	assert.Equal(t, 2000, cls.Port)
	assert.Equal(t, models.DirectionOutgoing, cls.Direction)
	assert.Equal(t, models.ServerFromHandshake, cls.Conn.ServerSource)

	cls, ok = m.Observe(Segment{Key: key(device, client), SYN: true, ACK: true})
	require.True(t, ok)
	assert.Equal(t, models.DirectionIncoming, cls.Direction)

	cls, ok = m.Observe(Segment{Key: key(client, device), ACK: true})
	require.True(t, ok)
	assert.Equal(t, models.ConnectionStateEstablished, cls.Conn.State)
	assert.Equal(t, 1, m.Len())
}

func TestPortSetDecidesServerMidStream(t *testing.T) {
	m := NewManager(consolePorts(2000))

	cls, ok := m.Observe(Segment{Key: key(device, client), ACK: true, Payload: []byte("x")})
	require.True(t, ok)
	assert.Equal(t, models.DirectionIncoming, cls.Direction)
	assert.Equal(t, models.ServerFromPort, cls.Conn.ServerSource)

	cls, ok = m.Observe(Segment{Key: key(client, device), ACK: true, Payload: []byte("d")})
	require.True(t, ok)
	assert.Equal(t, models.DirectionOutgoing, cls.Direction)
}

func TestPayloadDecidesServerWhenBothPortsMatch(t *testing.T) {
	m := NewManager(consolePorts(2000, 2001))
	a := models.Endpoint{IP: "10.0.0.1", Port: 2000}
	b := models.Endpoint{IP: "10.0.0.2", Port: 2001}

	// first payload is a keystroke from b, so b->a guesses a as the server
	cls, ok := m.Observe(Segment{Key: key(b, a), ACK: true, Payload: []byte("d")})
	require.True(t, ok)
	assert.Equal(t, models.ServerFromGuess, cls.Conn.ServerSource)
	assert.Equal(t, 2000, cls.Port)

	// a prompt from b proves b is the device
	cls, ok = m.Observe(Segment{Key: key(b, a), ACK: true, Payload: []byte("\r\n<R2>")})
	require.True(t, ok)
	assert.Equal(t, models.ServerFromPayload, cls.Conn.ServerSource)
	assert.Equal(t, 2001, cls.Port)
	assert.Equal(t, models.DirectionIncoming, cls.Direction)
}

func TestNonConsoleServerIsIgnored(t *testing.T) {
	m := NewManager(consolePorts(2000))
	web := models.Endpoint{IP: "127.0.0.1", Port: 8080}

	_, ok := m.Observe(Segment{Key: key(client, web), SYN: true})
	assert.False(t, ok)
}

func TestNoPayloadNoDecision(t *testing.T) {
	m := NewManager(consolePorts())
	a := models.Endpoint{IP: "10.0.0.1", Port: 40000}
	b := models.Endpoint{IP: "10.0.0.2", Port: 40001}

	_, ok := m.Observe(Segment{Key: key(a, b), ACK: true})
	assert.False(t, ok)

	conn, exists := m.Get(key(b, a))
	require.True(t, exists)
	assert.Empty(t, conn.ServerSource)
}

func TestTeardownAndCleanup(t *testing.T) {
	now := time.Date(2024, 3, 9, 14, 0, 0, 0, time.UTC)
	m := NewManager(consolePorts(2000))
	m.now = func() time.Time { return now }

	m.Observe(Segment{Key: key(client, device), SYN: true, Timestamp: now})
	assert.Len(t, m.ActiveConnections(), 1)

	cls, _ := m.Observe(Segment{Key: key(device, client), RST: true, Timestamp: now})
	assert.Equal(t, models.ConnectionStateClosed, cls.Conn.State)
	assert.Empty(t, m.ActiveConnections())

	assert.Equal(t, 0, m.CleanupStale())

	now = now.Add(DefaultIdleTimeout + time.Second)
	assert.Equal(t, 1, m.CleanupStale())
	assert.Equal(t, 0, m.Len())
}
