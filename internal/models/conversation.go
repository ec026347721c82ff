package models

import (
	"fmt"
	"net"
	"time"
)

// ConnectionState represents the lifecycle of a tracked TCP connection
type ConnectionState string

const (
	ConnectionStateNew         ConnectionState = "NEW"
	ConnectionStateEstablished ConnectionState = "ESTABLISHED"
	ConnectionStateClosing     ConnectionState = "CLOSING"
	ConnectionStateClosed      ConnectionState = "CLOSED"
)

// Endpoint is one side of a TCP connection
type Endpoint struct {
	IP   string
	Port uint16
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.IP, fmt.Sprint(e.Port))
}

// ConnectionKey identifies a TCP connection by its 4-tuple
type ConnectionKey struct {
	SrcIP   string
	SrcPort uint16
	DstIP   string
	DstPort uint16
}

// String returns a string representation of the connection key
func (ck ConnectionKey) String() string {
	return fmt.Sprintf("%s:%d->%s:%d", ck.SrcIP, ck.SrcPort, ck.DstIP, ck.DstPort)
}

// Src returns the sending endpoint
func (ck ConnectionKey) Src() Endpoint {
	return Endpoint{IP: ck.SrcIP, Port: ck.SrcPort}
}

// Dst returns the receiving endpoint
func (ck ConnectionKey) Dst() Endpoint {
	return Endpoint{IP: ck.DstIP, Port: ck.DstPort}
}

// Reverse returns the reversed connection key (for bidirectional matching)
func (ck ConnectionKey) Reverse() ConnectionKey {
	return ConnectionKey{
		SrcIP:   ck.DstIP,
		SrcPort: ck.DstPort,
		DstIP:   ck.SrcIP,
		DstPort: ck.SrcPort,
	}
}

// Normalize ensures consistent ordering of src/dst for bidirectional flows
func (ck ConnectionKey) Normalize() ConnectionKey {
	srcIP := net.ParseIP(ck.SrcIP)
	dstIP := net.ParseIP(ck.DstIP)
	if srcIP == nil || dstIP == nil {
		return ck
	}

	if srcIP.String() > dstIP.String() ||
		(srcIP.String() == dstIP.String() && ck.SrcPort > ck.DstPort) {
		return ck.Reverse()
	}
	return ck
}

// TCPFlags are the handshake and teardown flags seen on a connection
type TCPFlags struct {
	SYNSeen    bool
	SYNACKSeen bool
	ACKSeen    bool
	FINSeen    bool
	RSTSeen    bool
}

// ServerSource records how the server side of a connection was decided
type ServerSource string

const (
	ServerFromHandshake ServerSource = "handshake"
	ServerFromPort      ServerSource = "port"
	ServerFromPayload   ServerSource = "payload"
	ServerFromGuess     ServerSource = "guess"
)

// Connection is a TCP connection carrying a console session
type Connection struct {
	ID           string
	Key          ConnectionKey // normalized
	Server       Endpoint
	ServerSource ServerSource
	State        ConnectionState
	Flags        TCPFlags
	StartTime    time.Time
	LastActivity time.Time
	Packets      uint64
	Bytes        uint64
}

// IsActive returns true if the connection has not been torn down
func (c *Connection) IsActive() bool {
	return c.State == ConnectionStateNew || c.State == ConnectionStateEstablished
}

// ConsolePort returns the console port, which is always the server's port
func (c *Connection) ConsolePort() int {
	return int(c.Server.Port)
}
