package websocket

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/iolloyd/consoletap/internal/models"
)

const reconnectDelay = 2 * time.Second

var errNotConnected = errors.New("not connected")

// Client is the viewer side of the live feed
type Client struct {
	mu       sync.Mutex
	conn     *websocket.Conn
	url      string
	messages chan tea.Msg
}

type LineMsg models.NormalizedLine
type SessionsMsg []models.SessionSummary
type ConnectionStatusMsg struct {
	Connected bool
	Error     error
}

func NewClient(host string, port int) *Client {
	u := url.URL{Scheme: "ws", Host: fmt.Sprintf("%s:%d", host, port), Path: "/ws"}
	return NewClientURL(u.String())
}

// NewClientURL creates a client for a full ws:// URL
func NewClientURL(rawURL string) *Client {
	return &Client{
		url:      rawURL,
		messages: make(chan tea.Msg, 100),
	}
}

func (c *Client) Connect() tea.Cmd {
	return func() tea.Msg {
		conn, _, err := websocket.DefaultDialer.Dial(c.url, nil)
		if err != nil {
			return ConnectionStatusMsg{Connected: false, Error: err}
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		go c.readMessages(conn)

		return ConnectionStatusMsg{Connected: true, Error: nil}
	}
}

// IsConnected reports whether a feed connection is open
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

func (c *Client) readMessages(conn *websocket.Conn) {
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.Close()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			log.Debugf("WebSocket read error: %v", err)
			c.push(ConnectionStatusMsg{Connected: false, Error: err})
			return
		}

		var typedMsg models.FeedMessage
		if err := json.Unmarshal(message, &typedMsg); err != nil || typedMsg.Type == "" {
			log.Debugf("Ignoring malformed feed message: %v", err)
			continue
		}

		switch typedMsg.Type {
		case models.MessageTranscriptLine:
			var line models.NormalizedLine
			if err := json.Unmarshal(typedMsg.Data, &line); err == nil {
				c.push(LineMsg(line))
			}
		case models.MessageSessions:
			var sessions []models.SessionSummary
			if err := json.Unmarshal(typedMsg.Data, &sessions); err == nil {
				c.push(SessionsMsg(sessions))
			}
		}
	}
}

// push drops the message when the viewer is not keeping up
func (c *Client) push(msg tea.Msg) {
	select {
	case c.messages <- msg:
	default:
	}
}

func (c *Client) WaitForEvent() tea.Cmd {
	return func() tea.Msg {
		return <-c.messages
	}
}

func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *Client) SendCommand(cmd interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return errNotConnected
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}

	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Reconnect waits briefly and dials again
func (c *Client) Reconnect() tea.Cmd {
	connect := c.Connect()
	return func() tea.Msg {
		time.Sleep(reconnectDelay)
		return connect()
	}
}

// RequestSessions asks the server for the current session summaries
func (c *Client) RequestSessions() error {
	return c.SendCommand(models.FeedMessage{Type: models.MessageGetSessions})
}
