package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iolloyd/consoletap/internal/models"
)

type fakeBackend struct {
	sessions []models.SessionSummary
}

func (f fakeBackend) Sessions() []models.SessionSummary { return f.sessions }
func (f fakeBackend) Stats() map[string]interface{} {
	return map[string]interface{}{"status": "running", "mode": "proxy"}
}

var testSessions = []models.SessionSummary{
	{Port: 2000, Device: "R1", LinesIn: 12, LinesOut: 3},
	{Port: 2001, Device: "device_2001"},
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer("", fakeBackend{sessions: testSessions})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Shutdown(context.Background())
		ts.Close()
	})
	return s, ts
}

func connect(t *testing.T, s *Server, ts *httptest.Server) *Client {
	t.Helper()
	client := NewClientURL("ws" + strings.TrimPrefix(ts.URL, "http") + "/ws")
	status, ok := client.Connect()().(ConnectionStatusMsg)
	require.True(t, ok)
	require.True(t, status.Connected, "connect: %v", status.Error)
	t.Cleanup(func() { client.Close() })

	require.Eventually(t, func() bool {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return len(s.clients) == 1
	}, 5*time.Second, 10*time.Millisecond)
	return client
}

func nextMsg(t *testing.T, c *Client) tea.Msg {
	t.Helper()
	ch := make(chan tea.Msg, 1)
	go func() { ch <- c.WaitForEvent()() }()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("no message from feed")
		return nil
	}
}

func TestLineBroadcastReachesViewer(t *testing.T) {
	s, ts := newTestServer(t)
	client := connect(t, s, ts)

	line := models.NormalizedLine{
		Timestamp: time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC),
		Port:      2000,
		Device:    "R1",
		Direction: models.DirectionIncoming,
		Text:      "Routing Table : Public",
	}
	s.HandleLine(line)

	msg, ok := nextMsg(t, client).(LineMsg)
	require.True(t, ok)
	got := models.NormalizedLine(msg)
	assert.True(t, line.Timestamp.Equal(got.Timestamp))
	got.Timestamp = line.Timestamp
	assert.Equal(t, line, got)
}

func TestViewerCanRequestSessions(t *testing.T) {
	s, ts := newTestServer(t)
	client := connect(t, s, ts)

	require.NoError(t, client.RequestSessions())

	msg, ok := nextMsg(t, client).(SessionsMsg)
	require.True(t, ok)
	require.Len(t, msg, 2)
	assert.Equal(t, "R1", msg[0].Device)
	assert.EqualValues(t, 12, msg[0].LinesIn)
}

func TestSessionsEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/sessions")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var sessions []models.SessionSummary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sessions))
	require.Len(t, sessions, 2)
	assert.Equal(t, 2001, sessions[1].Port)
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var health struct {
		Status   string            `json:"status"`
		Clients  int               `json:"clients"`
		Sessions int               `json:"sessions"`
		Capture  map[string]string `json:"capture"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, 0, health.Clients)
	assert.Equal(t, 2, health.Sessions)
	assert.Equal(t, "running", health.Capture["status"])
}

func TestShutdownDisconnectsViewers(t *testing.T) {
	s, ts := newTestServer(t)
	client := connect(t, s, ts)

	require.NoError(t, s.Shutdown(context.Background()))

	status, ok := nextMsg(t, client).(ConnectionStatusMsg)
	require.True(t, ok)
	assert.False(t, status.Connected)
	assert.Eventually(t, func() bool { return !client.IsConnected() }, 5*time.Second, 10*time.Millisecond)
}
