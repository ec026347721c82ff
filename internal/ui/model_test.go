package ui

import (
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iolloyd/consoletap/internal/models"
	"github.com/iolloyd/consoletap/internal/websocket"
)

func newTestModel() Model {
	m := NewModel(websocket.NewClientURL("ws://127.0.0.1:1/ws"))
	next, _ := m.Update(tea.WindowSizeMsg{Width: 120, Height: 20})
	return next.(Model)
}

func send(t *testing.T, m Model, msg tea.Msg) Model {
	t.Helper()
	next, _ := m.Update(msg)
	out, ok := next.(Model)
	require.True(t, ok)
	return out
}

func key(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func line(port int, dir models.Direction, text string) websocket.LineMsg {
	return websocket.LineMsg(models.NormalizedLine{
		Timestamp: time.Date(2024, 3, 1, 10, 0, 0, 0, time.Local),
		Port:      port,
		Device:    "CORE-SW1",
		Direction: dir,
		Text:      text,
	})
}

func TestLinesAreCountedAndFollowed(t *testing.T) {
	m := newTestModel()
	m = send(t, m, line(2001, models.DirectionOutgoing, "display version"))
	m = send(t, m, line(2001, models.DirectionIncoming, "Huawei Versatile Routing Platform Software"))
	m = send(t, m, line(2002, models.DirectionIncoming, "<EDGE-R2>"))

	assert.Equal(t, 3, m.stats.TotalLines)
	assert.Equal(t, 2, m.stats.Incoming)
	assert.Equal(t, 1, m.stats.Outgoing)
	assert.Len(t, m.filteredLines, 3)
	assert.Equal(t, 2, m.selectedIndex, "selection follows the newest line")

	view := m.View()
	assert.Contains(t, view, "CORE-SW1:2001")
	assert.Contains(t, view, "display version")
}

func TestLineBufferIsBounded(t *testing.T) {
	m := newTestModel()
	for i := 0; i < maxLines+10; i++ {
		m = send(t, m, line(2001, models.DirectionIncoming, "interface GigabitEthernet0/0/1"))
	}
	assert.Len(t, m.lines, maxLines)
	assert.Equal(t, maxLines+10, m.stats.TotalLines)
}

func TestFilterCyclesThroughPorts(t *testing.T) {
	m := newTestModel()
	m = send(t, m, line(2001, models.DirectionIncoming, "<CORE-SW1>"))
	m = send(t, m, line(2003, models.DirectionIncoming, "<EDGE-R2>"))
	m = send(t, m, line(2001, models.DirectionOutgoing, "save"))

	m = send(t, m, key("f"))
	assert.Equal(t, 2001, m.filter.Port)
	assert.Len(t, m.filteredLines, 2)

	m = send(t, m, key("f"))
	assert.Equal(t, 2003, m.filter.Port)
	assert.Len(t, m.filteredLines, 1)

	m = send(t, m, key("f"))
	assert.Equal(t, 0, m.filter.Port)
	assert.Len(t, m.filteredLines, 3)

	m = send(t, m, key("f"))
	m = send(t, m, key("F"))
	assert.Equal(t, 0, m.filter.Port)
}

func TestSessionsViewSortsAndJumpsToLines(t *testing.T) {
	m := newTestModel()
	m = send(t, m, line(2001, models.DirectionIncoming, "<CORE-SW1>"))
	m = send(t, m, line(2002, models.DirectionIncoming, "<EDGE-R2>"))

	m = send(t, m, tea.KeyMsg{Type: tea.KeyTab})
	require.Equal(t, ViewModeSessions, m.viewMode)

	now := time.Now()
	m = send(t, m, websocket.SessionsMsg{
		{Port: 2001, Device: "CORE-SW1", LinesIn: 1, LastActivity: now.Add(-time.Hour)},
		{Port: 2002, Device: "EDGE-R2", LinesIn: 1, LastActivity: now},
	})
	require.Len(t, m.sessions, 2)
	assert.Equal(t, 2002, m.sessions[0].Port, "most recent session first")
	assert.Contains(t, m.View(), "1 active / 2 total")

	m = send(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	assert.Equal(t, ViewModeLines, m.viewMode)
	assert.Equal(t, 2002, m.filter.Port)
	require.Len(t, m.filteredLines, 1)
	assert.Equal(t, "<EDGE-R2>", m.filteredLines[0].Text)
}

func TestConnectionStatus(t *testing.T) {
	m := newTestModel()

	m = send(t, m, websocket.ConnectionStatusMsg{Connected: true})
	assert.True(t, m.connected)
	assert.Equal(t, "Connected", m.connectionStatus)

	m = send(t, m, websocket.ConnectionStatusMsg{Connected: false, Error: errors.New("connection refused")})
	assert.False(t, m.connected)
	assert.Equal(t, "connection refused", m.connectionError)
	assert.Contains(t, m.View(), "Not connected to capture service")
}

func TestClearResetsLines(t *testing.T) {
	m := newTestModel()
	m = send(t, m, line(2001, models.DirectionIncoming, "<CORE-SW1>"))
	m = send(t, m, key("c"))

	assert.Empty(t, m.lines)
	assert.Empty(t, m.filteredLines)
	assert.Zero(t, m.stats.TotalLines)
}

func TestHelpTogglesOnAnyKey(t *testing.T) {
	m := newTestModel()
	m = send(t, m, key("?"))
	assert.True(t, m.showHelp)
	assert.Contains(t, m.View(), "Cycle the port filter")

	m = send(t, m, key("x"))
	assert.False(t, m.showHelp)
}

func TestTruncateString(t *testing.T) {
	assert.Equal(t, "short", truncateString("short", 10))
	assert.Equal(t, "GigabitE...", truncateString("GigabitEthernet0/0/1", 11))
}
