package websocket

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iolloyd/consoletap/internal/models"
)

// closedAddr returns a URL nothing listens on
func closedAddr(t *testing.T) string {
	t.Helper()
	ts := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ts.Close()
	return url
}

func TestConnectFailureIsQuiet(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	client := NewClientURL(closedAddr(t))

	status, ok := client.Connect()().(ConnectionStatusMsg)
	require.True(t, ok)
	assert.False(t, status.Connected)
	assert.Error(t, status.Error)
	assert.False(t, client.IsConnected())
	assert.NoError(t, client.Close())
	assert.Empty(t, buf.String(), "a failed dial is reported to the viewer, not logged")
}

func TestRequestSessionsNeedsConnection(t *testing.T) {
	client := NewClient("localhost", 1)
	assert.ErrorIs(t, client.RequestSessions(), errNotConnected)
}

func TestClientSkipsUnknownMessagesAndReportsDisconnect(t *testing.T) {
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"packet","data":{}}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"transcript_line","data":{"port":2003,"device":"EDGE-R2","direction":"incoming","text":"<EDGE-R2>"}}`))
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}))
	defer ts.Close()

	client := NewClientURL("ws" + strings.TrimPrefix(ts.URL, "http"))
	status, ok := client.Connect()().(ConnectionStatusMsg)
	require.True(t, ok)
	require.True(t, status.Connected, "connect: %v", status.Error)

	line, ok := nextMsg(t, client).(LineMsg)
	require.True(t, ok, "malformed and unknown messages are skipped")
	assert.Equal(t, 2003, line.Port)
	assert.Equal(t, models.DirectionIncoming, line.Direction)

	status, ok = nextMsg(t, client).(ConnectionStatusMsg)
	require.True(t, ok)
	assert.False(t, status.Connected)
	assert.Eventually(t, func() bool { return !client.IsConnected() }, 5*time.Second, 10*time.Millisecond)
}
