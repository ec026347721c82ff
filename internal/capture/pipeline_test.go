package capture

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iolloyd/consoletap/internal/models"
)

func TestPipelineStripsTelnetBeforeNormalizing(t *testing.T) {
	p, sessions, dir := newTestPipeline(t)

	require.NoError(t, p.Deliver(2000, models.DirectionIncoming, []byte("\xff\xfb\x01\xff\xfb\x03\r\nLogin authentication\r\n")))
	require.NoError(t, p.Deliver(2000, models.DirectionIncoming, []byte("\xff")))
	require.NoError(t, p.Deliver(2000, models.DirectionIncoming, []byte("\xfd\x18<R1>")))
	require.NoError(t, sessions.Close())

	files := readTranscripts(t, dir)
	require.Len(t, files, 1)
	for name, lines := range files {
		assert.True(t, strings.HasPrefix(name, "R1_2000_"), name)
		assert.Equal(t, []dirText{
			{models.DirectionIncoming, "Login authentication"},
			{models.DirectionIncoming, "<R1>"},
		}, flatten(lines))
	}
}

func TestPipelineResetSessionDropsPendingCommand(t *testing.T) {
	p, sessions, dir := newTestPipeline(t)

	// a lone IAC left over from a closed session must not eat the next byte
	require.NoError(t, p.Deliver(2001, models.DirectionOutgoing, []byte("quit\r\n\xff")))
	p.ResetSession(2001)
	require.NoError(t, p.Deliver(2001, models.DirectionOutgoing, []byte("display\r\n")))
	require.NoError(t, sessions.Close())

	files := readTranscripts(t, dir)
	require.Len(t, files, 1)
	for _, lines := range files {
		assert.Equal(t, []dirText{
			{models.DirectionOutgoing, "quit"},
			{models.DirectionOutgoing, "display"},
		}, flatten(lines))
	}
}

func TestPipelineReportsClosedSessions(t *testing.T) {
	p, sessions, _ := newTestPipeline(t)
	require.NoError(t, sessions.Close())

	err := p.Deliver(2000, models.DirectionIncoming, []byte("x\r\n"))
	assert.Error(t, err)
}
