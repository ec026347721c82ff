package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iolloyd/consoletap/internal/config"
	"github.com/iolloyd/consoletap/internal/models"
	"github.com/iolloyd/consoletap/internal/transcript"
)

func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func writeTranscript(t *testing.T, dir, device string, port int) string {
	t.Helper()
	created := time.Date(2024, 3, 1, 10, 0, 0, 0, time.Local)
	path := filepath.Join(dir, transcript.FileName(device, port, created))
	line := transcript.FormatLine(models.NormalizedLine{
		Timestamp: created,
		Port:      port,
		Device:    device,
		Direction: models.DirectionIncoming,
		Text:      "<" + device + ">",
	})
	require.NoError(t, os.WriteFile(path, []byte(line), 0o644))
	return path
}

func TestProfilesMarksActive(t *testing.T) {
	dir := t.TempDir()
	out, err := executeCommand(t, "profiles", "--dir", dir)
	require.NoError(t, err)

	assert.Contains(t, out, "standard *")
	assert.Contains(t, out, "2000-2010")
	assert.Contains(t, out, "lab")
}

func TestCleanupRemovesTranscripts(t *testing.T) {
	dir := t.TempDir()
	writeTranscript(t, dir, "CORE-SW1", 2001)
	writeTranscript(t, dir, "device_2002", 2002)
	keep := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(keep, []byte("x"), 0o644))

	out, err := executeCommand(t, "cleanup", "--dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "removed 2 transcripts")
	assert.FileExists(t, keep)
}

func TestReplayMissingFile(t *testing.T) {
	_, err := executeCommand(t, "replay", "--dir", t.TempDir(), filepath.Join(t.TempDir(), "missing.pcap"))
	assert.Error(t, err)
}

func TestReplayRejectsBadPorts(t *testing.T) {
	_, err := executeCommand(t, "replay", "--dir", t.TempDir(), "--ports", "2005-2000", "capture.pcap")
	assert.Error(t, err)
}

func TestMissingConfigFile(t *testing.T) {
	_, err := executeCommand(t, "profiles", "--config", filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestWatchPrintsHistory(t *testing.T) {
	dir := t.TempDir()
	writeTranscript(t, dir, "CORE-SW1", 2001)
	writeTranscript(t, dir, "EDGE-R2", 2002)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out bytes.Buffer
	require.NoError(t, watchTranscripts(ctx, dir, &out, 2002, true))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "2002 [2024-03-01 10:00:00] [EDGE-R2] ← '<EDGE-R2>'")
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func captureStatus(addr string) string {
	resp, err := http.Get("http://" + addr + "/health")
	if err != nil {
		return ""
	}
	defer resp.Body.Close()

	var health struct {
		Capture map[string]interface{} `json:"capture"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return ""
	}
	status, _ := health.Capture["status"].(string)
	return status
}

func TestRunServesFeedWhenCaptureDisabled(t *testing.T) {
	cfg := config.Default()
	cfg.Transcript.Dir = t.TempDir()
	cfg.Capture.Mode = "mirror"
	cfg.Feed.Addr = freeAddr(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- runCapture(ctx, &app{cfg: cfg}) }()

	assert.Eventually(t, func() bool { return captureStatus(cfg.Feed.Addr) == "disabled" },
		5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}

func TestRunWithoutFeedFailsWhenCaptureDisabled(t *testing.T) {
	cfg := config.Default()
	cfg.Transcript.Dir = t.TempDir()
	cfg.Capture.Mode = "mirror"
	cfg.Feed.Enabled = false

	err := runCapture(context.Background(), &app{cfg: cfg})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `capture mode "mirror" is not supported`)
}
