package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, ModeProxy, cfg.Capture.Mode)
	assert.Equal(t, ProfileStandard, cfg.Capture.Profile)
	assert.Equal(t, "2000-2004", cfg.Capture.Ports)
	assert.True(t, cfg.Capture.AutoDetect)
	assert.Equal(t, "127.0.0.1", cfg.Proxy.TargetHost)
	assert.Equal(t, "0.0.0.0", cfg.Proxy.ListenHost)
	assert.Equal(t, 1000, cfg.Proxy.PortOffset)
	assert.Equal(t, 5*time.Second, cfg.Proxy.DialTimeout)
	assert.Equal(t, "Npcap Loopback Adapter", cfg.Sniffer.Interface)
	assert.Equal(t, 65536, cfg.Sniffer.Snaplen)
	assert.Equal(t, 2*time.Second, cfg.Sniffer.ProbeDuration)
	assert.Equal(t, "data/logs", cfg.Transcript.Dir)
	assert.True(t, cfg.Feed.Enabled)
	assert.Equal(t, ":8080", cfg.Feed.Addr)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 10, cfg.Log.MaxSizeMB)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "consoletap.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
capture:
  mode: sniffer
  profile: custom
  ports: "2000,2003"
proxy:
  dial_timeout: 250ms
transcript:
  dir: /var/consoles
  encoding: ISO-8859-1
`), 0o644))
	t.Setenv("CONSOLETAP_FEED_ADDR", "127.0.0.1:9090")

	cfg, err := Load(New(), path)
	require.NoError(t, err)

	assert.Equal(t, ModeSniffer, cfg.Capture.Mode)
	assert.Equal(t, ProfileCustom, cfg.Capture.Profile)
	assert.Equal(t, 250*time.Millisecond, cfg.Proxy.DialTimeout)
	assert.Equal(t, "/var/consoles", cfg.Transcript.Dir)
	assert.Equal(t, "ISO-8859-1", cfg.Transcript.Encoding)
	assert.Equal(t, "127.0.0.1:9090", cfg.Feed.Addr)
	assert.Equal(t, 1000, cfg.Proxy.PortOffset)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadRejectsBadPorts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "consoletap.yaml")
	require.NoError(t, os.WriteFile(path, []byte("capture:\n  profile: custom\n  ports: \"2005-2000\"\n"), 0o644))

	_, err := Load(New(), path)
	assert.ErrorIs(t, err, ErrInvalidPortSpec)
}

func TestParsePorts(t *testing.T) {
	tests := []struct {
		spec string
		want []int
	}{
		{"2000-2004", []int{2000, 2001, 2002, 2003, 2004}},
		{"2000,2001,2005", []int{2000, 2001, 2005}},
		{"2000-2002,2010", []int{2000, 2001, 2002, 2010}},
		{" 2010 , 2000-2001 ,2000", []int{2000, 2001, 2010}},
		{"23", []int{23}},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			got, err := ParsePorts(tt.spec)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParsePortsInvalid(t *testing.T) {
	for _, spec := range []string{"", "abc", "2000-", "-2000", "2004-2000", "0", "70000", "2000,,2001", "1-5000"} {
		t.Run(spec, func(t *testing.T) {
			_, err := ParsePorts(spec)
			assert.ErrorIs(t, err, ErrInvalidPortSpec)
		})
	}
}

func TestResolvePorts(t *testing.T) {
	tests := []struct {
		name     string
		capture  CaptureConfig
		wantLow  int
		wantHigh int
		wantAuto bool
	}{
		{"standard default", CaptureConfig{Profile: ProfileStandard, Ports: DefaultPorts, AutoDetect: true}, 2000, 2004, true},
		{"extended overrides default range", CaptureConfig{Profile: ProfileExtended, Ports: DefaultPorts, AutoDetect: true}, 2000, 2010, true},
		{"lab overrides default range", CaptureConfig{Profile: ProfileLab, Ports: DefaultPorts, AutoDetect: true}, 2000, 2020, true},
		{"explicit range wins over profile", CaptureConfig{Profile: ProfileLab, Ports: "3000-3001", AutoDetect: true}, 3000, 3001, true},
		{"custom disables auto detect", CaptureConfig{Profile: ProfileCustom, Ports: "2000-2002", AutoDetect: true}, 2000, 2002, false},
		{"auto detect switched off", CaptureConfig{Profile: ProfileStandard, Ports: DefaultPorts}, 2000, 2004, false},
		{"profile name is case insensitive", CaptureConfig{Profile: "Extended", Ports: "", AutoDetect: true}, 2000, 2010, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ports, auto, err := tt.capture.ResolvePorts()
			require.NoError(t, err)
			assert.Equal(t, tt.wantLow, ports[0])
			assert.Equal(t, tt.wantHigh, ports[len(ports)-1])
			assert.Equal(t, tt.wantAuto, auto)
		})
	}
}

func TestResolvePortsUnknownProfile(t *testing.T) {
	_, _, err := CaptureConfig{Profile: "datacenter", Ports: DefaultPorts}.ResolvePorts()
	assert.Error(t, err)
}

func TestProfilesSorted(t *testing.T) {
	var names []string
	for _, p := range Profiles() {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"custom", "extended", "lab", "standard"}, names)
}
