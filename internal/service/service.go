// Package service runs the configured capture strategy and owns the
// transcripts it produces.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/iolloyd/consoletap/internal/capture"
	"github.com/iolloyd/consoletap/internal/config"
	"github.com/iolloyd/consoletap/internal/models"
	"github.com/iolloyd/consoletap/internal/normalizer"
	"github.com/iolloyd/consoletap/internal/transcript"
)

// Status of the capture service
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusRunning  Status = "running"
	StatusDisabled Status = "disabled"
)

// SnifferDuplicateWindow catches bytes a passive capture sees twice
const SnifferDuplicateWindow = 500 * time.Millisecond

var (
	// ErrCaptureUnavailable means the sniffer could not be started on this host
	ErrCaptureUnavailable = errors.New("packet capture unavailable")
	// ErrRunning is returned by operations that need a stopped service
	ErrRunning = errors.New("capture service is running")
)

type sourceFactory func(mode string, ports []int, autoDetect bool, sink capture.Sink) capture.Source

// CaptureService selects a capture source from configuration and manages its lifecycle
type CaptureService struct {
	cfg       config.Config
	newSource sourceFactory

	mu       sync.Mutex
	status   Status
	source   capture.Source
	sessions *normalizer.SessionManager
	sinks    []normalizer.LineSink
	cancel   context.CancelFunc

	// packet time of the running sniffer, shared with its session manager
	clock *capture.PacketClock
}

// New creates a stopped service
func New(cfg config.Config) *CaptureService {
	s := &CaptureService{
		cfg:    cfg,
		status: StatusStopped,
	}
	s.newSource = s.buildSource
	return s
}

// Mode returns the configured capture mode
func (s *CaptureService) Mode() string {
	return strings.ToLower(strings.TrimSpace(s.cfg.Capture.Mode))
}

// Status returns the current lifecycle state
func (s *CaptureService) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Subscribe registers a sink for every transcript line written from now on
func (s *CaptureService) Subscribe(sink normalizer.LineSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinks = append(s.sinks, sink)
	if s.sessions != nil {
		s.sessions.Subscribe(sink)
	}
}

// Start begins capturing. An unknown mode leaves the service disabled without
// error; a sniffer that cannot open its device leaves it disabled and returns
// an error wrapping ErrCaptureUnavailable.
func (s *CaptureService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == StatusRunning {
		return nil
	}

	mode := s.Mode()
	if mode != config.ModeProxy && mode != config.ModeSniffer {
		s.status = StatusDisabled
		log.Warnf("Capture mode %q is not supported, capture disabled", s.cfg.Capture.Mode)
		return nil
	}

	ports, autoDetect, err := s.cfg.Capture.ResolvePorts()
	if err != nil {
		return err
	}

	s.clock = nil
	if mode == config.ModeSniffer {
		s.clock = &capture.PacketClock{}
	}
	sessions, err := s.newSessionManager(mode, s.clock)
	if err != nil {
		return err
	}

	source := s.newSource(mode, ports, autoDetect, capture.NewPipeline(sessions))
	ctx, cancel := context.WithCancel(ctx)
	if err := source.Start(ctx); err != nil {
		cancel()
		sessions.Close()
		if mode == config.ModeSniffer {
			s.status = StatusDisabled
			log.Errorf("Packet capture unavailable, capture disabled: %v", err)
			return fmt.Errorf("%w: %w", ErrCaptureUnavailable, err)
		}
		s.status = StatusStopped
		return fmt.Errorf("start %s capture: %w", mode, err)
	}

	s.source = source
	s.sessions = sessions
	s.cancel = cancel
	s.status = StatusRunning
	log.WithFields(log.Fields{
		"mode":        mode,
		"profile":     s.cfg.Capture.Profile,
		"ports":       len(ports),
		"auto_detect": autoDetect,
	}).Info("Capture service started")
	return nil
}

// newSessionManager creates the transcript writer for a run. A sniffer's
// session manager stamps lines with clock, the capture time of the packet.
func (s *CaptureService) newSessionManager(mode string, clock *capture.PacketClock) (*normalizer.SessionManager, error) {
	opts := normalizer.Options{
		Dir:      s.cfg.Transcript.Dir,
		Encoding: s.cfg.Transcript.Encoding,
	}
	if mode == config.ModeSniffer {
		opts.DuplicateWindow = SnifferDuplicateWindow
	}
	if clock != nil {
		opts.Clock = clock.Now
	}

	sessions, err := normalizer.NewSessionManager(opts)
	if err != nil {
		return nil, fmt.Errorf("create session manager: %w", err)
	}
	for _, sink := range s.sinks {
		sessions.Subscribe(sink)
	}
	return sessions, nil
}

func (s *CaptureService) buildSource(mode string, ports []int, autoDetect bool, sink capture.Sink) capture.Source {
	if mode == config.ModeSniffer {
		return capture.NewSniffer(s.snifferConfig(ports, autoDetect, s.clock), sink)
	}
	return capture.NewProxy(capture.ProxyConfig{
		Ports:       ports,
		TargetHost:  s.cfg.Proxy.TargetHost,
		ListenHost:  s.cfg.Proxy.ListenHost,
		Offset:      s.cfg.Proxy.PortOffset,
		DialTimeout: s.cfg.Proxy.DialTimeout,
	}, sink)
}

func (s *CaptureService) snifferConfig(ports []int, autoDetect bool, clock *capture.PacketClock) capture.SnifferConfig {
	return capture.SnifferConfig{
		Interface:     s.cfg.Sniffer.Interface,
		Ports:         ports,
		AutoDetect:    autoDetect,
		Snaplen:       s.cfg.Sniffer.Snaplen,
		ProbeDuration: s.cfg.Sniffer.ProbeDuration,
		Clock:         clock,
	}
}

// Stop stops accepting bytes, flushes buffered text and closes every transcript
func (s *CaptureService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusRunning {
		return nil
	}

	var errs []error
	if err := s.source.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop source: %w", err))
	}
	s.cancel()
	if err := s.sessions.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close transcripts: %w", err))
	}

	s.source = nil
	s.cancel = nil
	s.status = StatusStopped
	log.Info("Capture service stopped")
	return errors.Join(errs...)
}

// Sessions returns summaries of the sessions recorded since Start
func (s *CaptureService) Sessions() []models.SessionSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions == nil {
		return nil
	}
	return s.sessions.Sessions()
}

// Stats returns source statistics plus the service state
func (s *CaptureService) Stats() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := map[string]interface{}{}
	if s.source != nil {
		stats = s.source.Stats()
	}
	stats["status"] = string(s.status)
	stats["mode"] = s.Mode()
	return stats
}

// ProxyPorts maps bound proxy ports to console ports; empty outside proxy mode
func (s *CaptureService) ProxyPorts() map[int]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.source.(*capture.Proxy); ok {
		return p.ProxyPorts()
	}
	return map[int]int{}
}

// CleanupLogs deletes every transcript in the log directory and returns how
// many were removed.
func (s *CaptureService) CleanupLogs() (int, error) {
	if s.Status() == StatusRunning {
		return 0, ErrRunning
	}

	paths, err := filepath.Glob(filepath.Join(s.cfg.Transcript.Dir, "*"+transcript.Extension))
	if err != nil {
		return 0, fmt.Errorf("list transcripts: %w", err)
	}

	removed := 0
	var errs []error
	for _, path := range paths {
		if err := os.Remove(path); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	log.WithField("dir", s.cfg.Transcript.Dir).Infof("Removed %d transcripts", removed)
	return removed, errors.Join(errs...)
}

// Replay feeds a capture file through the sniffer path into transcripts and
// returns the resulting sessions.
func (s *CaptureService) Replay(ctx context.Context, r io.Reader) ([]models.SessionSummary, error) {
	if s.Status() == StatusRunning {
		return nil, ErrRunning
	}

	ports, autoDetect, err := s.cfg.Capture.ResolvePorts()
	if err != nil {
		return nil, err
	}
	clock := &capture.PacketClock{}
	sessions, err := s.newSessionManager(config.ModeSniffer, clock)
	if err != nil {
		return nil, err
	}

	sniffer := capture.NewSniffer(s.snifferConfig(ports, autoDetect, clock), capture.NewPipeline(sessions))
	replayErr := sniffer.Replay(ctx, r)
	closeErr := sessions.Close()
	if replayErr != nil {
		return nil, fmt.Errorf("replay: %w", replayErr)
	}
	if closeErr != nil {
		return nil, fmt.Errorf("close transcripts: %w", closeErr)
	}
	return sessions.Sessions(), nil
}
