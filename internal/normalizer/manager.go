// Package normalizer turns decoded console bytes into clean transcript lines,
// one transcript file per console port.
package normalizer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	log "github.com/sirupsen/logrus"

	"github.com/iolloyd/consoletap/internal/models"
	"github.com/iolloyd/consoletap/internal/transcript"
)

const (
	DefaultEchoWindow = 2 * time.Second
	DefaultEchoMaxLen = 64
)

// ErrClosed is returned by Write after Close
var ErrClosed = errors.New("session manager closed")

// LineSink receives every line written to a transcript. Implementations must not block.
type LineSink interface {
	HandleLine(line models.NormalizedLine)
}

// LineSinkFunc adapts a function to LineSink
type LineSinkFunc func(models.NormalizedLine)

func (f LineSinkFunc) HandleLine(line models.NormalizedLine) { f(line) }

// Options configures a SessionManager
type Options struct {
	Dir string
	// DuplicateWindow suppresses a line re-delivered within this TTL. Zero disables it.
	DuplicateWindow time.Duration
	EchoWindow      time.Duration
	EchoMaxLen      int
	// Encoding is an IANA charset name; empty means UTF-8
	Encoding string
	Clock    func() time.Time
}

type streamState struct {
	buf           string
	carry         []byte
	lastLine      string
	promptRepeats int
}

type session struct {
	port          int
	device        string
	named         bool
	created       time.Time
	path          string
	file          *os.File
	streams       map[models.Direction]*streamState
	lastCommand   string
	lastCommandAt time.Time
	linesIn       uint64
	linesOut      uint64
	lastActivity  time.Time
}

func (s *session) stream(dir models.Direction) *streamState {
	st, ok := s.streams[dir]
	if !ok {
		st = &streamState{}
		s.streams[dir] = st
	}
	return st
}

// SessionManager owns the per-port sessions and their transcript files
type SessionManager struct {
	mu       sync.Mutex
	opts     Options
	charset  *charset
	sessions map[int]*session
	dupes    *duplicateWindow
	sinks    []LineSink
	gen      uint64
	closed   bool
}

// NewSessionManager creates a manager writing transcripts below opts.Dir
func NewSessionManager(opts Options) (*SessionManager, error) {
	if opts.Dir == "" {
		return nil, errors.New("transcript directory is required")
	}
	if opts.EchoWindow <= 0 {
		opts.EchoWindow = DefaultEchoWindow
	}
	if opts.EchoMaxLen <= 0 {
		opts.EchoMaxLen = DefaultEchoMaxLen
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	cs, err := newCharset(opts.Encoding)
	if err != nil {
		return nil, err
	}

	m := &SessionManager{
		opts:     opts,
		charset:  cs,
		sessions: make(map[int]*session),
	}
	if opts.DuplicateWindow > 0 {
		m.dupes = newDuplicateWindow(opts.DuplicateWindow)
	}
	return m, nil
}

// Subscribe registers a sink for written lines
func (m *SessionManager) Subscribe(sink LineSink) {
	m.mu.Lock()
	m.sinks = append(m.sinks, sink)
	m.mu.Unlock()
}

// Write feeds Telnet-decoded bytes for one direction of a port. The returned
// error is a resource error (transcript could not be opened or written).
func (m *SessionManager) Write(port int, dir models.Direction, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.gen++

	s := m.session(port)
	st := s.stream(dir)

	text, carry := m.charset.decode(append(st.carry, data...))
	st.carry = carry
	if text == "" {
		return nil
	}
	st.buf = applyBackspaces(st.buf, text)

	var firstErr error
	for {
		i := strings.IndexAny(st.buf, "\r\n")
		if i < 0 {
			break
		}
		raw := st.buf[:i]
		st.buf = st.buf[i+1:]
		if err := m.emit(s, dir, raw); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	// prompts often arrive without a terminator
	if dir == models.DirectionIncoming && st.buf != "" && IsPrompt(CleanLine(st.buf)) {
		raw := st.buf
		st.buf = ""
		if err := m.emit(s, dir, raw); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// FlushAll writes out any unterminated text still buffered
func (m *SessionManager) FlushAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushLocked()
}

func (m *SessionManager) flushLocked() error {
	var firstErr error
	for _, port := range m.portsLocked() {
		s := m.sessions[port]
		for _, dir := range []models.Direction{models.DirectionOutgoing, models.DirectionIncoming} {
			st, ok := s.streams[dir]
			if !ok {
				continue
			}
			raw := st.buf
			if len(st.carry) > 0 {
				raw += strings.ToValidUTF8(string(st.carry), "\uFFFD")
			}
			st.buf, st.carry = "", nil
			if raw == "" {
				continue
			}
			if err := m.emit(s, dir, raw); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Close flushes buffered text and closes all transcript files
func (m *SessionManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	firstErr := m.flushLocked()
	for _, s := range m.sessions {
		if s.file == nil {
			continue
		}
		if err := s.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.file = nil
	}
	m.closed = true
	return firstErr
}

// Sessions returns summaries of all sessions ordered by port
func (m *SessionManager) Sessions() []models.SessionSummary {
	m.mu.Lock()
	defer m.mu.Unlock()

	summaries := make([]models.SessionSummary, 0, len(m.sessions))
	for _, port := range m.portsLocked() {
		s := m.sessions[port]
		summaries = append(summaries, models.SessionSummary{
			Port:         s.port,
			Device:       s.device,
			File:         s.path,
			LinesIn:      s.linesIn,
			LinesOut:     s.linesOut,
			Created:      s.created,
			LastActivity: s.lastActivity,
		})
	}
	return summaries
}

func (m *SessionManager) portsLocked() []int {
	ports := make([]int, 0, len(m.sessions))
	for p := range m.sessions {
		ports = append(ports, p)
	}
	sort.Ints(ports)
	return ports
}

func (m *SessionManager) session(port int) *session {
	s, ok := m.sessions[port]
	if !ok {
		s = &session{
			port:    port,
			device:  transcript.PlaceholderName(port),
			streams: make(map[models.Direction]*streamState),
		}
		m.sessions[port] = s
	}
	return s
}

// emit cleans one raw line, applies suppression and writes it
func (m *SessionManager) emit(s *session, dir models.Direction, raw string) error {
	text := CleanLine(raw)
	if text == "" {
		return nil
	}

	now := m.opts.Clock()
	st := s.stream(dir)

	if m.dupes != nil && m.dupes.seen(windowKey{port: s.port, dir: dir, text: text}, m.gen, now) {
		return nil
	}

	prompt := IsPrompt(text)

	if dir == models.DirectionIncoming && m.isEcho(s, text, prompt, now) {
		s.lastCommand = ""
		return nil
	}

	if prompt && text == st.lastLine {
		st.promptRepeats++
		if st.promptRepeats > 1 {
			return nil
		}
	} else {
		st.promptRepeats = 0
	}
	st.lastLine = text

	if dir == models.DirectionOutgoing {
		s.lastCommand = text
		s.lastCommandAt = now
	} else {
		m.detectHostname(s, text)
	}

	return m.writeLine(s, models.NormalizedLine{
		Timestamp: now,
		Port:      s.port,
		Device:    s.device,
		Direction: dir,
		Text:      text,
	})
}

func (m *SessionManager) isEcho(s *session, text string, prompt bool, now time.Time) bool {
	if prompt || s.lastCommand == "" || HasErrorMarker(text) {
		return false
	}
	if utf8.RuneCountInString(text) >= m.opts.EchoMaxLen {
		return false
	}
	return text == s.lastCommand && now.Sub(s.lastCommandAt) <= m.opts.EchoWindow
}

func (m *SessionManager) detectHostname(s *session, text string) {
	name, ok := DetectHostname(text)
	if !ok || !preferHostname(s.device, s.named, name) {
		return
	}

	old := s.device
	s.device = name
	s.named = true
	log.WithFields(log.Fields{"port": s.port, "device": name, "previous": old}).Info("Device name detected")

	if s.file != nil {
		if err := m.rename(s); err != nil {
			log.WithField("port", s.port).Warnf("Keeping transcript name %s: %v", s.path, err)
		}
	}
}

// rename moves the open transcript to the current device name, keeping its timestamp
func (m *SessionManager) rename(s *session) error {
	newPath := filepath.Join(m.opts.Dir, transcript.FileName(s.device, s.port, s.created))
	if newPath == s.path {
		return nil
	}

	if err := s.file.Close(); err != nil {
		return fmt.Errorf("close %s: %w", s.path, err)
	}
	s.file = nil

	renameErr := os.Rename(s.path, newPath)
	if renameErr == nil {
		s.path = newPath
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("reopen %s: %w", s.path, err)
	}
	s.file = f

	if renameErr != nil {
		return fmt.Errorf("rename to %s: %w", newPath, renameErr)
	}
	log.WithField("port", s.port).Infof("Transcript renamed to %s", newPath)
	return nil
}

func (m *SessionManager) open(s *session, now time.Time) error {
	if s.file != nil {
		return nil
	}
	if s.created.IsZero() {
		s.created = now
	}
	if err := os.MkdirAll(m.opts.Dir, 0o755); err != nil {
		return fmt.Errorf("create transcript directory %s: %w", m.opts.Dir, err)
	}

	if s.path == "" {
		s.path = filepath.Join(m.opts.Dir, transcript.FileName(s.device, s.port, s.created))
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open transcript for port %d: %w", s.port, err)
	}
	s.file = f
	log.WithFields(log.Fields{"port": s.port, "device": s.device}).Infof("Logging port to %s", s.path)
	return nil
}

func (m *SessionManager) writeLine(s *session, line models.NormalizedLine) error {
	if err := m.open(s, line.Timestamp); err != nil {
		return err
	}
	if _, err := s.file.WriteString(transcript.FormatLine(line)); err != nil {
		return fmt.Errorf("write transcript for port %d: %w", s.port, err)
	}

	s.lastActivity = line.Timestamp
	if line.Direction == models.DirectionIncoming {
		s.linesIn++
	} else {
		s.linesOut++
	}

	for _, sink := range m.sinks {
		sink.HandleLine(line)
	}
	return nil
}
