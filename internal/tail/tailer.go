// Package tail follows transcript files as they grow and hands out each
// complete line once, even across the rename that follows hostname detection.
package tail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/iolloyd/consoletap/internal/models"
	"github.com/iolloyd/consoletap/internal/transcript"
)

// Event is one transcript line read from File
type Event struct {
	File string
	Line models.NormalizedLine
}

// Handler receives events in file order
type Handler func(Event)

// Option configures a Tailer
type Option func(*Tailer)

// FromEnd skips the content that exists when Run starts
func FromEnd() Option {
	return func(t *Tailer) { t.fromEnd = true }
}

// Tailer tracks a byte offset per transcript in one directory
type Tailer struct {
	dir     string
	handler Handler
	fromEnd bool

	mu      sync.Mutex
	offsets map[string]int64 // by file name
	orphans map[string]int64 // by rename-stable suffix
}

func New(dir string, handler Handler, opts ...Option) *Tailer {
	t := &Tailer{
		dir:     dir,
		handler: handler,
		offsets: make(map[string]int64),
		orphans: make(map[string]int64),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Run watches the directory until ctx is done
func (t *Tailer) Run(ctx context.Context) error {
	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", t.dir, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(t.dir); err != nil {
		return fmt.Errorf("watch %s: %w", t.dir, err)
	}

	if err := t.scan(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			name := filepath.Base(event.Name)
			if !strings.HasSuffix(name, transcript.Extension) {
				continue
			}
			switch {
			case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
				t.forget(name)
			case event.Has(fsnotify.Create):
				t.adopt(name)
				t.poll(name)
			case event.Has(fsnotify.Write):
				t.poll(name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warnf("Transcript watcher error: %v", err)
		}
	}
}

func (t *Tailer) scan() error {
	paths, err := filepath.Glob(filepath.Join(t.dir, "*"+transcript.Extension))
	if err != nil {
		return err
	}
	sort.Strings(paths)

	for _, path := range paths {
		name := filepath.Base(path)
		if t.fromEnd {
			if info, err := os.Stat(path); err == nil {
				t.mu.Lock()
				t.offsets[name] = info.Size()
				t.mu.Unlock()
			}
			continue
		}
		t.adopt(name)
		t.poll(name)
	}
	return nil
}

// forget parks the offset of a vanished file under its suffix
func (t *Tailer) forget(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	off, ok := t.offsets[name]
	if !ok {
		return
	}
	delete(t.offsets, name)
	if info, err := transcript.ParseFileName(name); err == nil {
		t.orphans[info.Suffix()] = off
	}
}

// adopt starts tracking name, inheriting the offset of a renamed predecessor
func (t *Tailer) adopt(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.offsets[name]; ok {
		return
	}
	t.offsets[name] = 0
	if info, err := transcript.ParseFileName(name); err == nil {
		if off, ok := t.orphans[info.Suffix()]; ok {
			t.offsets[name] = off
			delete(t.orphans, info.Suffix())
			log.WithField("file", name).Debugf("Continuing renamed transcript at offset %d", off)
		}
	}
}

func (t *Tailer) poll(name string) {
	if err := t.Poll(name); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.WithField("file", name).Warnf("Failed to read transcript: %v", err)
	}
}

// Poll reads the complete lines appended to name since the last call
func (t *Tailer) Poll(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	off, ok := t.offsets[name]
	if !ok {
		t.offsets[name] = 0
	}

	f, err := os.Open(filepath.Join(t.dir, name))
	if err != nil {
		return err
	}
	defer f.Close()

	// truncated: start over
	if st, err := f.Stat(); err == nil && st.Size() < off {
		off = 0
	}
	if _, err := f.Seek(off, io.SeekStart); err != nil {
		return err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return err
	}

	end := bytes.LastIndexByte(data, '\n')
	if end < 0 {
		return nil
	}
	t.offsets[name] = off + int64(end) + 1

	info, infoErr := transcript.ParseFileName(name)
	for _, raw := range strings.Split(string(data[:end]), "\n") {
		line, err := transcript.ParseLine(raw)
		if err != nil {
			log.WithField("file", name).Debugf("Skipping line: %v", err)
			continue
		}
		if infoErr == nil {
			line.Port = info.Port
		}
		t.handler(Event{File: name, Line: line})
	}
	return nil
}

// Offset returns the read position for name
func (t *Tailer) Offset(name string) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.offsets[name]
}
