// Package transcript defines the on-disk transcript line and file name formats.
package transcript

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/iolloyd/consoletap/internal/models"
)

const (
	TimestampLayout     = "2006-01-02 15:04:05"
	FileTimestampLayout = "20060102_150405"
	Extension           = ".log"
)

var (
	ErrMalformedLine = errors.New("malformed transcript line")
	ErrMalformedName = errors.New("malformed transcript file name")
)

var (
	linePattern = regexp.MustCompile(`^\[(\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2})\] \[([^\]]+)\] ([←→]) '(.*)'$`)
	namePattern = regexp.MustCompile(`^(.+)_(\d+)_(\d{8}_\d{6})\.log$`)
)

// PlaceholderName is the device name used until a hostname is detected
func PlaceholderName(port int) string {
	return fmt.Sprintf("device_%d", port)
}

// FileName returns "<device>_<port>_<YYYYMMDD_HHMMSS>.log". Path separators in
// device are replaced so the name never leaves its directory.
func FileName(device string, port int, created time.Time) string {
	return fmt.Sprintf("%s_%d_%s%s", safeName(device), port, created.Format(FileTimestampLayout), Extension)
}

func safeName(device string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', 0:
			return '_'
		}
		return r
	}, device)
}

// FormatLine renders a line exactly as it is appended to the file, newline included
func FormatLine(line models.NormalizedLine) string {
	return fmt.Sprintf("[%s] [%s] %s '%s'\n",
		line.Timestamp.Format(TimestampLayout),
		line.Device,
		line.Direction.Glyph(),
		line.Text,
	)
}

// ParseLine is the inverse of FormatLine. The trailing newline is optional.
// Port is not part of the line and is left zero.
func ParseLine(s string) (models.NormalizedLine, error) {
	s = strings.TrimRight(s, "\r\n")
	m := linePattern.FindStringSubmatch(s)
	if m == nil {
		return models.NormalizedLine{}, fmt.Errorf("%w: %q", ErrMalformedLine, s)
	}

	ts, err := time.ParseInLocation(TimestampLayout, m[1], time.Local)
	if err != nil {
		return models.NormalizedLine{}, fmt.Errorf("%w: %v", ErrMalformedLine, err)
	}
	dir, err := models.DirectionFromGlyph(m[3])
	if err != nil {
		return models.NormalizedLine{}, fmt.Errorf("%w: %v", ErrMalformedLine, err)
	}

	return models.NormalizedLine{
		Timestamp: ts,
		Device:    m[2],
		Direction: dir,
		Text:      m[4],
	}, nil
}

// FileInfo is what a transcript file name encodes
type FileInfo struct {
	Device  string
	Port    int
	Created time.Time
}

// Suffix returns the "_<port>_<timestamp>.log" part that survives a rename
func (fi FileInfo) Suffix() string {
	return fmt.Sprintf("_%d_%s%s", fi.Port, fi.Created.Format(FileTimestampLayout), Extension)
}

// ParseFileName decodes a transcript file name (a bare name or a path)
func ParseFileName(name string) (FileInfo, error) {
	m := namePattern.FindStringSubmatch(filepath.Base(name))
	if m == nil {
		return FileInfo{}, fmt.Errorf("%w: %q", ErrMalformedName, name)
	}
	port, err := strconv.Atoi(m[2])
	if err != nil {
		return FileInfo{}, fmt.Errorf("%w: %v", ErrMalformedName, err)
	}
	created, err := time.ParseInLocation(FileTimestampLayout, m[3], time.Local)
	if err != nil {
		return FileInfo{}, fmt.Errorf("%w: %v", ErrMalformedName, err)
	}
	return FileInfo{Device: m[1], Port: port, Created: created}, nil
}
