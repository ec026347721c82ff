package models

import (
	"fmt"
	"time"
)

// SessionSummary provides a simplified view of a logical session for the feed and viewer
type SessionSummary struct {
	Port         int       `json:"port"`
	Device       string    `json:"device"`
	File         string    `json:"file,omitempty"`
	LinesIn      uint64    `json:"lines_in"`
	LinesOut     uint64    `json:"lines_out"`
	Created      time.Time `json:"created"`
	LastActivity time.Time `json:"last_activity"`
}

// TotalLines returns the number of lines written in both directions
func (s *SessionSummary) TotalLines() uint64 {
	return s.LinesIn + s.LinesOut
}

// IsActive returns true if the session wrote a line within the given window
func (s *SessionSummary) IsActive(window time.Duration) bool {
	return !s.LastActivity.IsZero() && time.Since(s.LastActivity) < window
}

// Label returns a short "device:port" string
func (s *SessionSummary) Label() string {
	return fmt.Sprintf("%s:%d", s.Device, s.Port)
}
