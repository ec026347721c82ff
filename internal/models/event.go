package models

import "encoding/json"

// Feed message types
const (
	MessageTranscriptLine = "transcript_line"
	MessageSessions       = "sessions"
	MessageGetSessions    = "get_sessions"
)

// FeedMessage is the envelope used on the live transcript feed
type FeedMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}
