package models

import "time"

// NormalizedLine is one cleaned line of console traffic as written to a transcript
type NormalizedLine struct {
	Timestamp time.Time `json:"timestamp"`
	Port      int       `json:"port"`
	Device    string    `json:"device"`
	Direction Direction `json:"direction"`
	Text      string    `json:"text"`
}

// StreamKey identifies one direction of one logical console session
type StreamKey struct {
	Port      int
	Direction Direction
}
