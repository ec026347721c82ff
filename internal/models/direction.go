package models

import "fmt"

// Direction identifies which side of a console session produced a byte stream
type Direction string

const (
	// DirectionOutgoing is client to device traffic (what the operator typed)
	DirectionOutgoing Direction = "outgoing"
	// DirectionIncoming is device to client traffic (what the console printed)
	DirectionIncoming Direction = "incoming"
)

const (
	GlyphOutgoing = "→"
	GlyphIncoming = "←"
)

// Glyph returns the single-character marker used in transcript lines
func (d Direction) Glyph() string {
	if d == DirectionIncoming {
		return GlyphIncoming
	}
	return GlyphOutgoing
}

// Valid reports whether d is one of the two known directions
func (d Direction) Valid() bool {
	return d == DirectionOutgoing || d == DirectionIncoming
}

func (d Direction) String() string {
	return string(d)
}

// DirectionFromGlyph maps a transcript glyph back to a Direction
func DirectionFromGlyph(glyph string) (Direction, error) {
	switch glyph {
	case GlyphOutgoing:
		return DirectionOutgoing, nil
	case GlyphIncoming:
		return DirectionIncoming, nil
	}
	return "", fmt.Errorf("unknown direction glyph %q", glyph)
}
