// Package telnet strips Telnet option negotiation from console byte streams.
package telnet

import (
	"sync"

	"github.com/iolloyd/consoletap/internal/models"
)

// Telnet command bytes (RFC 854)
const (
	SE   byte = 240
	NOP  byte = 241
	GA   byte = 249
	SB   byte = 250
	WILL byte = 251
	WONT byte = 252
	DO   byte = 253
	DONT byte = 254
	IAC  byte = 255
)

// DefaultMaxSubnegotiation bounds a sub-negotiation block whose IAC SE was lost.
const DefaultMaxSubnegotiation = 4096

type parseState int

const (
	stateData   parseState = iota // plain data
	stateIAC                      // saw IAC
	stateOption                   // saw IAC WILL/WONT/DO/DONT, option byte pending
	stateSB                       // inside IAC SB ...
	stateSBIAC                    // saw IAC inside a sub-negotiation
)

type streamState struct {
	state parseState
	sbLen int
}

// Decoder removes IAC sequences from per-stream byte streams. State is kept per
// key so a command split across reads is resumed on the next call.
type Decoder struct {
	mu      sync.Mutex
	streams map[models.StreamKey]*streamState
	maxSB   int
}

// NewDecoder creates a decoder with the default sub-negotiation cap
func NewDecoder() *Decoder {
	return &Decoder{
		streams: make(map[models.StreamKey]*streamState),
		maxSB:   DefaultMaxSubnegotiation,
	}
}

// SetMaxSubnegotiation changes the sub-negotiation safety cap. Values below 1 are ignored.
func (d *Decoder) SetMaxSubnegotiation(n int) {
	if n < 1 {
		return
	}
	d.mu.Lock()
	d.maxSB = n
	d.mu.Unlock()
}

// Strip returns data with all Telnet control sequences removed. IAC IAC yields
// a literal 0xFF.
func (d *Decoder) Strip(key models.StreamKey, data []byte) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.streams[key]
	if !ok {
		s = &streamState{}
		d.streams[key] = s
	}
	return s.strip(data, d.maxSB)
}

// Reset drops any partially parsed command for key
func (d *Decoder) Reset(key models.StreamKey) {
	d.mu.Lock()
	delete(d.streams, key)
	d.mu.Unlock()
}

// Pending reports whether key ended its last read in the middle of a command
func (d *Decoder) Pending(key models.StreamKey) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.streams[key]
	return ok && s.state != stateData
}

// StripAll decodes a self-contained buffer with fresh state
func StripAll(data []byte) []byte {
	var s streamState
	return s.strip(data, DefaultMaxSubnegotiation)
}

func (s *streamState) strip(data []byte, maxSB int) []byte {
	out := make([]byte, 0, len(data))
	for _, b := range data {
		switch s.state {
		case stateData:
			if b == IAC {
				s.state = stateIAC
				continue
			}
			out = append(out, b)

		case stateIAC:
			switch b {
			case IAC:
				out = append(out, IAC)
				s.state = stateData
			case WILL, WONT, DO, DONT:
				s.state = stateOption
			case SB:
				s.state = stateSB
				s.sbLen = 0
			default:
				// two-byte command (NOP, GA, AYT, stray SE, ...)
				s.state = stateData
			}

		case stateOption:
			s.state = stateData

		case stateSB:
			if b == IAC {
				s.state = stateSBIAC
				continue
			}
			s.sbByte(maxSB)

		case stateSBIAC:
			if b == SE {
				s.state = stateData
				s.sbLen = 0
				continue
			}
			// IAC IAC is an escaped 0xFF parameter byte
			s.state = stateSB
			s.sbByte(maxSB)
		}
	}
	return out
}

func (s *streamState) sbByte(maxSB int) {
	s.sbLen++
	if s.sbLen > maxSB {
		s.state = stateData
		s.sbLen = 0
	}
}
