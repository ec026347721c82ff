// Package capture feeds raw console bytes, taken either from a relay or from
// passively captured packets, into the decoding and normalization pipeline.
package capture

import (
	"context"
	"fmt"

	"github.com/iolloyd/consoletap/internal/models"
	"github.com/iolloyd/consoletap/internal/normalizer"
	"github.com/iolloyd/consoletap/internal/telnet"
)

// Sink accepts raw console bytes for one port and direction
type Sink interface {
	Deliver(port int, dir models.Direction, data []byte) error
}

// Source is a capture strategy
type Source interface {
	Start(ctx context.Context) error
	Stop() error
	Stats() map[string]interface{}
}

// sessionResetter is implemented by sinks that keep per-session decoder state
type sessionResetter interface {
	ResetSession(port int)
}

// Pipeline strips Telnet control traffic and hands the text to the session manager
type Pipeline struct {
	decoder  *telnet.Decoder
	sessions *normalizer.SessionManager
}

// NewPipeline creates a pipeline writing into sessions
func NewPipeline(sessions *normalizer.SessionManager) *Pipeline {
	return &Pipeline{
		decoder:  telnet.NewDecoder(),
		sessions: sessions,
	}
}

// Deliver implements Sink. Only resource errors are returned; a panic while
// processing is recovered and reported as an error for this chunk.
func (p *Pipeline) Deliver(port int, dir models.Direction, data []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline panic on port %d: %v", port, r)
		}
	}()

	clean := p.decoder.Strip(models.StreamKey{Port: port, Direction: dir}, data)
	if len(clean) == 0 {
		return nil
	}
	return p.sessions.Write(port, dir, clean)
}

// ResetSession drops Telnet decoder state for both directions of port. The
// normalizer state is kept so sequential sessions share one transcript.
func (p *Pipeline) ResetSession(port int) {
	p.decoder.Reset(models.StreamKey{Port: port, Direction: models.DirectionOutgoing})
	p.decoder.Reset(models.StreamKey{Port: port, Direction: models.DirectionIncoming})
}
