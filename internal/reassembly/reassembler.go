// Package reassembly rebuilds ordered byte streams from passively captured TCP
// segments that may be duplicated, overlapping, reordered or missing.
package reassembly

import (
	"fmt"
	"sync"
	"time"

	"github.com/iolloyd/consoletap/internal/models"
)

const (
	DefaultMaxGapBytes = 8 * 1024
	DefaultGapTimeout  = time.Second
	DefaultMaxPending  = 64
)

// Key identifies one direction of one TCP connection on a console port
type Key struct {
	Port      int
	SrcPort   uint16
	DstPort   uint16
	Direction models.Direction
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%d->%d/%s", k.Port, k.SrcPort, k.DstPort, k.Direction)
}

// Stats counts how segments were handled across all streams
type Stats struct {
	Emitted      uint64 `json:"emitted_bytes"`
	Retransmits  uint64 `json:"retransmits"`
	OverlapTrims uint64 `json:"overlap_trims"`
	Buffered     uint64 `json:"buffered"`
	Resyncs      uint64 `json:"resyncs"`
	Evictions    uint64 `json:"evictions"`
}

type segment struct {
	data  []byte
	order uint64
}

// Chunk is stream data released by a skipped gap rather than by a new segment
type Chunk struct {
	Key  Key
	Data []byte
}

type stream struct {
	nextSeq      uint32
	seeded       bool
	pending      map[uint32]*segment
	pendingBytes int
	gapSince     time.Time
	lastSeen     time.Time
}

// Reassembler holds per-key stream state. It never blocks on missing data: a
// gap that outlives the byte or time limit is skipped.
type Reassembler struct {
	mu          sync.Mutex
	streams     map[Key]*stream
	maxGapBytes int
	gapTimeout  time.Duration
	maxPending  int
	now         func() time.Time
	order       uint64
	stats       Stats
}

// Option configures a Reassembler
type Option func(*Reassembler)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(r *Reassembler) { r.now = now }
}

// WithGapLimits sets how many outstanding bytes or how long a gap may persist before resync
func WithGapLimits(maxBytes int, timeout time.Duration) Option {
	return func(r *Reassembler) {
		r.maxGapBytes = maxBytes
		r.gapTimeout = timeout
	}
}

// WithMaxPending bounds the out-of-order segments held per stream
func WithMaxPending(n int) Option {
	return func(r *Reassembler) { r.maxPending = n }
}

// New creates a reassembler
func New(opts ...Option) *Reassembler {
	r := &Reassembler{
		streams:     make(map[Key]*stream),
		maxGapBytes: DefaultMaxGapBytes,
		gapTimeout:  DefaultGapTimeout,
		maxPending:  DefaultMaxPending,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// seqDiff compares sequence numbers modulo 2^32
func seqDiff(a, b uint32) int32 {
	return int32(a - b)
}

// Init seeds the stream from an observed SYN so the first data byte is isn+1
func (r *Reassembler) Init(key Key, isn uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.stream(key)
	s.nextSeq = isn + 1
	s.seeded = true
	s.dropPending()
}

// Consume returns the bytes of payload that are new and contiguous with what
// was already emitted for key, plus any buffered segments it unblocks.
func (r *Reassembler) Consume(key Key, seq uint32, payload []byte) []byte {
	if len(payload) == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	s := r.stream(key)
	s.lastSeen = now

	if !s.seeded {
		s.nextSeq = seq
		s.seeded = true
	}

	end := seq + uint32(len(payload))
	if seqDiff(end, s.nextSeq) <= 0 {
		r.stats.Retransmits++
		return nil
	}

	if seqDiff(seq, s.nextSeq) < 0 {
		payload = payload[s.nextSeq-seq:]
		seq = s.nextSeq
		r.stats.OverlapTrims++
	}

	if seq == s.nextSeq {
		out := make([]byte, 0, len(payload))
		out = append(out, payload...)
		s.nextSeq = end
		out = r.drain(s, out, now)
		r.stats.Emitted += uint64(len(out))
		return out
	}

	// gap ahead of nextSeq
	if s.gapSince.IsZero() {
		s.gapSince = now
	}
	if s.pendingBytes+len(payload) > r.maxGapBytes || now.Sub(s.gapSince) > r.gapTimeout {
		r.stats.Resyncs++
		s.dropPending()
		s.nextSeq = end
		out := append([]byte(nil), payload...)
		r.stats.Emitted += uint64(len(out))
		return out
	}

	r.buffer(s, seq, payload)
	return nil
}

// Forget drops all state for key, e.g. after FIN or RST
func (r *Reassembler) Forget(key Key) {
	r.mu.Lock()
	delete(r.streams, key)
	r.mu.Unlock()
}

// Prune removes streams idle for longer than idle and returns how many were removed
func (r *Reassembler) Prune(idle time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	removed := 0
	for k, s := range r.streams {
		if now.Sub(s.lastSeen) > idle {
			delete(r.streams, k)
			removed++
		}
	}
	return removed
}

// ExpireGaps skips every gap that has been open longer than the gap timeout at
// now and returns the buffered data behind it. It covers streams that went
// quiet after a loss, where no later segment arrives to trigger a resync.
func (r *Reassembler) ExpireGaps(now time.Time) []Chunk {
	r.mu.Lock()
	defer r.mu.Unlock()

	var chunks []Chunk
	for k, s := range r.streams {
		if len(s.pending) == 0 || now.Sub(s.gapSince) <= r.gapTimeout {
			continue
		}
		if out := r.skipGap(s, now); len(out) > 0 {
			chunks = append(chunks, Chunk{Key: k, Data: out})
		}
	}
	return chunks
}

// FlushPending skips every remaining gap, for when no more segments will arrive
func (r *Reassembler) FlushPending() []Chunk {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var chunks []Chunk
	for k, s := range r.streams {
		var out []byte
		for len(s.pending) > 0 {
			out = append(out, r.skipGap(s, now)...)
		}
		if len(out) > 0 {
			chunks = append(chunks, Chunk{Key: k, Data: out})
		}
	}
	return chunks
}

// skipGap moves nextSeq to the earliest buffered segment and drains from there
func (r *Reassembler) skipGap(s *stream, now time.Time) []byte {
	var next uint32
	first := true
	for start := range s.pending {
		if first || seqDiff(start, next) < 0 {
			next = start
			first = false
		}
	}

	r.stats.Resyncs++
	s.nextSeq = next
	out := r.drain(s, nil, now)
	r.stats.Emitted += uint64(len(out))
	return out
}

// Len returns the number of tracked streams
func (r *Reassembler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}

// Stats returns a snapshot of the counters
func (r *Reassembler) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *Reassembler) stream(key Key) *stream {
	s, ok := r.streams[key]
	if !ok {
		s = &stream{pending: make(map[uint32]*segment)}
		r.streams[key] = s
	}
	return s
}

func (r *Reassembler) buffer(s *stream, seq uint32, payload []byte) {
	if prev, ok := s.pending[seq]; ok {
		if len(prev.data) >= len(payload) {
			r.stats.Retransmits++
			return
		}
		s.pendingBytes -= len(prev.data)
	}

	r.order++
	s.pending[seq] = &segment{data: append([]byte(nil), payload...), order: r.order}
	s.pendingBytes += len(payload)
	r.stats.Buffered++

	for len(s.pending) > r.maxPending {
		var oldest uint32
		var oldestOrder uint64
		first := true
		for k, seg := range s.pending {
			if first || seg.order < oldestOrder {
				oldest, oldestOrder = k, seg.order
				first = false
			}
		}
		s.pendingBytes -= len(s.pending[oldest].data)
		delete(s.pending, oldest)
		r.stats.Evictions++
	}
}

// drain appends pending segments that cover nextSeq until none does. Any gap
// left behind starts at now.
func (r *Reassembler) drain(s *stream, out []byte, now time.Time) []byte {
	for {
		progressed := false
		for start, seg := range s.pending {
			end := start + uint32(len(seg.data))
			if seqDiff(end, s.nextSeq) <= 0 {
				s.pendingBytes -= len(seg.data)
				delete(s.pending, start)
				continue
			}
			if seqDiff(start, s.nextSeq) <= 0 {
				out = append(out, seg.data[s.nextSeq-start:]...)
				s.nextSeq = end
				s.pendingBytes -= len(seg.data)
				delete(s.pending, start)
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}
	if len(s.pending) == 0 {
		s.gapSince = time.Time{}
	} else {
		s.gapSince = now
	}
	return out
}

func (s *stream) dropPending() {
	s.pending = make(map[uint32]*segment)
	s.pendingBytes = 0
	s.gapSince = time.Time{}
}
