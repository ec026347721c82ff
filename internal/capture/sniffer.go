package capture

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/google/gopacket/pcapgo"
	log "github.com/sirupsen/logrus"

	"github.com/iolloyd/consoletap/internal/conversation"
	"github.com/iolloyd/consoletap/internal/models"
	"github.com/iolloyd/consoletap/internal/reassembly"
)

const (
	DefaultSnaplen       = 65536
	DefaultProbeDuration = 2 * time.Second

	readTimeout   = 500 * time.Millisecond
	silenceWarn   = 10 * time.Second
	streamIdle    = 5 * time.Minute
	pruneInterval = 30 * time.Second
	gapInterval   = time.Second
)

var pcapngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

// SnifferConfig configures passive capture
type SnifferConfig struct {
	Interface     string
	Ports         []int
	AutoDetect    bool
	Snaplen       int
	ProbeDuration time.Duration
	// Clock is advanced to each packet's capture time. NewSniffer creates one
	// when nil.
	Clock         *PacketClock
}

// PacketClock reports the capture time of the packet being handled, or the
// wall clock before the first packet. A session manager fed by a sniffer uses
// its Now so replayed captures keep their original timing.
type PacketClock struct {
	ns atomic.Int64
}

// Now returns the current packet time
func (c *PacketClock) Now() time.Time {
	if ns := c.ns.Load(); ns != 0 {
		return time.Unix(0, ns)
	}
	return time.Now()
}

func (c *PacketClock) set(t time.Time) {
	c.ns.Store(t.UnixNano())
}

type packetSource interface {
	NextPacket() (gopacket.Packet, error)
}

// Sniffer reconstructs console sessions from captured packets
type Sniffer struct {
	cfg    SnifferConfig
	filter string
	sink   Sink
	conns  *conversation.Manager
	reasm  *reassembly.Reassembler
	stats  *trafficStats
	clock  *PacketClock

	mu      sync.Mutex
	iface   string
	handle  *pcap.Handle
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

// NewSniffer creates a sniffer delivering reassembled payload to sink
func NewSniffer(cfg SnifferConfig, sink Sink) *Sniffer {
	if cfg.Snaplen <= 0 {
		cfg.Snaplen = DefaultSnaplen
	}
	if cfg.ProbeDuration <= 0 {
		cfg.ProbeDuration = DefaultProbeDuration
	}
	if cfg.Clock == nil {
		cfg.Clock = &PacketClock{}
	}

	s := &Sniffer{
		cfg:    cfg,
		filter: BuildFilter(cfg.Ports, cfg.AutoDetect),
		sink:   sink,
		stats:  newTrafficStats("packets"),
		clock:  cfg.Clock,
	}
	s.conns = conversation.NewManager(s.isConsolePort)
	s.reasm = reassembly.New(reassembly.WithClock(s.clock.Now))
	return s
}

// Filter returns the BPF expression in use
func (s *Sniffer) Filter() string {
	return s.filter
}

// Interface returns the capture device, once started
func (s *Sniffer) Interface() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.iface
}

func (s *Sniffer) isConsolePort(port int) bool {
	ports := s.cfg.Ports
	if len(ports) == 0 {
		return port >= defaultPortMin && port <= defaultPortMax
	}
	if s.cfg.AutoDetect {
		low, high := ports[0], ports[0]
		for _, p := range ports {
			low, high = min(low, p), max(high, p)
		}
		return port >= low && port <= high
	}
	for _, p := range ports {
		if p == port {
			return true
		}
	}
	return false
}

// Start opens the live capture. Errors are capability errors: no device,
// insufficient privileges or a rejected filter.
func (s *Sniffer) Start(ctx context.Context) error {
	devs, err := ListInterfaces()
	if err != nil {
		return err
	}

	var probe func(context.Context, []string) map[string]int
	if s.cfg.AutoDetect {
		probe = Prober{Filter: s.filter, Snaplen: s.cfg.Snaplen, Duration: s.cfg.ProbeDuration}.Probe
	}
	iface, err := ResolveInterface(ctx, s.cfg.Interface, devs, probe)
	if err != nil {
		return err
	}

	log.Debugf("Opening packet capture on interface: %s", iface)
	handle, err := pcap.OpenLive(iface, int32(s.cfg.Snaplen), true, readTimeout)
	if err != nil {
		return fmt.Errorf("failed to open interface %s: %w", iface, err)
	}
	log.Debugf("Setting BPF filter: %s", s.filter)
	if err := handle.SetBPFFilter(s.filter); err != nil {
		handle.Close()
		return fmt.Errorf("failed to set BPF filter %q: %w", s.filter, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.iface = iface
	s.handle = handle
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	s.startMaintenance(ctx)
	go s.warnIfSilent(ctx, iface)

	src := gopacket.NewPacketSource(handle, handle.LinkType())
	go func() {
		defer close(s.done)
		log.WithFields(log.Fields{"interface": iface, "filter": s.filter}).Info("Packet capture started")
		s.run(ctx, src, time.Now)
	}()
	return nil
}

// Replay feeds a pcap or pcapng stream through the same path as live capture
// and returns when the stream is exhausted.
func (s *Sniffer) Replay(ctx context.Context, r io.Reader) error {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return fmt.Errorf("read capture header: %w", err)
	}

	var src *gopacket.PacketSource
	if bytes.Equal(magic, pcapngMagic) {
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return fmt.Errorf("open pcapng: %w", err)
		}
		src = gopacket.NewPacketSource(ng, ng.LinkType())
	} else {
		pr, err := pcapgo.NewReader(br)
		if err != nil {
			return fmt.Errorf("open pcap: %w", err)
		}
		src = gopacket.NewPacketSource(pr, pr.LinkType())
	}

	s.run(ctx, src, s.clock.Now)
	// the capture is over, nothing will fill the remaining gaps
	s.deliverChunks(s.reasm.FlushPending())
	return ctx.Err()
}

// run handles packets until src is exhausted. Gaps are expired against now,
// the wall clock for live capture and the packet clock for a replay.
func (s *Sniffer) run(ctx context.Context, src packetSource, now func() time.Time) {
	var checked time.Time
	for ctx.Err() == nil {
		packet, err := src.NextPacket()
		switch {
		case err == nil:
			s.HandlePacket(packet)
		case errors.Is(err, pcap.NextErrorTimeoutExpired):
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return
		default:
			log.Errorf("Packet capture stopped: %v", err)
			return
		}

		if t := now(); t.Sub(checked) >= gapInterval {
			checked = t
			s.deliverChunks(s.reasm.ExpireGaps(t))
		}
	}
}

// HandlePacket classifies one packet and delivers any newly contiguous payload
func (s *Sniffer) HandlePacket(packet gopacket.Packet) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Recovered while handling packet: %v", r)
		}
	}()

	s.stats.observe(len(packet.Data()))

	ts := time.Now()
	if md := packet.Metadata(); md != nil && !md.Timestamp.IsZero() {
		ts = md.Timestamp
	}
	s.clock.set(ts)

	tcp, ok := packet.Layer(layers.LayerTypeTCP).(*layers.TCP)
	if !ok {
		return
	}
	s.stats.observeTCP()

	var srcIP, dstIP string
	switch ip := packet.NetworkLayer().(type) {
	case *layers.IPv4:
		srcIP, dstIP = ip.SrcIP.String(), ip.DstIP.String()
	case *layers.IPv6:
		srcIP, dstIP = ip.SrcIP.String(), ip.DstIP.String()
	default:
		return
	}

	cls, ok := s.conns.Observe(conversation.Segment{
		Key: models.ConnectionKey{
			SrcIP:   srcIP,
			SrcPort: uint16(tcp.SrcPort),
			DstIP:   dstIP,
			DstPort: uint16(tcp.DstPort),
		},
		SYN:       tcp.SYN,
		ACK:       tcp.ACK,
		FIN:       tcp.FIN,
		RST:       tcp.RST,
		Payload:   tcp.Payload,
		Size:      len(packet.Data()),
		Timestamp: ts,
	})
	if !ok {
		return
	}
	s.stats.observeConsole()

	key := reassembly.Key{
		Port:      cls.Port,
		SrcPort:   uint16(tcp.SrcPort),
		DstPort:   uint16(tcp.DstPort),
		Direction: cls.Direction,
	}
	if tcp.SYN {
		s.reasm.Init(key, tcp.Seq)
	}
	if len(tcp.Payload) > 0 {
		if data := s.reasm.Consume(key, tcp.Seq, tcp.Payload); len(data) > 0 {
			s.deliver(cls.Port, cls.Direction, data)
		}
	}

	switch {
	case tcp.RST:
		s.reasm.Forget(key)
		s.reasm.Forget(reverseKey(key))
	case tcp.FIN:
		s.reasm.Forget(key)
	}
}

func reverseKey(k reassembly.Key) reassembly.Key {
	dir := models.DirectionIncoming
	if k.Direction == models.DirectionIncoming {
		dir = models.DirectionOutgoing
	}
	return reassembly.Key{Port: k.Port, SrcPort: k.DstPort, DstPort: k.SrcPort, Direction: dir}
}

func (s *Sniffer) deliver(port int, dir models.Direction, data []byte) {
	err := s.sink.Deliver(port, dir, data)
	s.stats.deliveryResult(len(data), err)
	if err != nil {
		log.WithFields(log.Fields{"port": port, "direction": dir}).Warnf("Dropped console bytes: %v", err)
	}
}

func (s *Sniffer) deliverChunks(chunks []reassembly.Chunk) {
	for _, c := range chunks {
		s.deliver(c.Key.Port, c.Key.Direction, c.Data)
	}
}

func (s *Sniffer) startMaintenance(ctx context.Context) {
	s.conns.StartCleanupRoutine(ctx)
	go func() {
		ticker := time.NewTicker(pruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.reasm.Prune(streamIdle); n > 0 {
					log.Debugf("Pruned %d idle streams", n)
				}
			}
		}
	}()
}

func (s *Sniffer) warnIfSilent(ctx context.Context, iface string) {
	timer := time.NewTimer(silenceWarn)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	if s.stats.total() == 0 {
		log.Warnf("No packets captured after %s on interface %s", silenceWarn, iface)
		log.Warn("Possible issues:")
		log.Warn("  - Wrong interface (use 'consoletap interfaces' to see available interfaces)")
		log.Warn("  - No console traffic on the configured ports")
		log.Warn("  - Insufficient permissions (run with sudo or install Npcap)")
		log.Warnf("  - BPF filter too restrictive: %s", s.filter)
	} else {
		log.WithField("interface", iface).Info("Successfully capturing packets")
	}
}

// Stop ends the capture and releases the device
func (s *Sniffer) Stop() error {
	s.mu.Lock()
	if s.stopped || s.cancel == nil {
		s.stopped = true
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	cancel, done, handle := s.cancel, s.done, s.handle
	s.mu.Unlock()

	cancel()
	<-done
	handle.Close()
	log.Info("Packet capture stopped")
	return nil
}

// Stats returns capture, connection and reassembly statistics
func (s *Sniffer) Stats() map[string]interface{} {
	stats := s.stats.snapshot()
	rs := s.reasm.Stats()
	stats["connections"] = s.conns.Len()
	stats["streams"] = s.reasm.Len()
	stats["retransmits"] = rs.Retransmits
	stats["overlap_trims"] = rs.OverlapTrims
	stats["resyncs"] = rs.Resyncs
	stats["evictions"] = rs.Evictions
	return stats
}
