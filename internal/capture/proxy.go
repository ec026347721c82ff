package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/iolloyd/consoletap/internal/models"
)

const (
	DefaultPortOffset  = 1000
	DefaultDialTimeout = 5 * time.Second
	relayBufferSize    = 4096
)

// ErrNoListeners is returned by Proxy.Start when no console port could be bound
var ErrNoListeners = errors.New("no proxy listener could be bound")

// ProxyConfig configures the relay
type ProxyConfig struct {
	Ports       []int
	TargetHost  string
	ListenHost  string
	Offset      int
	DialTimeout time.Duration
}

// Proxy relays client connections on port+offset to the console on port,
// mirroring both directions into a Sink.
type Proxy struct {
	cfg   ProxyConfig
	sink  Sink
	stats *trafficStats

	mu        sync.Mutex
	listeners map[int]net.Listener // console port -> listener
	sessions  map[string]*proxySession
	stopped   bool
	wg        sync.WaitGroup
}

type proxySession struct {
	id     string
	port   int
	client net.Conn
	target net.Conn
	once   sync.Once
}

func (s *proxySession) close() {
	s.once.Do(func() {
		s.client.Close()
		s.target.Close()
	})
}

// NewProxy creates a proxy delivering relayed bytes to sink
func NewProxy(cfg ProxyConfig, sink Sink) *Proxy {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	return &Proxy{
		cfg:       cfg,
		sink:      sink,
		stats:     newTrafficStats("chunks"),
		listeners: make(map[int]net.Listener),
		sessions:  make(map[string]*proxySession),
	}
}

// Start binds one listener per console port. A port that cannot be bound is
// logged and skipped.
func (p *Proxy) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, port := range p.cfg.Ports {
		addr := net.JoinHostPort(p.cfg.ListenHost, strconv.Itoa(port+p.cfg.Offset))
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			log.WithField("port", port).Errorf("Failed to listen on %s: %v", addr, err)
			continue
		}
		p.listeners[port] = ln
		log.WithFields(log.Fields{
			"listen": ln.Addr().String(),
			"target": net.JoinHostPort(p.cfg.TargetHost, strconv.Itoa(port)),
		}).Info("Proxy listening")

		p.wg.Add(1)
		go p.acceptLoop(ctx, port, ln)
	}

	if len(p.listeners) == 0 {
		return fmt.Errorf("%w: tried %d ports", ErrNoListeners, len(p.cfg.Ports))
	}

	go func() {
		<-ctx.Done()
		p.Stop()
	}()
	return nil
}

// ProxyPorts maps each bound proxy port to its console port
func (p *Proxy) ProxyPorts() map[int]int {
	p.mu.Lock()
	defer p.mu.Unlock()

	ports := make(map[int]int, len(p.listeners))
	for console, ln := range p.listeners {
		if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
			ports[tcpAddr.Port] = console
		}
	}
	return ports
}

func (p *Proxy) acceptLoop(ctx context.Context, port int, ln net.Listener) {
	defer p.wg.Done()

	for {
		client, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.WithField("port", port).Warnf("Accept failed: %v", err)
			continue
		}

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.handle(ctx, port, client)
		}()
	}
}

func (p *Proxy) handle(ctx context.Context, port int, client net.Conn) {
	id := uuid.New().String()
	entry := log.WithFields(log.Fields{"session": id, "port": port, "client": client.RemoteAddr().String()})

	targetAddr := net.JoinHostPort(p.cfg.TargetHost, strconv.Itoa(port))
	dialer := net.Dialer{Timeout: p.cfg.DialTimeout}
	target, err := dialer.DialContext(ctx, "tcp", targetAddr)
	if err != nil {
		entry.Errorf("Failed to connect to console %s: %v", targetAddr, err)
		client.Close()
		return
	}

	sess := &proxySession{id: id, port: port, client: client, target: target}
	if !p.track(sess) {
		sess.close()
		return
	}
	defer p.untrack(sess)
	entry.Info("Proxy session opened")

	var g errgroup.Group
	g.Go(func() error {
		defer sess.close()
		return p.relay(port, models.DirectionOutgoing, client, target)
	})
	g.Go(func() error {
		defer sess.close()
		return p.relay(port, models.DirectionIncoming, target, client)
	})

	if err := g.Wait(); err != nil {
		entry.Warnf("Proxy session ended: %v", err)
	} else {
		entry.Info("Proxy session closed")
	}

	if r, ok := p.sink.(sessionResetter); ok {
		r.ResetSession(port)
	}
}

// relay copies src to dst, mirroring every chunk into the sink first
func (p *Proxy) relay(port int, dir models.Direction, src, dst net.Conn) error {
	buf := make([]byte, relayBufferSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			p.stats.observe(n)

			derr := p.sink.Deliver(port, dir, chunk)
			p.stats.deliveryResult(n, derr)
			if derr != nil {
				return fmt.Errorf("%s transcript: %w", dir, derr)
			}

			if _, werr := dst.Write(chunk); werr != nil {
				if errors.Is(werr, net.ErrClosed) {
					return nil
				}
				return fmt.Errorf("%s write: %w", dir, werr)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("%s read: %w", dir, err)
		}
	}
}

func (p *Proxy) track(s *proxySession) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return false
	}
	p.sessions[s.id] = s
	return true
}

func (p *Proxy) untrack(s *proxySession) {
	p.mu.Lock()
	delete(p.sessions, s.id)
	p.mu.Unlock()
}

// Sessions returns the number of live relay sessions
func (p *Proxy) Sessions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Stop closes the listeners and live sessions and waits for the relays to finish
func (p *Proxy) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true

	var firstErr error
	for port, ln := range p.listeners {
		if err := ln.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close listener for port %d: %w", port, err)
		}
	}
	for _, s := range p.sessions {
		s.close()
	}
	p.mu.Unlock()

	p.wg.Wait()
	log.Info("Proxy stopped")
	return firstErr
}

// Stats returns relay statistics
func (p *Proxy) Stats() map[string]interface{} {
	stats := p.stats.snapshot()
	stats["listeners"] = len(p.ProxyPorts())
	stats["sessions"] = p.Sessions()
	return stats
}
