package capture

import (
	"sync/atomic"
	"time"
)

// trafficStats counts what a source has seen. The unit is "packets" for the
// sniffer and "chunks" for the proxy relay.
type trafficStats struct {
	unit      string
	started   time.Time
	seen      atomic.Uint64
	bytes     atomic.Uint64
	tcp       atomic.Uint64
	console   atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
	last      atomic.Int64 // unix nanos of the last unit seen
}

func newTrafficStats(unit string) *trafficStats {
	return &trafficStats{unit: unit, started: time.Now()}
}

// observe records one packet or chunk of n bytes
func (ts *trafficStats) observe(n int) {
	ts.seen.Add(1)
	ts.bytes.Add(uint64(n))
	ts.last.Store(time.Now().UnixNano())
}

func (ts *trafficStats) observeTCP() { ts.tcp.Add(1) }
func (ts *trafficStats) observeConsole() { ts.console.Add(1) }

// deliveryResult counts n bytes the pipeline accepted, or one rejection
func (ts *trafficStats) deliveryResult(n int, err error) {
	if err != nil {
		ts.failed.Add(1)
		return
	}
	ts.delivered.Add(uint64(n))
}

func (ts *trafficStats) total() uint64 {
	return ts.seen.Load()
}

// snapshot renders the counters for Stats()
func (ts *trafficStats) snapshot() map[string]interface{} {
	uptime := time.Since(ts.started).Seconds()
	seen := ts.seen.Load()

	stats := map[string]interface{}{
		"uptime_seconds":    uptime,
		"total_bytes":       ts.bytes.Load(),
		"delivered_bytes":   ts.delivered.Load(),
		"failed_deliveries": ts.failed.Load(),
	}
	stats["total_"+ts.unit] = seen
	stats[ts.unit+"_per_second"] = float64(seen) / uptime
	stats["last_"+ts.unit+"_at"] = "never"
	if ts.unit == "packets" {
		stats["tcp_packets"] = ts.tcp.Load()
		stats["console_packets"] = ts.console.Load()
	}
	if ns := ts.last.Load(); ns != 0 {
		stats["last_"+ts.unit+"_at"] = time.Unix(0, ns).Format(time.RFC3339)
	}
	return stats
}
