package capture

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/gopacket/pcap"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
)

const (
	defaultPortMin = 2000
	defaultPortMax = 2010
)

// ErrNoInterface is returned when no capture interface could be chosen
var ErrNoInterface = errors.New("no usable capture interface")

// BuildFilter returns the BPF expression for the console ports. With
// autoDetect the whole span of the set is captured.
func BuildFilter(ports []int, autoDetect bool) string {
	if autoDetect || len(ports) == 0 {
		low, high := defaultPortMin, defaultPortMax
		if len(ports) > 0 {
			low, high = lo.Min(ports), lo.Max(ports)
		}
		return fmt.Sprintf("tcp and (portrange %d-%d)", low, high)
	}

	clauses := lo.Map(lo.Uniq(ports), func(p int, _ int) string {
		return fmt.Sprintf("port %d", p)
	})
	return fmt.Sprintf("tcp and (%s)", strings.Join(clauses, " or "))
}

// ListInterfaces returns the capture devices known to libpcap
func ListInterfaces() ([]pcap.Interface, error) {
	devs, err := pcap.FindAllDevs()
	if err != nil {
		return nil, fmt.Errorf("list capture interfaces: %w", err)
	}
	return devs, nil
}

// isLoopback matches loopback adapters by name or description
func isLoopback(dev pcap.Interface) bool {
	name := strings.ToLower(dev.Name)
	desc := strings.ToLower(dev.Description)
	return name == "lo" || name == "lo0" || strings.Contains(name, "loopback") || strings.Contains(desc, "loopback")
}

// ResolveInterface picks the capture device. The preferred name (or
// description) wins when present; otherwise, with probing, the device that saw
// the most console packets; otherwise a loopback device.
func ResolveInterface(ctx context.Context, preferred string, devs []pcap.Interface, probe func(context.Context, []string) map[string]int) (string, error) {
	for _, dev := range devs {
		if dev.Name == preferred || (preferred != "" && dev.Description == preferred) {
			return dev.Name, nil
		}
	}

	if probe != nil && len(devs) > 0 {
		names := lo.Map(devs, func(d pcap.Interface, _ int) string { return d.Name })
		if name, ok := pickBusiest(probe(ctx, names)); ok {
			log.WithField("interface", name).Info("Selected capture interface by probing")
			return name, nil
		}
	}

	if dev, ok := lo.Find(devs, isLoopback); ok {
		log.WithField("interface", dev.Name).Infof("Interface %q not found, using loopback", preferred)
		return dev.Name, nil
	}

	return "", fmt.Errorf("%w: %q not found among %d devices", ErrNoInterface, preferred, len(devs))
}

// pickBusiest returns the interface with the most packets; ties break by name
func pickBusiest(counts map[string]int) (string, bool) {
	names := lo.Keys(counts)
	sort.Strings(names)

	best, bestCount := "", 0
	for _, name := range names {
		if counts[name] > bestCount {
			best, bestCount = name, counts[name]
		}
	}
	return best, bestCount > 0
}

// Prober counts matching packets on candidate interfaces for a short time
type Prober struct {
	Filter   string
	Snaplen  int
	Duration time.Duration
}

// Probe opens every candidate concurrently and counts packets passing the filter
func (p Prober) Probe(ctx context.Context, names []string) map[string]int {
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		counts = make(map[string]int, len(names))
	)

	ctx, cancel := context.WithTimeout(ctx, p.Duration)
	defer cancel()

	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			n := p.count(ctx, name)
			mu.Lock()
			counts[name] = n
			mu.Unlock()
		}(name)
	}
	wg.Wait()
	return counts
}

func (p Prober) count(ctx context.Context, name string) int {
	handle, err := pcap.OpenLive(name, int32(p.Snaplen), true, 100*time.Millisecond)
	if err != nil {
		log.WithField("interface", name).Debugf("Probe skipped: %v", err)
		return 0
	}
	defer handle.Close()

	if err := handle.SetBPFFilter(p.Filter); err != nil {
		log.WithField("interface", name).Debugf("Probe filter rejected: %v", err)
		return 0
	}

	n := 0
	for ctx.Err() == nil {
		_, _, err := handle.ReadPacketData()
		switch {
		case err == nil:
			n++
		case errors.Is(err, pcap.NextErrorTimeoutExpired):
		default:
			return n
		}
	}
	return n
}
