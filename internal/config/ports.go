package config

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/samber/lo"
)

const (
	ProfileStandard = "standard"
	ProfileExtended = "extended"
	ProfileLab      = "lab"
	ProfileCustom   = "custom"

	DefaultPorts = "2000-2004"

	maxRangeSize = 1024
)

// ErrInvalidPortSpec is returned for malformed port lists
var ErrInvalidPortSpec = errors.New("invalid port spec")

// Profile is a named console port layout
type Profile struct {
	Name       string
	Ports      string
	AutoDetect bool
}

var profiles = map[string]Profile{
	ProfileStandard: {Name: ProfileStandard, Ports: "2000-2004", AutoDetect: true},
	ProfileExtended: {Name: ProfileExtended, Ports: "2000-2010", AutoDetect: true},
	ProfileLab:      {Name: ProfileLab, Ports: "2000-2020", AutoDetect: true},
	ProfileCustom:   {Name: ProfileCustom, AutoDetect: false},
}

// Profiles returns the known profiles sorted by name
func Profiles() []Profile {
	list := lo.Values(profiles)
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list
}

// LookupProfile returns the named profile
func LookupProfile(name string) (Profile, bool) {
	p, ok := profiles[strings.ToLower(strings.TrimSpace(name))]
	return p, ok
}

// ParsePorts parses "2000-2004", "2000,2001,2005" or mixed "2000-2002,2010"
// into a sorted set of ports.
func ParsePorts(spec string) ([]int, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidPortSpec)
	}

	var ports []int
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, fmt.Errorf("%w: empty element in %q", ErrInvalidPortSpec, spec)
		}

		lowStr, highStr, isRange := strings.Cut(part, "-")
		low, err := parsePort(lowStr)
		if err != nil {
			return nil, err
		}
		if !isRange {
			ports = append(ports, low)
			continue
		}

		high, err := parsePort(highStr)
		if err != nil {
			return nil, err
		}
		if high < low {
			return nil, fmt.Errorf("%w: range %q is reversed", ErrInvalidPortSpec, part)
		}
		if high-low >= maxRangeSize {
			return nil, fmt.Errorf("%w: range %q spans more than %d ports", ErrInvalidPortSpec, part, maxRangeSize)
		}
		ports = append(ports, lo.RangeFrom(low, high-low+1)...)
	}

	ports = lo.Uniq(ports)
	sort.Ints(ports)
	return ports, nil
}

func parsePort(s string) (int, error) {
	s = strings.TrimSpace(s)
	port, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a number", ErrInvalidPortSpec, s)
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("%w: port %d out of range", ErrInvalidPortSpec, port)
	}
	return port, nil
}

// ResolvePorts applies the profile to the configured port range. The explicit
// range wins unless it is the standard default and another profile is chosen;
// the custom profile always uses the explicit range without auto-detection.
func (c CaptureConfig) ResolvePorts() (ports []int, autoDetect bool, err error) {
	profile, ok := LookupProfile(c.Profile)
	if !ok {
		return nil, false, fmt.Errorf("unknown capture profile %q", c.Profile)
	}

	spec := strings.TrimSpace(c.Ports)
	switch {
	case profile.Name == ProfileCustom:
		autoDetect = false
	case spec == "" || (spec == DefaultPorts && profile.Name != ProfileStandard):
		spec = profile.Ports
		autoDetect = c.AutoDetect
	default:
		autoDetect = c.AutoDetect
	}

	ports, err = ParsePorts(spec)
	if err != nil {
		return nil, false, err
	}
	return ports, autoDetect, nil
}
