package normalizer

import (
	"regexp"
	"strings"
)

var hostnamePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^<([^<>\s]+)>`),                   // <R1>
	regexp.MustCompile(`^\[[~*]*([^\[\]\s~*]+)\]`),        // [R1], [~R1]
	regexp.MustCompile(`^([A-Za-z][A-Za-z0-9_.\-]*)[#>]`), // R1# or R1>
}

var excludedHostnames = map[string]struct{}{
	"huawei":  {},
	"system":  {},
	"config":  {},
	"user":    {},
	"info":    {},
	"warning": {},
	"error":   {},
	"debug":   {},
	"display": {},
	"show":    {},
}

// DetectHostname extracts a device name from a prompt at the start of line
func DetectHostname(line string) (string, bool) {
	line = strings.TrimSpace(line)
	for _, p := range hostnamePatterns {
		m := p.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		name, ok := baseName(m[1])
		if !ok {
			return "", false
		}
		if _, excluded := excludedHostnames[strings.ToLower(name)]; excluded {
			return "", false
		}
		return name, true
	}
	return "", false
}

// baseName strips the view from an interface-view prompt such as
// [R1-GigabitEthernet0/0/0], leaving R1. A name with a path separator and no
// view to strip is rejected.
func baseName(name string) (string, bool) {
	i := strings.IndexAny(name, `/\`)
	if i < 0 {
		return name, true
	}
	j := strings.LastIndexByte(name[:i], '-')
	if j <= 0 {
		return "", false
	}
	return name[:j], true
}

// preferHostname decides whether candidate should replace current. Longer names
// win, except a view prompt such as [R1-GigabitEthernet0/0/0] that only extends
// the current name.
func preferHostname(current string, named bool, candidate string) bool {
	if candidate == "" || candidate == current {
		return false
	}
	if !named {
		return true
	}
	if strings.HasPrefix(candidate, current+"-") {
		return false
	}
	return len(candidate) > len(current)
}
