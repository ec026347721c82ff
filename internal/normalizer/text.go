package normalizer

import (
	"strings"
	"unicode"

	"github.com/charmbracelet/x/ansi"
)

var errorMarkers = []string{"error", "unrecognized", "incomplete", "ambiguous", "failed", "^"}

// ApplyBackspaces applies \b and DEL to s
func ApplyBackspaces(s string) string {
	return applyBackspaces("", s)
}

// applyBackspaces appends text to buf, letting \b and DEL erase the previous
// character. A line terminator is never erased and an empty buffer is left as is.
func applyBackspaces(buf, text string) string {
	if !strings.ContainsAny(text, "\b\x7f") {
		return buf + text
	}

	runes := []rune(buf)
	for _, r := range text {
		if r == '\b' || r == 0x7f {
			if n := len(runes); n > 0 && runes[n-1] != '\n' && runes[n-1] != '\r' {
				runes = runes[:n-1]
			}
			continue
		}
		runes = append(runes, r)
	}
	return string(runes)
}

// CleanLine strips escape sequences and control characters, collapses
// whitespace runs to a single space and trims the result.
func CleanLine(s string) string {
	if s == "" {
		return ""
	}
	s = ansi.Strip(s)

	s = strings.Map(func(r rune) rune {
		switch {
		case r == '\t':
			return ' '
		case unicode.IsControl(r):
			return -1
		}
		return r
	}, s)

	return strings.Join(strings.Fields(s), " ")
}

// IsPrompt reports whether a cleaned line looks like a device prompt
func IsPrompt(s string) bool {
	if s == "" {
		return false
	}
	if strings.HasPrefix(s, "<") && strings.HasSuffix(s, ">") {
		return true
	}
	if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
		return true
	}
	return strings.HasSuffix(s, "#") || strings.HasSuffix(s, ">")
}

// HasErrorMarker reports whether s carries an error indication
func HasErrorMarker(s string) bool {
	lower := strings.ToLower(s)
	for _, m := range errorMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}
