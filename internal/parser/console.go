// Package parser recognises console traffic from payload content alone.
package parser

import (
	"bytes"

	"github.com/iolloyd/consoletap/internal/telnet"
)

// markers only a device prints
var deviceMarkers = [][]byte{
	[]byte("Error:"),
	[]byte("Info:"),
	[]byte("Warning:"),
	[]byte("---- More ----"),
	[]byte("--More--"),
	[]byte("Username:"),
	[]byte("Password:"),
	[]byte("login:"),
	[]byte("Login authentication"),
	[]byte("User interface"),
	[]byte("Press ENTER to get started"),
	[]byte("Huawei Versatile Routing Platform"),
}

// LooksLikeDeviceOutput reports whether payload reads like something a console
// server sent: a known banner or message marker, or a line ending in a prompt.
func LooksLikeDeviceOutput(payload []byte) bool {
	text := telnet.StripAll(payload)
	if len(text) == 0 {
		return false
	}

	for _, m := range deviceMarkers {
		if bytes.Contains(text, m) {
			return true
		}
	}

	return endsWithPrompt(text)
}

// endsWithPrompt checks the last non-empty line for <name>, [name] or name#
func endsWithPrompt(text []byte) bool {
	lines := bytes.FieldsFunc(text, func(r rune) bool { return r == '\r' || r == '\n' })
	if len(lines) == 0 {
		return false
	}
	last := bytes.TrimSpace(lines[len(lines)-1])
	if len(last) < 2 {
		return false
	}

	first, end := last[0], last[len(last)-1]
	switch {
	case first == '<' && end == '>':
		return true
	case first == '[' && end == ']':
		return true
	case end == '#' && isNameByte(first):
		return true
	}
	return false
}

func isNameByte(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}
