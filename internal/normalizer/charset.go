package normalizer

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/transform"
)

// charset turns console bytes into text, carrying an incomplete multi-byte
// sequence over to the next chunk.
type charset struct {
	enc encoding.Encoding // nil means UTF-8
}

func newCharset(name string) (*charset, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, "utf-8") || strings.EqualFold(name, "utf8") {
		return &charset{}, nil
	}
	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil {
		return nil, fmt.Errorf("unknown encoding %q: %w", name, err)
	}
	if enc == nil {
		return nil, fmt.Errorf("encoding %q is not supported", name)
	}
	return &charset{enc: enc}, nil
}

// decode returns the text for b and the trailing bytes that must wait for more input
func (c *charset) decode(b []byte) (string, []byte) {
	if c.enc == nil {
		cut := incompleteUTF8Tail(b)
		text := strings.ToValidUTF8(string(b[:len(b)-cut]), "\uFFFD")
		return text, append([]byte(nil), b[len(b)-cut:]...)
	}

	t := c.enc.NewDecoder()
	dst := make([]byte, 4*len(b)+16)
	var out []byte
	src := b
	for len(src) > 0 {
		nDst, nSrc, err := t.Transform(dst, src, false)
		out = append(out, dst[:nDst]...)
		src = src[nSrc:]
		if errors.Is(err, transform.ErrShortDst) && nDst > 0 {
			continue
		}
		if err != nil && !errors.Is(err, transform.ErrShortSrc) {
			out = append(out, "\uFFFD"...)
			src = nil
		}
		break
	}
	return string(out), append([]byte(nil), src...)
}

// incompleteUTF8Tail returns how many trailing bytes of b start a multi-byte
// sequence that is not complete yet
func incompleteUTF8Tail(b []byte) int {
	for i := 1; i <= 3 && i <= len(b); i++ {
		c := b[len(b)-i]
		if c&0xC0 == 0x80 {
			continue
		}
		need := 1
		switch {
		case c&0xE0 == 0xC0:
			need = 2
		case c&0xF0 == 0xE0:
			need = 3
		case c&0xF8 == 0xF0:
			need = 4
		}
		if need > i {
			return i
		}
		return 0
	}
	return 0
}
