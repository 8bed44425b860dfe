package header

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

var ErrMalformed = errors.New("malformed header block")

// Decode parses a header block received from the server. declaredLen is the
// header length announced by the HMSG control line and must match the block.
// Lines that are not name:value pairs are kept as names with an empty value.
func Decode(block []byte, declaredLen int) (*Header, *Status, error) {
	if len(block) != declaredLen {
		return nil, nil, fmt.Errorf("declared %d bytes, got %d: %w", declaredLen, len(block), ErrMalformed)
	}

	rest := block
	line, rest := nextLine(rest)
	if !bytes.HasPrefix(line, []byte("NATS/")) {
		return nil, nil, fmt.Errorf("version line %q: %w", line, ErrMalformed)
	}

	status, err := parseStatusLine(line)
	if err != nil {
		return nil, nil, err
	}

	h := New()
	for len(rest) > 0 {
		line, rest = nextLine(rest)
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		i := bytes.IndexByte(line, ':')
		if i <= 0 {
			h.appendRaw(string(bytes.TrimSpace(line)), "")
			continue
		}
		name := string(bytes.TrimSpace(line[:i]))
		value := string(bytes.TrimSpace(line[i+1:]))
		h.appendRaw(name, value)
	}

	h.serialized = append([]byte(nil), block...)
	h.cached = true

	return h, status, nil
}

func nextLine(b []byte) (line, rest []byte) {
	i := bytes.IndexByte(b, '\n')
	if i < 0 {
		return bytes.TrimSuffix(b, []byte("\r")), nil
	}
	return bytes.TrimSuffix(b[:i], []byte("\r")), b[i+1:]
}

func parseStatusLine(line []byte) (*Status, error) {
	if bytes.IndexByte(line, ':') >= 0 {
		return nil, nil
	}

	sp := bytes.IndexByte(line, ' ')
	if sp < 0 {
		return nil, nil
	}
	rest := bytes.TrimSpace(line[sp+1:])
	if len(rest) == 0 {
		return nil, nil
	}

	codeEnd := bytes.IndexByte(rest, ' ')
	if codeEnd < 0 {
		codeEnd = len(rest)
	}
	code, err := strconv.Atoi(string(rest[:codeEnd]))
	if err != nil {
		return nil, fmt.Errorf("status code %q: %w", rest[:codeEnd], ErrMalformed)
	}

	return &Status{
		Code:        code,
		Description: string(bytes.TrimSpace(rest[codeEnd:])),
	}, nil
}

// appendRaw adds a decoded pair without validation so nothing the server
// sent is lost.
func (h *Header) appendRaw(name, value string) {
	if _, ok := h.vals[name]; !ok {
		h.keys = append(h.keys, name)
	}
	h.vals[name] = append(h.vals[name], value)
}
