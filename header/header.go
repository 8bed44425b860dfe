// Package header implements NATS message headers: an ordered, case-sensitive
// multi-map with a lazily computed wire serialization, plus the decoder for
// header blocks received from the server.
package header

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ValerySidorin/natsflow/internal/bab"
)

const (
	Version = "NATS/1.0"

	crlf = "\r\n"
)

var (
	ErrInvalidName  = errors.New("invalid header name")
	ErrInvalidValue = errors.New("invalid header value")
)

// Header is not safe for concurrent mutation.
type Header struct {
	keys []string
	vals map[string][]string

	serialized []byte
	cached     bool
	gen        uint64
}

func New() *Header {
	return &Header{
		vals: make(map[string][]string),
	}
}

// Add appends values to name, keeping the position of name if it is
// already present.
func (h *Header) Add(name string, values ...string) error {
	if err := validate(name, values); err != nil {
		return err
	}
	if len(values) == 0 {
		return nil
	}

	h.init()
	if _, ok := h.vals[name]; !ok {
		h.keys = append(h.keys, name)
	}
	h.vals[name] = append(h.vals[name], values...)
	h.touch()
	return nil
}

// Set replaces all values of name.
func (h *Header) Set(name string, values ...string) error {
	if err := validate(name, values); err != nil {
		return err
	}

	h.init()
	if len(values) == 0 {
		h.Remove(name)
		return nil
	}
	if _, ok := h.vals[name]; !ok {
		h.keys = append(h.keys, name)
	}
	h.vals[name] = append([]string(nil), values...)
	h.touch()
	return nil
}

func (h *Header) Remove(names ...string) {
	for _, name := range names {
		if _, ok := h.vals[name]; !ok {
			continue
		}
		delete(h.vals, name)
		for i, k := range h.keys {
			if k == name {
				h.keys = append(h.keys[:i], h.keys[i+1:]...)
				break
			}
		}
	}
	h.touch()
}

func (h *Header) Clear() {
	h.keys = nil
	h.vals = make(map[string][]string)
	h.touch()
}

// Get returns the first value of name.
func (h *Header) Get(name string) string {
	if h == nil {
		return ""
	}
	if v := h.vals[name]; len(v) > 0 {
		return v[0]
	}
	return ""
}

func (h *Header) Values(name string) []string {
	if h == nil {
		return nil
	}
	return h.vals[name]
}

// Keys returns names in insertion order.
func (h *Header) Keys() []string {
	if h == nil {
		return nil
	}
	return append([]string(nil), h.keys...)
}

func (h *Header) Len() int {
	if h == nil {
		return 0
	}
	return len(h.keys)
}

func (h *Header) IsEmpty() bool {
	return h.Len() == 0
}

func (h *Header) IsDirty() bool {
	return !h.cached
}

// Generation changes on every mutation. Owners compare it to detect
// that a cached encoding built from this header is stale.
func (h *Header) Generation() uint64 {
	return h.gen
}

func (h *Header) SerializedLength() int {
	return len(h.SerializedBytes())
}

// SerializedBytes returns the wire form, recomputing it only when the
// header changed since the last call. The result must not be modified.
func (h *Header) SerializedBytes() []byte {
	if h.cached {
		return h.serialized
	}

	size := len(Version) + 2*len(crlf)
	for _, k := range h.keys {
		for _, v := range h.vals[k] {
			size += len(k) + 1 + len(v) + len(crlf)
		}
	}

	b := bab.New(size)
	b.AppendString(Version).AppendString(crlf)
	for _, k := range h.keys {
		for _, v := range h.vals[k] {
			b.AppendString(k).AppendByte(':').AppendString(v).AppendString(crlf)
		}
	}
	b.AppendString(crlf)

	h.serialized = b.Bytes()
	h.cached = true
	return h.serialized
}

func (h *Header) String() string {
	if h == nil {
		return ""
	}
	var sb strings.Builder
	for i, k := range h.keys {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(k)
		sb.WriteString("=")
		sb.WriteString(strings.Join(h.vals[k], ","))
	}
	return sb.String()
}

func (h *Header) init() {
	if h.vals == nil {
		h.vals = make(map[string][]string)
	}
}

func (h *Header) touch() {
	h.cached = false
	h.gen++
}

func validate(name string, values []string) error {
	if name == "" {
		return fmt.Errorf("empty name: %w", ErrInvalidName)
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c <= ' ' || c == ':' || c > '~' {
			return fmt.Errorf("%q: %w", name, ErrInvalidName)
		}
	}
	for _, v := range values {
		if strings.ContainsAny(v, "\r\n") {
			return fmt.Errorf("%q: %w", v, ErrInvalidValue)
		}
	}
	return nil
}
