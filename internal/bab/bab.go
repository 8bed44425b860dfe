// Package bab implements an append-only byte accumulator used to build
// protocol lines without intermediate string concatenation.
package bab

import "strconv"

const defaultSize = 32

type Builder struct {
	buf []byte
}

// New returns a Builder whose buffer is sized to initial bytes.
func New(initial int) *Builder {
	if initial <= 0 {
		initial = defaultSize
	}
	return &Builder{buf: make([]byte, 0, initial)}
}

func (b *Builder) grow(n int) {
	if len(b.buf)+n <= cap(b.buf) {
		return
	}
	c := cap(b.buf)
	if c == 0 {
		c = defaultSize
	}
	for c < len(b.buf)+n {
		c *= 2
	}
	nb := make([]byte, len(b.buf), c)
	copy(nb, b.buf)
	b.buf = nb
}

func (b *Builder) Append(p []byte) *Builder {
	b.grow(len(p))
	b.buf = append(b.buf, p...)
	return b
}

func (b *Builder) AppendString(s string) *Builder {
	b.grow(len(s))
	b.buf = append(b.buf, s...)
	return b
}

func (b *Builder) AppendByte(c byte) *Builder {
	b.grow(1)
	b.buf = append(b.buf, c)
	return b
}

// AppendInt appends the base 10 ASCII form of n.
func (b *Builder) AppendInt(n int) *Builder {
	var tmp [20]byte
	return b.Append(strconv.AppendInt(tmp[:0], int64(n), 10))
}

func (b *Builder) Len() int {
	return len(b.buf)
}

func (b *Builder) Cap() int {
	return cap(b.buf)
}

// Bytes returns the accumulated bytes. The slice aliases the builder
// buffer until the next Append or Reset.
func (b *Builder) Bytes() []byte {
	return b.buf
}

func (b *Builder) Reset() {
	b.buf = b.buf[:0]
}
