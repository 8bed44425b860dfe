package pool

import (
	"math/bits"
	"sync"
)

const (
	minClassBits = 6  // 64 bytes
	maxClassBits = 20 // 1 MiB
	numClasses   = maxClassBits - minClassBits + 1
)

var classes [numClasses]sync.Pool

func init() {
	for i := range classes {
		size := 1 << (i + minClassBits)
		classes[i].New = func() any {
			b := make([]byte, 0, size)
			return &b
		}
	}
}

func classOf(n int) int {
	if n <= 1<<minClassBits {
		return 0
	}
	return bits.Len(uint(n-1)) - minClassBits
}

// Get returns a zero-length slice with capacity of at least n.
// Slices larger than the biggest size class are allocated directly.
func Get(n int) []byte {
	c := classOf(n)
	if c >= numClasses {
		return make([]byte, 0, n)
	}
	bp := classes[c].Get().(*[]byte)
	return (*bp)[:0]
}

// Put returns b to the pool. Slices whose capacity is not an exact
// size class are dropped.
func Put(b []byte) {
	cp := cap(b)
	if cp < 1<<minClassBits || cp&(cp-1) != 0 {
		return
	}
	c := classOf(cp)
	if c >= numClasses {
		return
	}
	b = b[:0]
	classes[c].Put(&b)
}
