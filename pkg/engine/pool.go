package engine

import "sync"

// Write buffers come from size-classed pools. Only buffers whose capacity
// matches a class are returned.
const (
	bufSmall = 2048
	bufLarge = 16384
)

var (
	poolSmall = sync.Pool{New: func() any { b := make([]byte, bufSmall); return &b }}
	poolLarge = sync.Pool{New: func() any { b := make([]byte, bufLarge); return &b }}
)

func getBuf(n int) []byte {
	switch {
	case n <= bufSmall:
		p := poolSmall.Get().(*[]byte)
		return (*p)[:n]
	case n <= bufLarge:
		p := poolLarge.Get().(*[]byte)
		return (*p)[:n]
	default:
		return make([]byte, n)
	}
}

func putBuf(b []byte) {
	switch cap(b) {
	case bufSmall:
		b = b[:bufSmall]
		poolSmall.Put(&b)
	case bufLarge:
		b = b[:bufLarge]
		poolLarge.Put(&b)
	}
}
