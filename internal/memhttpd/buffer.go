package memhttpd

// cursorBuffer is a fixed-capacity byte buffer with a fill length and a consumed
// cursor. Bytes in [off, n) are pending; bytes in [n, cap) are free for appending.
type cursorBuffer struct {
	buf []byte
	n   int
	off int
}

func newCursorBuffer(size int) *cursorBuffer {
	return &cursorBuffer{buf: make([]byte, size)}
}

// cursorOver reads an existing slice without copying it. The slice must not be
// appended to.
func cursorOver(data []byte) *cursorBuffer {
	return &cursorBuffer{buf: data, n: len(data)}
}

// free returns the writable tail; commit the bytes placed there with fill.
func (b *cursorBuffer) free() []byte { return b.buf[b.n:] }

func (b *cursorBuffer) fill(n int) {
	if n < 0 || b.n+n > len(b.buf) {
		panic("cursorBuffer: fill out of range")
	}
	b.n += n
}

func (b *cursorBuffer) append(p []byte) int {
	n := copy(b.buf[b.n:], p)
	b.n += n
	return n
}

func (b *cursorBuffer) remaining() []byte { return b.buf[b.off:b.n] }

func (b *cursorBuffer) advance(n int) {
	if n < 0 || b.off+n > b.n {
		panic("cursorBuffer: advance out of range")
	}
	b.off += n
}

func (b *cursorBuffer) full() bool { return b.n == len(b.buf) }

func (b *cursorBuffer) reset() {
	b.n = 0
	b.off = 0
}

// compact moves the pending bytes to the front so the free tail is as large as possible.
func (b *cursorBuffer) compact() {
	if b.off == 0 {
		return
	}
	b.n = copy(b.buf, b.buf[b.off:b.n])
	b.off = 0
}
