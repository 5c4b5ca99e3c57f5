package network

// RingBuffer keeps the most recent bytes written to it, silently
// overwriting the oldest once full. It is not safe for concurrent use.
type RingBuffer struct {
	buf   []byte
	start int
	size  int
}

// NewRingBuffer creates a ring buffer holding up to capacity bytes.
func NewRingBuffer(capacity int) *RingBuffer {
	return &RingBuffer{buf: make([]byte, max(capacity, 0))}
}

// Len returns the number of retained bytes.
func (r *RingBuffer) Len() int { return r.size }

// Cap returns the capacity.
func (r *RingBuffer) Cap() int { return len(r.buf) }

// Write appends p, dropping the oldest bytes on overflow.
func (r *RingBuffer) Write(p []byte) {
	c := len(r.buf)
	if c == 0 || len(p) == 0 {
		return
	}
	if len(p) >= c {
		copy(r.buf, p[len(p)-c:])
		r.start, r.size = 0, c
		return
	}

	end := (r.start + r.size) % c
	n := copy(r.buf[end:], p)
	copy(r.buf, p[n:])

	r.size += len(p)
	if r.size > c {
		r.start = (r.start + r.size - c) % c
		r.size = c
	}
}

// Peek returns a copy of the n most recent bytes in arrival order. A
// negative n or one larger than Len returns everything.
func (r *RingBuffer) Peek(n int) []byte {
	if n < 0 || n > r.size {
		n = r.size
	}
	out := make([]byte, n)
	if n == 0 {
		return out
	}
	from := (r.start + r.size - n) % len(r.buf)
	m := copy(out, r.buf[from:])
	if m < n {
		copy(out[m:], r.buf[:n-m])
	}
	return out
}

// Consume drops up to n of the oldest bytes and returns how many were
// dropped.
func (r *RingBuffer) Consume(n int) int {
	if n <= 0 || r.size == 0 {
		return 0
	}
	if n > r.size {
		n = r.size
	}
	r.start = (r.start + n) % len(r.buf)
	r.size -= n
	if r.size == 0 {
		r.start = 0
	}
	return n
}

// Reset drops every retained byte.
func (r *RingBuffer) Reset() {
	r.start, r.size = 0, 0
}
