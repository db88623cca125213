package transcribe

// ring keeps the most recent n bytes of audio.
type ring struct {
	buf []byte
	n   int
}

func newRing(n int) *ring {
	return &ring{n: n}
}

func (r *ring) write(p []byte) {
	if r.n <= 0 {
		return
	}
	r.buf = append(r.buf, p...)
	if over := len(r.buf) - r.n; over > 0 {
		// Keep whole samples.
		over += over % 2
		r.buf = append(r.buf[:0], r.buf[over:]...)
	}
}

func (r *ring) bytes() []byte { return r.buf }

func (r *ring) reset() { r.buf = r.buf[:0] }
