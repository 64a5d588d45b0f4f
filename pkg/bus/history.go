package bus

import "sync"

// ring keeps the most recent messages; the oldest is overwritten first.
type ring struct {
	mu    sync.Mutex
	buf   []Message
	start int
	size  int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Message, capacity)}
}

func (r *ring) add(m Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = m
		r.size++
		return
	}
	r.buf[r.start] = m
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) last(limit int) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit <= 0 || limit > r.size {
		limit = r.size
	}
	out := make([]Message, 0, limit)
	for i := r.size - limit; i < r.size; i++ {
		out = append(out, r.buf[(r.start+i)%len(r.buf)])
	}
	return out
}

func (r *ring) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}
