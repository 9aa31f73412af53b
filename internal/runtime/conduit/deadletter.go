package conduit

import "time"

// Dead-letter reasons other than handler failures, which use the error text.
const (
	ReasonBackPressure = "back-pressure"
	ReasonTTLExpired   = "ttl-expired"
)

// DeadLetter records an envelope that could not be delivered.
type DeadLetter struct {
	Envelope Envelope  `json:"envelope"`
	Reason   string    `json:"reason"`
	DiedAt   time.Time `json:"died_at"`
}

// deadLetterRing keeps the newest capacity dead letters in arrival order.
type deadLetterRing struct {
	buf   []DeadLetter
	start int
	size  int
}

func newDeadLetterRing(capacity int) *deadLetterRing {
	return &deadLetterRing{buf: make([]DeadLetter, max(capacity, 1))}
}

// push appends dl and reports whether the oldest entry was evicted.
func (r *deadLetterRing) push(dl DeadLetter) bool {
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = dl
		r.size++
		return false
	}
	r.buf[r.start] = dl
	r.start = (r.start + 1) % len(r.buf)
	return true
}

func (r *deadLetterRing) snapshot() []DeadLetter {
	out := make([]DeadLetter, r.size)
	for i := range out {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

// take removes and returns the dead letter for envelope id.
func (r *deadLetterRing) take(id string) (DeadLetter, bool) {
	all := r.snapshot()
	for i, dl := range all {
		if dl.Envelope.ID != id {
			continue
		}
		r.reset()
		for j, keep := range all {
			if j != i {
				r.push(keep)
			}
		}
		return dl, true
	}
	return DeadLetter{}, false
}

func (r *deadLetterRing) reset() int {
	n := r.size
	clear(r.buf)
	r.start, r.size = 0, 0
	return n
}

func (r *deadLetterRing) len() int { return r.size }
