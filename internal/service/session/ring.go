package session

// defaultRingLines caps a session's retained output when no size is
// configured.
const defaultRingLines = 10000

// ring is a bounded FIFO of output lines. Append is O(1); overflow evicts
// the oldest line. Not safe for concurrent use — the manager lock guards it.
type ring struct {
	buf   []string
	start int
	n     int
}

func newRing(max int) *ring {
	if max <= 0 {
		max = defaultRingLines
	}
	return &ring{buf: make([]string, max)}
}

func (r *ring) Append(line string) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = line
		r.n++
		return
	}
	r.buf[r.start] = line
	r.start = (r.start + 1) % len(r.buf)
}

// Last returns the newest k lines in arrival order. k <= 0 or k > Len means
// everything.
func (r *ring) Last(k int) []string {
	if k <= 0 || k > r.n {
		k = r.n
	}
	out := make([]string, 0, k)
	for i := r.n - k; i < r.n; i++ {
		out = append(out, r.buf[(r.start+i)%len(r.buf)])
	}
	return out
}

func (r *ring) All() []string { return r.Last(r.n) }

func (r *ring) Len() int { return r.n }

func (r *ring) Cap() int { return len(r.buf) }
