package run

// LineRing is a fixed-capacity FIFO of log lines. Appending beyond capacity
// evicts the oldest line. It carries no lock of its own: the registry lock
// guards every access, same as the rest of the run record.
type LineRing struct {
	lines []string
	start int
	n     int
}

// NewLineRing creates a ring holding at most capacity lines.
func NewLineRing(capacity int) *LineRing {
	if capacity <= 0 {
		capacity = LastLineCap
	}
	return &LineRing{lines: make([]string, capacity)}
}

// Append adds line, evicting the oldest entry when full.
func (r *LineRing) Append(line string) {
	if r.n < len(r.lines) {
		r.lines[(r.start+r.n)%len(r.lines)] = line
		r.n++
		return
	}
	r.lines[r.start] = line
	r.start = (r.start + 1) % len(r.lines)
}

// Len returns the number of retained lines.
func (r *LineRing) Len() int { return r.n }

// Lines returns the retained lines oldest-first.
func (r *LineRing) Lines() []string {
	out := make([]string, r.n)
	for i := 0; i < r.n; i++ {
		out[i] = r.lines[(r.start+i)%len(r.lines)]
	}
	return out
}

// Tail returns at most n of the most recent lines, oldest-first.
func (r *LineRing) Tail(n int) []string {
	all := r.Lines()
	if n <= 0 || n >= len(all) {
		return all
	}
	return all[len(all)-n:]
}
