package executor

import "sync"

// outputRing holds the last K lines an executable wrote to stdout/stderr
// (spec §4.4 step 3, default K=100).
type outputRing struct {
	mu    sync.Mutex
	lines []string
	cap   int
}

func newOutputRing(k int) *outputRing {
	if k <= 0 {
		k = 100
	}
	return &outputRing{cap: k}
}

func (r *outputRing) push(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, line)
	if len(r.lines) > r.cap {
		r.lines = r.lines[len(r.lines)-r.cap:]
	}
}

// snapshot returns a copy of the ring's contents, safe to hand to an
// estimator plugin running concurrently with further writes (spec §4.4
// "Progress estimation plugin").
func (r *outputRing) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.lines))
	copy(out, r.lines)
	return out
}

func (r *outputRing) joined() string {
	lines := r.snapshot()
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}
