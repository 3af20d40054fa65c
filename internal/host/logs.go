package host

import (
	"sync"

	"github.com/loykin/svcguard/internal/supervisor"
)

// DefaultLogLines is how many recent output lines are kept per service.
const DefaultLogLines = 200

// lineRing keeps the last cap lines of a child's output.
type lineRing struct {
	mu    sync.Mutex
	lines []supervisor.LogLine
	next  int
	full  bool
}

func newLineRing(capacity int) *lineRing {
	if capacity <= 0 {
		capacity = DefaultLogLines
	}
	return &lineRing{lines: make([]supervisor.LogLine, capacity)}
}

func (r *lineRing) add(l supervisor.LogLine) {
	r.mu.Lock()
	r.lines[r.next] = l
	r.next++
	if r.next == len(r.lines) {
		r.next = 0
		r.full = true
	}
	r.mu.Unlock()
}

// last returns up to n lines, oldest first. n <= 0 means all.
func (r *lineRing) last(n int) []supervisor.LogLine {
	r.mu.Lock()
	defer r.mu.Unlock()
	size := r.next
	if r.full {
		size = len(r.lines)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]supervisor.LogLine, 0, n)
	start := r.next - n
	if start < 0 {
		start += len(r.lines)
	}
	for i := 0; i < n; i++ {
		out = append(out, r.lines[(start+i)%len(r.lines)])
	}
	return out
}
