package log

import "sync"

// ringWriter keeps the most recent log lines in memory so the debugger
// can replay them after the fact, when stderr may have scrolled away.
type ringWriter struct {
	mu    sync.Mutex
	lines []string
	max   int
}

var ring = &ringWriter{max: 256}

func (r *ringWriter) Write(p []byte) (int, error) {
	r.mu.Lock()
	r.lines = append(r.lines, string(p))
	if len(r.lines) > r.max {
		r.lines = r.lines[len(r.lines)-r.max:]
	}
	r.mu.Unlock()
	return len(p), nil
}

// Recent returns the buffered log lines, oldest first.
func Recent() []string {
	ring.mu.Lock()
	defer ring.mu.Unlock()
	return append([]string(nil), ring.lines...)
}
