package node

import "sync"

// RingBuffer is a bounded, append-only line buffer. When full, the oldest
// line is dropped first (the buffer never
// exceeds its cap; oldest lines are dropped first").
type RingBuffer struct {
	mu    sync.Mutex
	cap   int
	lines []string
	start int // index of oldest element within lines, once full
	count int
}

// NewRingBuffer creates a ring buffer holding at most cap lines.
func NewRingBuffer(cap int) *RingBuffer {
	if cap <= 0 {
		cap = 2000
	}
	return &RingBuffer{cap: cap, lines: make([]string, cap)}
}

// Append adds a line, evicting the oldest if the buffer is full.
func (b *RingBuffer) Append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := (b.start + b.count) % b.cap
	b.lines[idx] = line
	if b.count < b.cap {
		b.count++
	} else {
		b.start = (b.start + 1) % b.cap
	}
}

// Snapshot returns a copy of the buffer's current contents, oldest first.
func (b *RingBuffer) Snapshot() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, b.count)
	for i := 0; i < b.count; i++ {
		out[i] = b.lines[(b.start+i)%b.cap]
	}
	return out
}

// Len reports the current number of retained lines (never exceeds cap).
func (b *RingBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}
