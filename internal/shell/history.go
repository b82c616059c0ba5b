package shell

import (
	"strings"
	"sync"

	"github.com/srg/brhil/internal/expect"
)

// History is the append-only log of every line a shell drained from its console.
// Scenarios use it for after-the-fact text search, e.g. counting retransmissions.
type History struct {
	mu    sync.RWMutex
	lines []string
}

func (h *History) Append(lines ...string) {
	if len(lines) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lines = append(h.lines, lines...)
}

// Lines returns a copy of the whole log.
func (h *History) Lines() expect.Transcript {
	return h.Since(0)
}

// Mark returns a position to pass to Since.
func (h *History) Mark() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.lines)
}

// Since returns the lines appended after mark.
func (h *History) Since(mark int) expect.Transcript {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if mark < 0 {
		mark = 0
	}
	if mark >= len(h.lines) {
		return expect.Transcript{}
	}
	out := make(expect.Transcript, len(h.lines)-mark)
	copy(out, h.lines[mark:])
	return out
}

func (h *History) Len() int {
	return h.Mark()
}

// Count returns how many lines contain substr.
func (h *History) Count(substr string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, l := range h.lines {
		if strings.Contains(l, substr) {
			n++
		}
	}
	return n
}

func (h *History) Contains(substr string) bool {
	return h.Count(substr) > 0
}
