package console

import (
	"fmt"
	"strings"
	"sync"
)

// Mux merges several sources into one so a single wait can correlate events
// from the DUT and, for example, the simulated peer's event log.
//
// Members are drained in the order they were added. When a member fails, the
// lines already collected in that drain are returned and the failure is
// reported by the next Drain.
type Mux struct {
	mu      sync.Mutex
	members []muxMember
	prefix  bool
	err     error
	// origin of every line returned so far, by member index
	trace []int
}

type muxMember struct {
	name string
	src  Source
}

// NewMux creates an empty multiplexer. With prefix set, every line is
// rewritten as "<name>: <line>".
func NewMux(prefix bool) *Mux {
	return &Mux{prefix: prefix}
}

// Add appends a member source.
func (m *Mux) Add(name string, src Source) *Mux {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members = append(m.members, muxMember{name: name, src: src})
	return m
}

// Len returns the number of members.
func (m *Mux) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.members)
}

func (m *Mux) Drain() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return nil, m.err
	}

	var out []string
	for i, mem := range m.members {
		lines, err := mem.src.Drain()
		for _, l := range lines {
			if m.prefix {
				l = mem.name + ": " + l
			}
			out = append(out, l)
			m.trace = append(m.trace, i)
		}
		if err != nil {
			m.err = fmt.Errorf("%s: %w", mem.name, err)
			if len(out) > 0 {
				return out, nil
			}
			return nil, m.err
		}
	}
	return out, nil
}

// Tail groups lines by the member they came from, keeping their order.
// lines must be the most recent lines returned by Drain, such as the unread
// tail of a wait. Prefixes added by the Mux are removed.
func (m *Mux) Tail(lines []string) map[string][]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string][]string)
	if len(lines) > len(m.trace) {
		lines = lines[len(lines)-len(m.trace):]
	}
	origins := m.trace[len(m.trace)-len(lines):]
	for i, l := range lines {
		mem := m.members[origins[i]]
		if m.prefix {
			l = strings.TrimPrefix(l, mem.name+": ")
		}
		out[mem.name] = append(out[mem.name], l)
	}
	return out
}
