package peer

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/srg/brhil/internal/console"
)

// DefaultEventCapacity is the EventLog size used when none is given.
const DefaultEventCapacity = 256

// EventLog is a bounded, overwrite-oldest log of peer events.
// Recording never blocks; when the log is full the oldest event is discarded.
// It implements console.Source.
type EventLog struct {
	mu     sync.Mutex
	ch     chan string
	closed bool

	metrics EventMetrics
}

// EventMetrics counts log traffic. All fields are updated atomically.
type EventMetrics struct {
	Written     int64
	Overwritten int64
	Drained     int64
}

func NewEventLog(capacity int) *EventLog {
	if capacity <= 0 {
		capacity = DefaultEventCapacity
	}
	return &EventLog{ch: make(chan string, capacity)}
}

// Record appends a formatted event. It is a no-op after Close.
func (l *EventLog) Record(format string, args ...any) {
	line := fmt.Sprintf(format, args...)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.ch <- line:
	default:
		select {
		case <-l.ch: // drop oldest
			atomic.AddInt64(&l.metrics.Overwritten, 1)
		default:
		}
		l.ch <- line
	}
	atomic.AddInt64(&l.metrics.Written, 1)
}

// Drain returns every buffered event. Once the log is closed and empty it returns console.ErrClosed.
func (l *EventLog) Drain() ([]string, error) {
	var out []string
	for {
		select {
		case line, ok := <-l.ch:
			if !ok {
				if len(out) > 0 {
					return out, nil
				}
				return nil, fmt.Errorf("peer events: %w", console.ErrClosed)
			}
			atomic.AddInt64(&l.metrics.Drained, 1)
			out = append(out, line)
		default:
			return out, nil
		}
	}
}

func (l *EventLog) Len() int { return len(l.ch) }

func (l *EventLog) Cap() int { return cap(l.ch) }

// Close stops recording. Buffered events can still be drained.
func (l *EventLog) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.ch)
}

func (l *EventLog) Metrics() EventMetrics {
	return EventMetrics{
		Written:     atomic.LoadInt64(&l.metrics.Written),
		Overwritten: atomic.LoadInt64(&l.metrics.Overwritten),
		Drained:     atomic.LoadInt64(&l.metrics.Drained),
	}
}
