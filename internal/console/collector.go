package console

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultLineBuffer is the number of complete lines kept before the oldest is overwritten.
	DefaultLineBuffer uint32 = 4096
	// MaxLineBuffer guards against accidental misconfiguration.
	MaxLineBuffer uint32 = 1024 * 1024
)

// CSI, OSC and two-byte escape sequences emitted by the Zephyr shell for colors and line redraws.
var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)|\x1b[()][0-9A-Za-z]|\x1b[=>78]`)

// StripANSI removes terminal escape sequences from s.
func StripANSI(s string) string {
	if !strings.ContainsRune(s, 0x1b) {
		return s
	}
	return ansiEscape.ReplaceAllString(s, "")
}

// CollectorMetrics are lock-free counters of a LineCollector.
type CollectorMetrics struct {
	Lines       int64 // complete lines enqueued
	Overwritten int64 // lines lost to ring overflow
	Errors      int64 // enqueue failures
}

// LineCollector assembles a byte stream into lines and buffers them in an
// overwrite-oldest ring until drained. Feed and Drain may run on different goroutines.
//
// A transport failure reported through Fail is latched: Drain keeps returning
// buffered lines first and reports the failure once the ring is empty, so no line
// emitted before the failure is lost.
type LineCollector struct {
	name   string
	logger *logrus.Logger
	prompt string
	buffer mpmc.RichOverlappedRingBuffer[string]

	mu      sync.Mutex
	partial bytes.Buffer
	err     error

	lines       atomic.Int64
	overwritten atomic.Int64
	errors      atomic.Int64
}

// CollectorOptions configures a LineCollector.
type CollectorOptions struct {
	Name     string
	Capacity uint32
	// Prompt lines carrying nothing but the shell prompt are dropped.
	Prompt string
	Logger *logrus.Logger
}

// NewLineCollector creates a collector. A zero capacity uses DefaultLineBuffer.
func NewLineCollector(opts CollectorOptions) (*LineCollector, error) {
	capacity := opts.Capacity
	if capacity == 0 {
		capacity = DefaultLineBuffer
	}
	if capacity > MaxLineBuffer {
		return nil, fmt.Errorf("line buffer size %d exceeds maximum %d", capacity, MaxLineBuffer)
	}
	return &LineCollector{
		name:   opts.Name,
		logger: loggerOrNoop(opts.Logger),
		prompt: strings.TrimSpace(opts.Prompt),
		buffer: mpmc.NewOverlappedRingBuffer[string](capacity),
	}, nil
}

// Feed appends raw transport bytes. Complete lines become drainable immediately;
// a trailing partial line is held until its newline arrives.
func (c *LineCollector) Feed(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}

	for len(data) > 0 {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			c.partial.Write(data)
			return
		}
		c.partial.Write(data[:i])
		data = data[i+1:]
		c.emitLocked()
	}
}

// Write implements io.Writer on top of Feed.
func (c *LineCollector) Write(p []byte) (int, error) {
	c.Feed(p)
	return len(p), nil
}

// Flush turns a pending partial line into a complete one.
func (c *LineCollector) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.partial.Len() > 0 {
		c.emitLocked()
	}
}

// Fail latches err as the transport failure. The first failure wins.
// Any pending partial line is flushed first.
func (c *LineCollector) Fail(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	if c.partial.Len() > 0 {
		c.emitLocked()
	}
	c.err = err
	c.logger.WithFields(logrus.Fields{
		"console": c.name,
		"error":   err,
	}).Debug("Console transport failed")
}

// Err returns the latched failure, if any.
func (c *LineCollector) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *LineCollector) emitLocked() {
	line := StripANSI(c.partial.String())
	c.partial.Reset()
	line = strings.ReplaceAll(line, "\r", "")
	line = strings.ReplaceAll(line, "\x00", "")
	if c.prompt != "" && strings.TrimSpace(line) == c.prompt {
		return
	}

	overwrites, err := c.buffer.EnqueueM(line)
	if err != nil {
		c.errors.Add(1)
		c.logger.WithError(err).WithField("console", c.name).Warn("Failed to buffer console line")
		return
	}
	if overwrites > 0 {
		c.overwritten.Add(int64(overwrites))
	}
	c.lines.Add(1)
	c.logger.WithFields(logrus.Fields{"console": c.name, "line": line}).Trace("Console line")
}

// Drain returns every buffered line in arrival order. With nothing buffered it
// returns the latched failure, or no lines and no error.
func (c *LineCollector) Drain() ([]string, error) {
	var lines []string
	for !c.buffer.IsEmpty() {
		line, err := c.buffer.Dequeue()
		if err != nil {
			break
		}
		lines = append(lines, line)
	}
	if len(lines) > 0 {
		return lines, nil
	}
	if err := c.Err(); err != nil {
		return nil, err
	}
	return nil, nil
}

// Metrics returns a snapshot of the counters.
func (c *LineCollector) Metrics() CollectorMetrics {
	return CollectorMetrics{
		Lines:       c.lines.Load(),
		Overwritten: c.overwritten.Load(),
		Errors:      c.errors.Load(),
	}
}
