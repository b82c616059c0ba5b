package console

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// streamConsole is the common half of every transport: a writer for commands
// and a LineCollector fed by the transport's reader.
type streamConsole struct {
	*LineCollector

	name     string
	w        io.Writer
	echoWait time.Duration
	logger   *logrus.Logger
	closeFn  func() error

	sendMu sync.Mutex
	closed atomic.Bool
}

// Name returns the board name the console belongs to.
func (s *streamConsole) Name() string { return s.name }

// Send writes cmd followed by a newline. With a non-zero echo wait it pauses
// that long and returns whatever lines arrived meanwhile.
func (s *streamConsole) Send(cmd string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if err := s.Err(); err != nil {
		return nil, err
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	data := []byte(cmd + "\n")
	n, err := s.w.Write(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: send %q: %w", ErrDisconnected, s.name, cmd, err)
	}
	if n < len(data) {
		return nil, fmt.Errorf("%w: %s: short write for %q (%d of %d bytes)", ErrDisconnected, s.name, cmd, n, len(data))
	}
	s.logger.WithFields(logrus.Fields{"console": s.name, "cmd": cmd}).Debug("Command written")

	if s.echoWait <= 0 {
		return nil, nil
	}
	time.Sleep(s.echoWait)
	return s.Drain()
}

// Drain returns buffered lines, or ErrClosed once the console was closed.
func (s *streamConsole) Drain() ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return s.LineCollector.Drain()
}

func (s *streamConsole) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.closeFn == nil {
		return nil
	}
	return s.closeFn()
}

// NewStream builds a console on top of an arbitrary writer. The caller feeds
// the returned console's collector (Feed/Fail) from its own reader.
func NewStream(name string, w io.Writer, collector *LineCollector, echoWait time.Duration, closeFn func() error, logger *logrus.Logger) *Stream {
	return &Stream{streamConsole{
		LineCollector: collector,
		name:          name,
		w:             w,
		echoWait:      echoWait,
		logger:        loggerOrNoop(logger),
		closeFn:       closeFn,
	}}
}

// Stream is a Console over a caller-supplied writer and collector.
type Stream struct {
	streamConsole
}

// Collector exposes the line collector so the owner can feed it.
func (s *Stream) Collector() *LineCollector { return s.LineCollector }
