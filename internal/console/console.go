// Package console turns DUT byte streams into drainable lines and carries
// commands back to the DUT. A Console is both the engine's line source and
// the combinator's command sink.
package console

import (
	"errors"
	"io"

	"github.com/sirupsen/logrus"
)

var (
	// ErrClosed is returned by Send and Drain after Close.
	ErrClosed = errors.New("console closed")
	// ErrDisconnected wraps every transport failure: hangup, process exit, I/O error.
	ErrDisconnected = errors.New("console disconnected")
)

// Source is a non-blocking producer of complete lines.
// Drain never fails because nothing is buffered; it fails only when the transport is dead.
type Source interface {
	Drain() ([]string, error)
}

// Sink accepts commands. Send is fire-and-forget; the returned lines are
// whatever the transport produced synchronously (typically the echo).
type Sink interface {
	Send(cmd string) ([]string, error)
}

// Console is a board's bidirectional shell connection.
type Console interface {
	Source
	Sink
	Name() string
	Close() error
}

var noopLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

func loggerOrNoop(l *logrus.Logger) *logrus.Logger {
	if l == nil {
		return noopLogger
	}
	return l
}
