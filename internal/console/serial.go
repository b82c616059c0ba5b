package console

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/brhil/internal/groutine"
	"go.bug.st/serial"
)

// serialReadTimeout bounds each blocking read so the reader notices Close.
const serialReadTimeout = 100 * time.Millisecond

// SerialOptions configures a UART console.
type SerialOptions struct {
	Name       string
	Port       string
	Baud       int
	Prompt     string
	LineBuffer uint32
	EchoWait   time.Duration
	Logger     *logrus.Logger
}

// SerialConsole is a console on a UART, such as a development kit's USB CDC-ACM port.
type SerialConsole struct {
	streamConsole
	port serial.Port
	done chan struct{}
}

// openSerialPort is swapped in tests.
var openSerialPort = func(name string, mode *serial.Mode) (serial.Port, error) {
	return serial.Open(name, mode)
}

// OpenSerial opens the port and starts a named reader goroutine feeding the console.
func OpenSerial(ctx context.Context, opts SerialOptions) (*SerialConsole, error) {
	logger := loggerOrNoop(opts.Logger)
	collector, err := NewLineCollector(CollectorOptions{
		Name:     opts.Name,
		Capacity: opts.LineBuffer,
		Prompt:   opts.Prompt,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	baud := opts.Baud
	if baud <= 0 {
		baud = 115200
	}
	port, err := openSerialPort(opts.Port, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("console %s: open %s: %w", opts.Name, opts.Port, err)
	}
	if err := port.SetReadTimeout(serialReadTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("console %s: set read timeout: %w", opts.Name, err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		logger.WithError(err).WithField("console", opts.Name).Warn("Failed to reset serial input buffer")
	}

	c := &SerialConsole{
		streamConsole: streamConsole{
			LineCollector: collector,
			name:          opts.Name,
			w:             port,
			echoWait:      opts.EchoWait,
			logger:        logger,
		},
		port: port,
		done: make(chan struct{}),
	}
	c.closeFn = c.shutdown

	groutine.GoSafe(ctx, "serial-read-loop:"+opts.Name, logger, collector.Fail, func(ctx context.Context) {
		defer close(c.done)
		c.readLoop(ctx)
	})

	logger.WithFields(logrus.Fields{"console": opts.Name, "port": opts.Port, "baud": baud}).Info("Serial console opened")
	return c, nil
}

func (c *SerialConsole) readLoop(ctx context.Context) {
	buf := make([]byte, 1024)
	for {
		if c.closed.Load() {
			return
		}
		if ctx.Err() != nil {
			c.Fail(fmt.Errorf("%w: %s: %w", ErrDisconnected, c.name, ctx.Err()))
			return
		}
		n, err := c.port.Read(buf)
		if n > 0 {
			c.Feed(buf[:n])
		}
		if err != nil {
			if c.closed.Load() {
				return
			}
			var perr *serial.PortError
			if errors.As(err, &perr) && perr.Code() == serial.PortClosed {
				return
			}
			c.Fail(fmt.Errorf("%w: %s: %w", ErrDisconnected, c.name, err))
			return
		}
		// n == 0 with no error is a read timeout
	}
}

func (c *SerialConsole) shutdown() error {
	err := c.port.Close()
	select {
	case <-c.done:
	case <-time.After(2 * serialReadTimeout):
		c.logger.WithField("console", c.name).Warn("Serial reader did not stop in time")
	}
	return err
}
