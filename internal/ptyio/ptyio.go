// Package ptyio drives pseudo-terminals for DUTs that run as local processes
// (Zephyr native_sim and similar). It either creates a fresh master/slave pair
// with github.com/creack/pty, whose slave becomes the DUT's stdio, or attaches
// to an existing pseudo-tty path the DUT already exposes.
//
// Output from the terminal is delivered to an OnData callback from a named
// background goroutine. Writes are queued into a ring buffer and flushed by a
// second goroutine, so Write never blocks the caller.
//
//	port, err := ptyio.Open(&ptyio.Options{
//	    OnData:  collector.Feed,
//	    OnError: collector.Fail,
//	    Logger:  logger,
//	})
//	cmd.Stdin, cmd.Stdout, cmd.Stderr = port.Slave(), port.Slave(), port.Slave()
package ptyio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/srg/brhil/internal/groutine"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// DataCallback receives bytes read from the terminal. The slice is only valid
// during the call.
type DataCallback func(data []byte)

// ErrorCallback is invoked at most once when the read or write loop stops
// because of a hangup (io.EOF) or an I/O failure.
type ErrorCallback func(err error)

const (
	// DefaultPollTimeoutMs bounds how long loops sit in poll(2) before re-checking for shutdown.
	DefaultPollTimeoutMs = 50
	// DefaultWriteCap is the size of the outgoing command ring.
	DefaultWriteCap = 4096
)

// Options configures a Port. Zero values use defaults.
type Options struct {
	WriteCap      int
	Logger        *logrus.Logger
	OnData        DataCallback
	OnError       ErrorCallback
	PollTimeoutMs int
}

// Stats are runtime counters for diagnostics.
type Stats struct {
	WriteQueueLen     int32
	WriteQueueCap     int32
	DroppedWriteCount uint64
	ReadBytesTotal    uint64
	WriteBytesTotal   uint64
}

var noopLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

// Port is an open terminal: either the master side of a pair created by Open,
// or an existing tty opened by Attach.
type Port struct {
	logger        *logrus.Logger
	file          *os.File
	slave         *os.File
	name          string
	pollTimeoutMs int

	onData  DataCallback
	onError ErrorCallback
	errOnce sync.Once

	writeBuf    *ringbuffer.RingBuffer
	writeNotify chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	droppedWrite atomic.Uint64
	readBytes    atomic.Uint64
	writeBytes   atomic.Uint64
}

// Open creates a new PTY pair. The slave is put in raw mode and is available
// through Slave() for a child process.
func Open(opts *Options) (*Port, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to create PTY (check permissions and available PTY devices): %w", err)
	}
	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		return nil, closeBoth(fmt.Errorf("failed to set PTY %s to raw mode: %w", slave.Name(), err), master, slave)
	}
	if err := syscall.SetNonblock(int(master.Fd()), true); err != nil {
		return nil, closeBoth(fmt.Errorf("failed to set PTY master for %s to nonblocking mode: %w", slave.Name(), err), master, slave)
	}
	return start(master, slave, slave.Name(), opts), nil
}

// Attach opens an existing terminal device such as the pseudo-tty printed by a
// native_sim binary ("UART connected to pseudotty: /dev/pts/5").
func Attach(path string, opts *Options) (*Port, error) {
	f, err := os.OpenFile(path, os.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open terminal %s: %w", path, err)
	}
	if _, err := term.MakeRaw(int(f.Fd())); err != nil {
		return nil, closeBoth(fmt.Errorf("failed to set %s to raw mode: %w", path, err), f)
	}
	if err := syscall.SetNonblock(int(f.Fd()), true); err != nil {
		return nil, closeBoth(fmt.Errorf("failed to set %s to nonblocking mode: %w", path, err), f)
	}
	return start(f, nil, path, opts), nil
}

func closeBoth(err error, files ...*os.File) error {
	var cleanup []error
	for _, f := range files {
		if cerr := f.Close(); cerr != nil {
			cleanup = append(cleanup, cerr)
		}
	}
	if len(cleanup) > 0 {
		return fmt.Errorf("%w (cleanup errors: %v)", err, cleanup)
	}
	return err
}

func start(file, slave *os.File, name string, opts *Options) *Port {
	if opts == nil {
		opts = &Options{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger
	}
	writeCap := opts.WriteCap
	if writeCap <= 0 {
		writeCap = DefaultWriteCap
	}
	pollTimeout := opts.PollTimeoutMs
	if pollTimeout <= 0 {
		pollTimeout = DefaultPollTimeoutMs
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Port{
		logger:        logger,
		file:          file,
		slave:         slave,
		name:          name,
		pollTimeoutMs: pollTimeout,
		onData:        opts.OnData,
		onError:       opts.OnError,
		writeBuf:      ringbuffer.New(writeCap),
		writeNotify:   make(chan struct{}, 1),
		ctx:           ctx,
		cancel:        cancel,
	}

	p.wg.Add(2)
	groutine.GoSafe(ctx, "pty-read-loop:"+name, logger, p.fail, func(ctx context.Context) {
		defer p.wg.Done()
		p.readLoop(ctx)
	})
	groutine.GoSafe(ctx, "pty-write-loop:"+name, logger, p.fail, func(ctx context.Context) {
		defer p.wg.Done()
		p.writeLoop(ctx)
	})
	return p
}

// fail reports the first terminal failure; nothing is reported after Close.
func (p *Port) fail(err error) {
	if p.closed.Load() {
		return
	}
	p.errOnce.Do(func() {
		if p.onError != nil {
			p.onError(err)
		}
	})
}

func (p *Port) readLoop(ctx context.Context) {
	file := p.file
	pollFd := []unix.PollFd{{Fd: int32(file.Fd()), Events: unix.POLLIN}}
	buf := make([]byte, 4096)

	p.logger.WithField("tty", p.name).Debug("PTY read loop started")
	for {
		if ctx.Err() != nil {
			return
		}

		nReady, err := unix.Poll(pollFd, p.pollTimeoutMs)
		if err != nil && !errors.Is(err, syscall.EINTR) {
			p.logger.Warnf("readLoop poll error: %v", err)
			continue
		}
		if nReady == 0 {
			continue
		}

		n, err := file.Read(buf)
		if n > 0 {
			p.readBytes.Add(uint64(n))
			if p.onData != nil {
				p.onData(buf[:n])
			}
		}
		if err == nil {
			continue
		}
		switch {
		case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EINTR):
			continue
		case errors.Is(err, syscall.EBADF), errors.Is(err, os.ErrClosed):
			p.logger.Debug("readLoop exiting: terminal closed")
			return
		case errors.Is(err, io.EOF), errors.Is(err, syscall.EIO):
			// EIO on Linux means every slave descriptor is gone: the DUT hung up.
			p.logger.WithField("tty", p.name).Debug("readLoop exiting: hangup")
			p.fail(io.EOF)
			return
		default:
			p.logger.Warnf("readLoop exiting on error: %v", err)
			p.fail(fmt.Errorf("read %s: %w", p.name, err))
			return
		}
	}
}

func (p *Port) writeLoop(ctx context.Context) {
	file := p.file
	pollFd := []unix.PollFd{{Fd: int32(file.Fd()), Events: unix.POLLOUT}}
	buf := make([]byte, 4096)

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.writeNotify:
		}

		for {
			n, err := p.writeBuf.TryRead(buf)
			if n == 0 || errors.Is(err, ringbuffer.ErrIsEmpty) {
				break
			}
			for offset := 0; offset < n; {
				written, err := file.Write(buf[offset:n])
				if written > 0 {
					offset += written
					p.writeBytes.Add(uint64(written))
				}
				if err == nil {
					continue
				}
				switch {
				case errors.Is(err, syscall.EINTR):
				case errors.Is(err, syscall.EAGAIN):
					if _, perr := unix.Poll(pollFd, p.pollTimeoutMs); perr != nil && !errors.Is(perr, syscall.EINTR) {
						p.logger.Warnf("writeLoop poll error: %v", perr)
					}
					if ctx.Err() != nil {
						return
					}
				case errors.Is(err, syscall.EBADF), errors.Is(err, os.ErrClosed):
					p.logger.Debug("writeLoop exiting: terminal closed")
					return
				default:
					p.logger.Warnf("writeLoop exiting on error: %v", err)
					p.fail(fmt.Errorf("write %s: %w", p.name, err))
					return
				}
			}
		}
	}
}

// Write queues data for the terminal and returns immediately. If the ring is
// full only a prefix is queued and the rest is counted as dropped.
func (p *Port) Write(data []byte) (int, error) {
	if p.closed.Load() {
		return 0, os.ErrClosed
	}
	if len(data) == 0 {
		return 0, nil
	}

	written, err := p.writeBuf.Write(data)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) && !errors.Is(err, ringbuffer.ErrTooMuchDataToWrite) {
		return 0, err
	}
	if written < len(data) {
		dropped := len(data) - written
		p.droppedWrite.Add(uint64(dropped))
		p.logger.Warnf("Write buffer overflow: dropped %d bytes (tried to write %d, only queued %d)",
			dropped, len(data), written)
	}

	select {
	case p.writeNotify <- struct{}{}:
	default:
	}
	return written, nil
}

// Slave returns the slave side of a pair created by Open, nil for attached ports.
func (p *Port) Slave() *os.File {
	return p.slave
}

// ReleaseSlave closes this process's copy of the slave once a child holds it,
// so the child's exit shows up as a hangup on the master.
func (p *Port) ReleaseSlave() error {
	if p.slave == nil {
		return nil
	}
	err := p.slave.Close()
	p.slave = nil
	return err
}

// TTYName returns the terminal path, e.g. "/dev/pts/5".
func (p *Port) TTYName() string {
	return p.name
}

// Close stops both loops and closes the terminal.
func (p *Port) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.cancel()

	var errs []error
	if err := p.file.Close(); err != nil {
		errs = append(errs, err)
	}
	if p.slave != nil {
		if err := p.slave.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	done := make(chan struct{})
	groutine.Go(context.Background(), "pty-wait-close", func(ctx context.Context) {
		p.wg.Wait()
		close(done)
	})

	timeout := time.Duration(p.pollTimeoutMs)*time.Millisecond*2 + time.Second
	select {
	case <-done:
	case <-time.After(timeout):
		p.logger.Errorf("Close() timed out after %v waiting for PTY %s loops to exit", timeout, p.name)
	}

	return errors.Join(errs...)
}

// Stats returns instantaneous counters.
func (p *Port) Stats() Stats {
	return Stats{
		WriteQueueLen:     int32(p.writeBuf.Length()),
		WriteQueueCap:     int32(p.writeBuf.Capacity()),
		DroppedWriteCount: p.droppedWrite.Load(),
		ReadBytesTotal:    p.readBytes.Load(),
		WriteBytesTotal:   p.writeBytes.Load(),
	}
}
