package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/brhil/internal/groutine"
	"github.com/srg/brhil/internal/ptyio"
)

// PTYOptions configures PTY-backed consoles.
type PTYOptions struct {
	Name       string
	Prompt     string
	LineBuffer uint32
	EchoWait   time.Duration
	Logger     *logrus.Logger
}

// PTYConsole is a console on a pseudo-terminal: either a DUT process started on
// a fresh PTY slave, or an existing pseudo-tty the DUT exposes.
type PTYConsole struct {
	streamConsole

	port *ptyio.Port
	cmd  *exec.Cmd

	exitOnce sync.Once
	exited   chan struct{}
	exitErr  error
}

func newPTYCollector(opts PTYOptions) (*LineCollector, error) {
	return NewLineCollector(CollectorOptions{
		Name:     opts.Name,
		Capacity: opts.LineBuffer,
		Prompt:   opts.Prompt,
		Logger:   opts.Logger,
	})
}

func ptyFailure(collector *LineCollector, name string) ptyio.ErrorCallback {
	return func(err error) {
		if errors.Is(err, io.EOF) {
			collector.Fail(fmt.Errorf("%w: %s: terminal hung up", ErrDisconnected, name))
			return
		}
		collector.Fail(fmt.Errorf("%w: %s: %w", ErrDisconnected, name, err))
	}
}

// StartProcess runs command with its stdio on a new PTY and returns its console.
// The process exiting surfaces as ErrDisconnected on Drain once its last output is consumed.
func StartProcess(ctx context.Context, command []string, opts PTYOptions) (*PTYConsole, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("console %s: empty command", opts.Name)
	}
	logger := loggerOrNoop(opts.Logger)
	collector, err := newPTYCollector(opts)
	if err != nil {
		return nil, err
	}

	port, err := ptyio.Open(&ptyio.Options{
		Logger:  logger,
		OnData:  collector.Feed,
		OnError: ptyFailure(collector, opts.Name),
	})
	if err != nil {
		return nil, fmt.Errorf("console %s: %w", opts.Name, err)
	}

	cmd := exec.Command(command[0], command[1:]...)
	slave := port.Slave()
	cmd.Stdin, cmd.Stdout, cmd.Stderr = slave, slave, slave
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true, Setctty: true}
	if err := cmd.Start(); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("console %s: start %s: %w", opts.Name, command[0], err)
	}
	if err := port.ReleaseSlave(); err != nil {
		logger.WithError(err).Warn("Failed to release PTY slave")
	}

	c := &PTYConsole{
		streamConsole: streamConsole{
			LineCollector: collector,
			name:          opts.Name,
			w:             port,
			echoWait:      opts.EchoWait,
			logger:        logger,
		},
		port:   port,
		cmd:    cmd,
		exited: make(chan struct{}),
	}
	c.closeFn = c.shutdown

	logger.WithFields(logrus.Fields{
		"console": opts.Name,
		"pid":     cmd.Process.Pid,
		"tty":     port.TTYName(),
	}).Info("DUT process started")

	groutine.Go(ctx, "process-wait:"+opts.Name, func(ctx context.Context) {
		err := cmd.Wait()
		c.exitOnce.Do(func() {
			c.exitErr = err
			close(c.exited)
		})
		logger.WithFields(logrus.Fields{"console": opts.Name, "error": err}).Debug("DUT process exited")
	})

	return c, nil
}

// AttachPTY opens an existing pseudo-terminal path.
func AttachPTY(path string, opts PTYOptions) (*PTYConsole, error) {
	logger := loggerOrNoop(opts.Logger)
	collector, err := newPTYCollector(opts)
	if err != nil {
		return nil, err
	}
	port, err := ptyio.Attach(path, &ptyio.Options{
		Logger:  logger,
		OnData:  collector.Feed,
		OnError: ptyFailure(collector, opts.Name),
	})
	if err != nil {
		return nil, fmt.Errorf("console %s: %w", opts.Name, err)
	}

	c := &PTYConsole{
		streamConsole: streamConsole{
			LineCollector: collector,
			name:          opts.Name,
			w:             port,
			echoWait:      opts.EchoWait,
			logger:        logger,
		},
		port: port,
	}
	c.closeFn = c.shutdown
	return c, nil
}

// TTYName returns the terminal path.
func (c *PTYConsole) TTYName() string { return c.port.TTYName() }

// Exited is closed when the DUT process exits; nil for attached terminals.
func (c *PTYConsole) Exited() <-chan struct{} { return c.exited }

// ExitErr returns the process exit error once Exited is closed.
func (c *PTYConsole) ExitErr() error {
	select {
	case <-c.exited:
		return c.exitErr
	default:
		return nil
	}
}

func (c *PTYConsole) shutdown() error {
	var errs []error
	if c.cmd != nil && c.cmd.Process != nil {
		select {
		case <-c.exited:
		default:
			if err := c.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
				errs = append(errs, err)
			}
			select {
			case <-c.exited:
			case <-time.After(2 * time.Second):
				_ = c.cmd.Process.Kill()
				<-c.exited
			}
		}
	}
	if err := c.port.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
