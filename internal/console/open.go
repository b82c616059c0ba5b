package console

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/brhil/pkg/config"
)

// Open connects to a board's console using the transport named in its configuration.
func Open(ctx context.Context, b config.Board, echoWait time.Duration, logger *logrus.Logger) (Console, error) {
	var (
		c   Console
		err error
	)
	switch b.Transport {
	case config.TransportSerial, "":
		c, err = openSerial(ctx, SerialOptions{
			Name:       b.Name,
			Port:       b.Port,
			Baud:       b.Baud,
			Prompt:     b.Prompt,
			LineBuffer: b.LineBuffer,
			EchoWait:   echoWait,
			Logger:     logger,
		})
	case config.TransportPTY:
		c, err = attachPTY(b.Port, PTYOptions{
			Name:       b.Name,
			Prompt:     b.Prompt,
			LineBuffer: b.LineBuffer,
			EchoWait:   echoWait,
			Logger:     logger,
		})
	case config.TransportProcess:
		c, err = startProcess(ctx, b.Command, PTYOptions{
			Name:       b.Name,
			Prompt:     b.Prompt,
			LineBuffer: b.LineBuffer,
			EchoWait:   echoWait,
			Logger:     logger,
		})
	default:
		return nil, fmt.Errorf("console %s: unknown transport %q", b.Name, b.Transport)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// The wrappers below keep a failed open from producing a non-nil Console holding a nil pointer.

func openSerial(ctx context.Context, opts SerialOptions) (Console, error) {
	c, err := OpenSerial(ctx, opts)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func attachPTY(path string, opts PTYOptions) (Console, error) {
	c, err := AttachPTY(path, opts)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func startProcess(ctx context.Context, command []string, opts PTYOptions) (Console, error) {
	c, err := StartProcess(ctx, command, opts)
	if err != nil {
		return nil, err
	}
	return c, nil
}
