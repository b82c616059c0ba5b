// Package bench is the explicit context shared by every scenario step: the
// configuration, the logger, the opened boards and the optional simulated peer.
package bench

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"

	"github.com/srg/brhil/internal/board"
	"github.com/srg/brhil/internal/console"
	"github.com/srg/brhil/internal/expect"
	"github.com/srg/brhil/internal/peer"
	"github.com/srg/brhil/internal/shell"
	"github.com/srg/brhil/pkg/config"
)

var (
	ErrUnknownBoard = errors.New("unknown board")
	ErrNoPeer       = errors.New("no simulated peer configured")
)

// Opener opens a board console. console.Open is the default.
type Opener func(ctx context.Context, b config.Board, echoWait time.Duration, logger *logrus.Logger) (console.Console, error)

// PeerFactory creates the simulated peer when the configuration enables it.
type PeerFactory func(ctx context.Context, cfg config.Peer, logger *logrus.Logger) (peer.Peer, error)

type options struct {
	opener      Opener
	peerFactory PeerFactory
	peer        peer.Peer
	clock       expect.Clock
}

type Option func(*options)

func WithOpener(o Opener) Option {
	return func(opts *options) { opts.opener = o }
}

func WithPeerFactory(f PeerFactory) Option {
	return func(opts *options) { opts.peerFactory = f }
}

// WithPeer uses p regardless of the configuration.
func WithPeer(p peer.Peer) Option {
	return func(opts *options) { opts.peer = p }
}

func WithClock(c expect.Clock) Option {
	return func(opts *options) { opts.clock = c }
}

// Bench owns boards and peer for the duration of a run.
type Bench struct {
	cfg    *config.Config
	logger *logrus.Logger
	engine *expect.Engine
	opts   options

	boards *hashmap.Map[string, *board.Board]
	order  []string
	peer   peer.Peer
}

// New creates an empty bench. Boards are added with Attach or by Open.
func New(cfg *config.Config, logger *logrus.Logger, opts ...Option) *Bench {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = cfg.NewLogger()
	}
	o := options{opener: console.Open, peerFactory: openBlueZ}
	for _, opt := range opts {
		opt(&o)
	}
	return &Bench{
		cfg:    cfg,
		logger: logger,
		engine: expect.NewEngine(&expect.Options{
			PollInterval: cfg.PollInterval,
			Timeout:      cfg.DefaultTimeout,
			Logger:       logger,
			Clock:        o.clock,
		}),
		opts:   o,
		boards: hashmap.New[string, *board.Board](),
		peer:   o.peer,
	}
}

// Open creates a bench and opens every configured board concurrently.
// On failure everything already opened is closed again.
func Open(ctx context.Context, cfg *config.Config, logger *logrus.Logger, opts ...Option) (*Bench, error) {
	b := New(cfg, logger, opts...)

	consoles := make([]console.Console, len(b.cfg.Boards))
	p := pool.New().WithErrors().WithContext(ctx).WithCancelOnError()
	for i, bc := range b.cfg.Boards {
		p.Go(func(ctx context.Context) error {
			c, err := b.opts.opener(ctx, bc, b.cfg.EchoWait, b.logger)
			if err != nil {
				return fmt.Errorf("board %s: %w", bc.Name, err)
			}
			consoles[i] = c
			return nil
		})
	}
	err := p.Wait()

	for i, c := range consoles {
		if c != nil {
			b.Attach(c, b.cfg.Boards[i].Timeouts)
		}
	}
	if err != nil {
		_ = b.Close()
		return nil, err
	}

	if b.peer == nil && b.cfg.Peer.Enabled {
		pr, err := b.opts.peerFactory(ctx, b.cfg.Peer, b.logger)
		if err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("peer: %w", err)
		}
		b.peer = pr
	}

	b.logger.WithFields(logrus.Fields{
		"boards": len(b.order),
		"peer":   b.peer != nil,
	}).Info("Bench ready")
	return b, nil
}

func openBlueZ(ctx context.Context, cfg config.Peer, logger *logrus.Logger) (peer.Peer, error) {
	p, err := peer.NewBlueZ(ctx, peer.BlueZOptions{
		Adapter:          cfg.Adapter,
		DiscoveryTimeout: cfg.DiscoveryTimeout,
		Logger:           logger,
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Attach wraps an already opened console as a board.
func (b *Bench) Attach(c console.Console, timeouts config.Timeouts) *board.Board {
	brd := board.New(shell.New(c, b.engine, b.logger), timeouts, b.logger)
	if _, loaded := b.boards.GetOrInsert(c.Name(), brd); !loaded {
		b.order = append(b.order, c.Name())
	}
	return brd
}

func (b *Bench) Board(name string) (*board.Board, error) {
	brd, ok := b.boards.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBoard, name)
	}
	return brd, nil
}

// Boards returns the boards in configuration order.
func (b *Bench) Boards() []*board.Board {
	out := make([]*board.Board, 0, len(b.order))
	for _, name := range b.order {
		if brd, ok := b.boards.Get(name); ok {
			out = append(out, brd)
		}
	}
	return out
}

func (b *Bench) Peer() (peer.Peer, error) {
	if b.peer == nil {
		return nil, ErrNoPeer
	}
	return b.peer, nil
}

func (b *Bench) Config() *config.Config { return b.cfg }

func (b *Bench) Logger() *logrus.Logger { return b.logger }

func (b *Bench) Engine() *expect.Engine { return b.engine }

// WaitWithPeer runs one wait over the board's console merged with the peer's
// event log, so an ALL set can require both sides to reach a state in any order.
// Board lines left unread go back to the board's shell; peer events do not.
// within <= 0 uses the engine default.
func (b *Bench) WaitWithPeer(ctx context.Context, boardName string, set *expect.Set, within time.Duration) (*expect.Outcome, error) {
	brd, err := b.Board(boardName)
	if err != nil {
		return nil, err
	}
	pr, err := b.Peer()
	if err != nil {
		return nil, err
	}
	var opts []shell.Option
	if within > 0 {
		opts = append(opts, shell.Within(within))
	}
	return brd.Shell().WaitWith(ctx, set, "peer", pr.Events(), opts...)
}

// Parallel runs independent operations concurrently, typically waits on
// different boards. The first failure cancels the others; all errors are returned joined.
func (b *Bench) Parallel(ctx context.Context, fns ...func(ctx context.Context) error) error {
	p := pool.New().WithErrors().WithContext(ctx).WithCancelOnError()
	for _, fn := range fns {
		p.Go(fn)
	}
	return p.Wait()
}

// Close closes every board and the peer.
func (b *Bench) Close() error {
	var errs []error
	for _, brd := range b.Boards() {
		if err := brd.Shell().Close(); err != nil {
			errs = append(errs, fmt.Errorf("board %s: %w", brd.Name(), err))
		}
	}
	if b.peer != nil {
		if err := b.peer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("peer: %w", err))
		}
	}
	return errors.Join(errs...)
}
