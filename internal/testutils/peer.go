//go:build test

package testutils

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"

	"github.com/go-ble/ble"

	"github.com/srg/brhil/internal/console"
	"github.com/srg/brhil/internal/peer"
)

// FakePeer is an in-memory peer.Peer. It records operations, emits the same
// event lines as the BlueZ peer and hands out in-memory channels.
type FakePeer struct {
	events *peer.EventLog

	mu       sync.Mutex
	addr     ble.Addr
	calls    []string
	errs     map[string]error
	channels map[uint16]*FakeChannel
	closed   bool
}

func NewFakePeer() *FakePeer {
	return &FakePeer{
		events:   peer.NewEventLog(0),
		errs:     make(map[string]error),
		channels: make(map[uint16]*FakeChannel),
	}
}

// FailOn makes op ("connect", "authenticate", "encrypt", "channel", "disconnect") return err.
func (p *FakePeer) FailOn(op string, err error) *FakePeer {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errs[op] = err
	return p
}

func (p *FakePeer) begin(op string, needConn bool) (ble.Addr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, op)
	if err := p.errs[op]; err != nil {
		return nil, err
	}
	if needConn && p.addr == nil {
		return nil, peer.ErrNotConnected
	}
	return p.addr, nil
}

func (p *FakePeer) Connect(_ context.Context, addr ble.Addr) error {
	if _, err := p.begin("connect", false); err != nil {
		return err
	}
	p.mu.Lock()
	p.addr = addr
	p.mu.Unlock()
	p.events.Record("peer: connected %s", strings.ToUpper(addr.String()))
	return nil
}

func (p *FakePeer) Authenticate(context.Context) error {
	addr, err := p.begin("authenticate", true)
	if err != nil {
		return err
	}
	p.events.Record("peer: paired %s", strings.ToUpper(addr.String()))
	return nil
}

func (p *FakePeer) Encrypt(context.Context) error {
	addr, err := p.begin("encrypt", true)
	if err != nil {
		return err
	}
	p.events.Record("peer: encrypted %s", strings.ToUpper(addr.String()))
	return nil
}

// CreateChannel returns an in-memory channel, also available through Channel.
func (p *FakePeer) CreateChannel(_ context.Context, psm uint16) (io.ReadWriteCloser, error) {
	if _, err := p.begin("channel", true); err != nil {
		return nil, err
	}
	ch := &FakeChannel{}
	p.mu.Lock()
	p.channels[psm] = ch
	p.mu.Unlock()
	p.events.Record("peer: channel %#x connected", psm)
	return ch, nil
}

// Channel returns the channel opened on psm.
func (p *FakePeer) Channel(psm uint16) *FakeChannel {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channels[psm]
}

func (p *FakePeer) Disconnect(context.Context) error {
	addr, err := p.begin("disconnect", true)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.addr = nil
	p.mu.Unlock()
	p.events.Record("peer: disconnected %s", strings.ToUpper(addr.String()))
	return nil
}

func (p *FakePeer) Events() console.Source { return p.events }

// Record emits an arbitrary event line.
func (p *FakePeer) Record(format string, args ...any) {
	p.events.Record(format, args...)
}

// Calls returns the operations in call order.
func (p *FakePeer) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string{}, p.calls...)
}

func (p *FakePeer) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addr != nil
}

func (p *FakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	for _, c := range p.channels {
		_ = c.Close()
	}
	p.events.Close()
	return nil
}

func (p *FakePeer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// FakeChannel records writes and serves reads from data queued with Feed.
type FakeChannel struct {
	mu      sync.Mutex
	in      bytes.Buffer
	written bytes.Buffer
	closed  bool
}

func (c *FakeChannel) Read(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.in.Len() == 0 {
		if c.closed {
			return 0, io.EOF
		}
		return 0, nil
	}
	return c.in.Read(b)
}

func (c *FakeChannel) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, io.ErrClosedPipe
	}
	return c.written.Write(b)
}

func (c *FakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Feed queues data for Read.
func (c *FakeChannel) Feed(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.in.Write(data)
}

// Written returns everything written so far.
func (c *FakeChannel) Written() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.written.String()
}

func (c *FakeChannel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
