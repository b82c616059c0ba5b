// Package peer is the simulated remote Bluetooth device that exercises the DUT
// from the other side of a protocol exchange.
package peer

import (
	"context"
	"errors"
	"io"

	"github.com/go-ble/ble"

	"github.com/srg/brhil/internal/console"
)

var (
	ErrNotConnected = errors.New("peer not connected")
	ErrUnsupported  = errors.New("operation not supported by peer")

	// ErrNotDiscovered means inquiry ended without BlueZ seeing the DUT.
	ErrNotDiscovered = errors.New("DUT not found by discovery")
)

// Peer is driven by scenarios independently of the expectation engine. Every
// state change it observes is recorded in Events, so it can be folded into a
// DUT wait through console.Mux.
type Peer interface {
	Connect(ctx context.Context, addr ble.Addr) error
	Authenticate(ctx context.Context) error
	Encrypt(ctx context.Context) error
	CreateChannel(ctx context.Context, psm uint16) (io.ReadWriteCloser, error)
	Disconnect(ctx context.Context) error
	Events() console.Source
	Close() error
}
