//go:build !linux

package peer

import (
	"context"
	"io"

	"github.com/go-ble/ble"
)

func dialL2CAP(ctx context.Context, addr ble.Addr, psm uint16) (io.ReadWriteCloser, error) {
	return nil, ErrUnsupported
}
