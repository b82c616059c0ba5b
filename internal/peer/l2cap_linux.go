//go:build linux

package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/go-ble/ble"
	"golang.org/x/sys/unix"
)

// dialL2CAP opens an AF_BLUETOOTH SEQPACKET socket to psm on addr.
func dialL2CAP(ctx context.Context, addr ble.Addr, psm uint16) (io.ReadWriteCloser, error) {
	mac, err := net.ParseMAC(addr.String())
	if err != nil || len(mac) != 6 {
		return nil, fmt.Errorf("l2cap: invalid address %q", addr.String())
	}
	var bd [6]uint8
	copy(bd[:], mac)

	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, unix.BTPROTO_L2CAP)
	if err != nil {
		return nil, fmt.Errorf("l2cap: socket: %w", err)
	}

	err = connectOrAbort(ctx, fmt.Sprintf("l2cap-connect-%#x", psm),
		func(context.Context) error { return unix.Connect(fd, &unix.SockaddrL2{PSM: psm, Addr: bd}) },
		// unblocks the pending connect
		func() { _ = unix.Shutdown(fd, unix.SHUT_RDWR) })
	if err != nil {
		_ = unix.Close(fd)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("l2cap: connect %s psm %#x: %w", addr, psm, err)
	}

	return os.NewFile(uintptr(fd), fmt.Sprintf("l2cap:%s:%#x", addr, psm)), nil
}
