package peer

import (
	"context"
	"errors"
	"testing"

	"github.com/srg/brhil/internal/groutine"
	"github.com/stretchr/testify/assert"
)

func TestConnectOrAbort(t *testing.T) {
	t.Run("returns the connect result", func(t *testing.T) {
		refused := errors.New("connection refused")
		var name string
		err := connectOrAbort(context.Background(), "l2cap-connect-0x1001", func(ctx context.Context) error {
			name = groutine.GetName(ctx)
			return refused
		}, func() { t.Error("abort must not run") })

		assert.ErrorIs(t, err, refused)
		assert.Equal(t, "l2cap-connect-0x1001", name)
	})

	t.Run("cancel aborts the pending connect", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		unblock := make(chan struct{})
		started := make(chan struct{})

		go func() {
			<-started
			cancel()
		}()
		err := connectOrAbort(ctx, "l2cap-connect-0x1001", func(context.Context) error {
			close(started)
			<-unblock
			return errors.New("shut down")
		}, func() { close(unblock) })

		assert.ErrorIs(t, err, context.Canceled)
	})
}
