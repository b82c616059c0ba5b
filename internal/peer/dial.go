package peer

import (
	"context"

	"github.com/srg/brhil/internal/groutine"
)

// connectOrAbort runs a blocking connect in a named goroutine; connect gets that goroutine's context. When ctx ends
// first, abort must make connect return; ctx.Err() is then reported.
func connectOrAbort(ctx context.Context, name string, connect func(ctx context.Context) error, abort func()) error {
	done := make(chan error, 1)
	groutine.Go(ctx, name, func(ctx context.Context) {
		done <- connect(ctx)
	})

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		abort()
		<-done
		return ctx.Err()
	}
}
