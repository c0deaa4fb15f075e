package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

type Stats struct {
	Up   int64
	Down int64
}

type closeWriter interface {
	CloseWrite() error
}

// Pipe copies local->remote and remote->local until both directions finish,
// one of them fails or ctx is cancelled. Both connections are closed on
// return.
func Pipe(ctx context.Context, local, remote net.Conn) (Stats, error) {
	defer local.Close()
	defer remote.Close()

	var up, down atomic.Int64
	g, ctx := errgroup.WithContext(ctx)

	stop := context.AfterFunc(ctx, func() {
		local.Close()
		remote.Close()
	})
	defer stop()

	g.Go(func() error {
		return copyHalf(remote, local, &up)
	})
	g.Go(func() error {
		return copyHalf(local, remote, &down)
	})

	err := g.Wait()
	return Stats{Up: up.Load(), Down: down.Load()}, err
}

func copyHalf(dst, src net.Conn, counter *atomic.Int64) error {
	n, err := io.Copy(dst, src)
	counter.Add(n)
	if err != nil {
		if isClosed(err) {
			return nil
		}
		return err
	}

	if cw, ok := dst.(closeWriter); ok {
		if err := cw.CloseWrite(); err == nil {
			return nil
		}
	}
	// No half-close available, tear down the peer direction too.
	dst.Close()
	return nil
}

func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, io.EOF)
}
