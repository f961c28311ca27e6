package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"
)

type closeWriter interface {
	CloseWrite() error
}

// Relay copies bytes in both directions between a and b until both
// directions reach EOF, either side fails, or ctx is done. EOF on one side
// half-closes the other side's write half when it supports CloseWrite. Both
// connections are closed before Relay returns.
//
// A clean finish returns nil. Cancellation returns ctx.Err().
func Relay(ctx context.Context, a, b net.Conn) error {
	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			_ = a.Close()
			_ = b.Close()
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, closeBoth)
	defer stop()

	g.Go(func() error { return pump(b, a) })
	g.Go(func() error { return pump(a, b) })

	err := g.Wait()
	closeBoth()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

// pump copies src to dst one read at a time until src reports EOF.
func pump(dst, src net.Conn) error {
	bp := relayBuffers.Get()
	defer relayBuffers.Put(bp)
	buf := *bp

	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr != nil {
			if !errors.Is(rerr, io.EOF) {
				return rerr
			}
			if cw, ok := dst.(closeWriter); ok {
				if err := cw.CloseWrite(); err != nil && !errors.Is(err, net.ErrClosed) {
					return err
				}
			}
			return nil
		}
	}
}
