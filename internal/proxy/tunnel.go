package proxy

import (
	"context"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/cmux-dev/cmux/internal/logger"
)

// tunnelBufSize is the per-direction read buffer for upgraded connections.
const tunnelBufSize = 16 * 1024

// halfCloser is implemented by connections that support shutting down the
// write side independently (net.TCPConn and friends).
type halfCloser interface {
	CloseWrite() error
}

// tunnel pumps bytes between the client and upstream sides of an upgraded
// connection until both directions reach EOF or either errors. Forwarding
// is opaque: no framing interpretation. Each direction propagates EOF as
// a half-close on its peer writer; an error tears down both sides.
func tunnel(ctx context.Context, client, upstream io.ReadWriteCloser) {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return pump(client, upstream) })
	g.Go(func() error { return pump(upstream, client) })

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			// First error (or caller cancellation) unblocks the peer
			// reader within one buffer cycle.
			client.Close()
			upstream.Close()
		case <-done:
		}
	}()

	if err := g.Wait(); err != nil && err != io.EOF {
		logger.Debug().Err(err).Msg("tunnel closed with error")
	}
	close(done)
	client.Close()
	upstream.Close()
}

// pump copies src to dst with a fixed buffer, then propagates EOF by
// shutting down dst's write side when supported.
func pump(src io.Reader, dst io.WriteCloser) error {
	buf := make([]byte, tunnelBufSize)
	_, err := io.CopyBuffer(dst, src, buf)
	if hc, ok := dst.(halfCloser); ok {
		_ = hc.CloseWrite()
	} else {
		_ = dst.Close()
	}
	return err
}
