package onet

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/op/go-logging"
	"golang.org/x/sync/errgroup"
)

var log = logging.MustGetLogger("onet")

// DefaultIdleTimeout is used when a caller does not configure one.
const DefaultIdleTimeout = 60 * time.Second

// ConnContext is the per-active-relay state of the Data Model: the two
// sockets, the idle timeout applied to both directions, and a trace id used
// to correlate the two half-copies' log lines. It is owned exclusively by
// the one relay task that creates it and is discarded when the relay ends.
type ConnContext struct {
	TraceID string
	Local   DuplexConn
	Remote  DuplexConn
	Timeout time.Duration
}

// NewConnContext creates a ConnContext with a fresh trace id. timeout <= 0
// is replaced with DefaultIdleTimeout.
func NewConnContext(local, remote DuplexConn, timeout time.Duration) *ConnContext {
	if timeout <= 0 {
		timeout = DefaultIdleTimeout
	}
	return &ConnContext{
		TraceID: uuid.NewString(),
		Local:   local,
		Remote:  remote,
		Timeout: timeout,
	}
}

// Relay runs the bidirectional copy of §4.7: two independent directions,
// each running until its source returns EOF or errors, at which point it
// half-closes its destination's write side so the peer observes the EOF.
// Both directions share an idle timeout; exceeding it in either direction
// closes both sockets. Relay blocks until both directions have finished and
// returns the byte counts and the first non-nil error observed, tagged with
// ctx.TraceID in the log.
func Relay(ctx *ConnContext) (clientToRemote, remoteToClient int64, err error) {
	var g errgroup.Group
	var teardown sync.Once
	var firstErr error
	// fail records the first error and closes both sockets, which also
	// stops the other direction.
	fail := func(copyErr error) {
		teardown.Do(func() {
			firstErr = copyErr
			ctx.Local.Close()
			ctx.Remote.Close()
		})
	}

	g.Go(func() error {
		n, copyErr := copyDirection(ctx.Remote, ctx.Local, ctx.Timeout)
		clientToRemote = n
		if copyErr != nil {
			log.Debugf("[%s] client->remote: %v", ctx.TraceID, copyErr)
			fail(copyErr)
		}
		return copyErr
	})
	g.Go(func() error {
		n, copyErr := copyDirection(ctx.Local, ctx.Remote, ctx.Timeout)
		remoteToClient = n
		if copyErr != nil {
			log.Debugf("[%s] remote->client: %v", ctx.TraceID, copyErr)
			fail(copyErr)
		}
		return copyErr
	})

	g.Wait()
	return clientToRemote, remoteToClient, firstErr
}

// copyDirection copies from src to dst until src returns EOF or an error,
// refreshing src's read deadline before every read so an idle (not merely
// slow) direction is cut off after timeout. On a clean EOF, it half-closes
// dst's write side; on any other error it returns the error so the caller
// can tear down both sockets.
func copyDirection(dst, src DuplexConn, timeout time.Duration) (int64, error) {
	buf := make([]byte, 16*1024)
	var written int64
	for {
		if err := src.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return written, NewError(Io, "failed to set read deadline", err)
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			nw, writeErr := writeFull(dst, buf[:n])
			written += int64(nw)
			if writeErr != nil {
				return written, NewError(Io, "failed to write during copy", writeErr)
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return written, dst.CloseWrite()
			}
			if ne, ok := readErr.(net.Error); ok && ne.Timeout() {
				return written, NewError(Timeout, "idle timeout exceeded", readErr)
			}
			return written, NewError(Io, "failed to read during copy", readErr)
		}
	}
}

// writeFull retries partial writes until dst accepts all of p, a timeout
// elapses (via dst's own write deadline, left to the caller to configure),
// or an error occurs.
func writeFull(dst io.Writer, p []byte) (int, error) {
	total := 0
	for total < len(p) {
		n, err := dst.Write(p[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
