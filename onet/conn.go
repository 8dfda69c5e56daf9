package onet

import (
	"io"
	"net"
)

// DuplexConn is a net.Conn that additionally supports independently closing
// each half of the connection — required so that the Copy engine (§4.7) can
// half-close one direction on EOF while the other direction keeps flowing.
type DuplexConn interface {
	net.Conn
	CloseRead() error
	CloseWrite() error
}

// WrapConn returns a DuplexConn that reads and writes through the given
// io.Reader/io.Writer (typically a Shadowsocks Reader/Writer wrapping the
// same underlying clientConn) while delegating everything else — Close,
// CloseRead, CloseWrite, deadlines, addresses — to clientConn.
func WrapConn(clientConn DuplexConn, r io.Reader, w io.Writer) DuplexConn {
	return &wrappedConn{DuplexConn: clientConn, r: r, w: w}
}

type wrappedConn struct {
	DuplexConn
	r io.Reader
	w io.Writer
}

func (c *wrappedConn) Read(b []byte) (int, error)  { return c.r.Read(b) }
func (c *wrappedConn) Write(b []byte) (int, error) { return c.w.Write(b) }

func (c *wrappedConn) WriteTo(w io.Writer) (int64, error) {
	if wt, ok := c.r.(io.WriterTo); ok {
		return wt.WriteTo(w)
	}
	return io.Copy(w, c.r)
}

func (c *wrappedConn) ReadFrom(r io.Reader) (int64, error) {
	if rf, ok := c.w.(io.ReaderFrom); ok {
		return rf.ReadFrom(r)
	}
	return io.Copy(c.w, r)
}

// ByteCounter is incremented by a measuredConn as bytes pass through it.
// *onet.ByteCounter itself is safe for concurrent use in the sense that it
// is only ever written by the single goroutine running that direction of
// the copy engine, then read once the relay has finished — there is no
// concurrent writer.
type ByteCounter int64

// MeasureConn wraps conn so that every byte read increments *received and
// every byte written increments *sent. It is used to populate the per
// connection ProxyMetrics counters.
func MeasureConn(conn DuplexConn, sent, received *ByteCounter) DuplexConn {
	return &measuredConn{DuplexConn: conn, sent: sent, received: received}
}

type measuredConn struct {
	DuplexConn
	sent, received *ByteCounter
}

func (c *measuredConn) Read(b []byte) (int, error) {
	n, err := c.DuplexConn.Read(b)
	*c.received += ByteCounter(n)
	return n, err
}

func (c *measuredConn) Write(b []byte) (int, error) {
	n, err := c.DuplexConn.Write(b)
	*c.sent += ByteCounter(n)
	return n, err
}

func (c *measuredConn) WriteTo(w io.Writer) (int64, error) {
	n, err := io.Copy(w, c.DuplexConn)
	*c.received += ByteCounter(n)
	return n, err
}

func (c *measuredConn) ReadFrom(r io.Reader) (int64, error) {
	n, err := io.Copy(c.DuplexConn, r)
	*c.sent += ByteCounter(n)
	return n, err
}
