package websocket

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// Conn is an upgraded client transport carrying opaque payload bytes.
// ReadMessage and WriteMessage may be used from two different goroutines.
type Conn interface {
	// ReadMessage returns the next decoded payload. It returns io.EOF once the
	// peer closed the stream, orderly or not.
	ReadMessage() ([]byte, error)
	// WriteMessage frames p and writes it to the client.
	WriteMessage(p []byte) error
	// Close sends a best-effort closing frame and closes the transport.
	Close() error
	Variant() Variant
	RemoteAddr() net.Addr
}

// maxPendingFrame bounds how much undecoded frame data a legacy connection
// buffers while waiting for a terminator.
const maxPendingFrame = 1 << 20

const closeWriteTimeout = time.Second

// legacyConn carries draft 75/76 text frames over a (possibly TLS) stream.
type legacyConn struct {
	conn    net.Conn
	r       *bufio.Reader
	variant Variant

	buf     []byte
	pending []byte
	eof     bool

	closeOnce sync.Once
}

func newLegacyConn(conn net.Conn, r *bufio.Reader, v Variant) *legacyConn {
	return &legacyConn{conn: conn, r: r, variant: v, buf: make([]byte, 64*1024)}
}

func (c *legacyConn) ReadMessage() ([]byte, error) {
	for {
		if c.eof {
			return nil, io.EOF
		}
		complete, consumed, closed, err := splitFrames(c.pending)
		if err != nil {
			return nil, err
		}
		if closed {
			c.eof = true
		}
		var payload []byte
		if len(complete) > 0 {
			payload, err = Decode(complete)
			if err != nil {
				return nil, err
			}
		}
		c.pending = append(c.pending[:0], c.pending[consumed:]...)
		if len(payload) > 0 {
			return payload, nil
		}
		if c.eof {
			return nil, io.EOF
		}
		if len(c.pending) > maxPendingFrame {
			return nil, fmt.Errorf("%w: frame exceeds %d bytes", ErrFrameDecode, maxPendingFrame)
		}
		n, err := c.r.Read(c.buf)
		if n > 0 {
			c.pending = append(c.pending, c.buf[:n]...)
			continue
		}
		if err != nil {
			return nil, err
		}
	}
}

func (c *legacyConn) WriteMessage(p []byte) error {
	_, err := c.conn.Write(Encode(p))
	return err
}

func (c *legacyConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.conn.SetWriteDeadline(time.Now().Add(closeWriteTimeout))
		_, _ = c.conn.Write(closeFrame)
		err = c.conn.Close()
	})
	return err
}

func (c *legacyConn) Variant() Variant     { return c.variant }
func (c *legacyConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// peekedConn serves reads from a buffered reader that already holds bytes
// peeked off the underlying connection.
type peekedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *peekedConn) Read(p []byte) (int, error) { return c.r.Read(p) }
