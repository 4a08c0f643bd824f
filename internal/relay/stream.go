package relay

import (
	"net"
)

// StreamClient adapts a raw TCP client (a forward without WebSocket) to Client.
func StreamClient(c net.Conn) Client {
	return &streamClient{conn: c, buf: make([]byte, defaultBufferSize)}
}

type streamClient struct {
	conn net.Conn
	buf  []byte
}

// ReadMessage returns a slice of an internal buffer that is valid until the
// next call. Session writes it out before reading again.
func (c *streamClient) ReadMessage() ([]byte, error) {
	n, err := c.conn.Read(c.buf)
	return c.buf[:n], err
}

func (c *streamClient) WriteMessage(p []byte) error {
	_, err := c.conn.Write(p)
	return err
}

func (c *streamClient) Close() error { return c.conn.Close() }
