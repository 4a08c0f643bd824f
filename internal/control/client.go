package control

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/matst80/vncproxy/internal/proto"
)

// RequestForward sends one request to the control server at addr and
// returns the allocated port (0 for release and revoke). A failure reply is
// returned as *proto.ReplyError.
func RequestForward(ctx context.Context, addr string, tlsConfig *tls.Config, req proto.ForwardRequest) (int, error) {
	var (
		c   net.Conn
		err error
	)
	d := &net.Dialer{Timeout: 10 * time.Second}
	if tlsConfig != nil {
		td := &tls.Dialer{NetDialer: d, Config: tlsConfig}
		c, err = td.DialContext(ctx, "tcp", addr)
	} else {
		c, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return 0, err
	}
	defer c.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = c.SetDeadline(dl)
	}
	line, err := req.Line()
	if err != nil {
		return 0, err
	}
	if _, err := c.Write(line); err != nil {
		return 0, err
	}
	reply, err := bufio.NewReader(c).ReadString('\n')
	if err != nil {
		return 0, err
	}
	return proto.ParseReply(reply)
}
