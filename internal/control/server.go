// Package control serves the line-based control protocol that provisions
// forwards, and the client used to talk to it.
package control

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"github.com/matst80/vncproxy/internal/forward"
	"github.com/matst80/vncproxy/internal/httpx"
	"github.com/matst80/vncproxy/internal/obs"
	"github.com/matst80/vncproxy/internal/proto"
	"github.com/matst80/vncproxy/internal/ratelimit"
)

// Registry is the part of forward.Registry the control server drives.
type Registry interface {
	Request(ctx context.Context, req forward.Request) (forward.Entry, bool, error)
	Release(port int, password string) error
	Revoke(port int, password string) error
}

// Server answers control requests. The zero value is not usable; Registry
// must be set.
type Server struct {
	Registry Registry
	// Limiter throttles requests per remote IP. Optional.
	Limiter *ratelimit.RateLimiter
	// IdleTimeout closes connections that send nothing for this long.
	IdleTimeout time.Duration
	// LineTimeout is how long a started request may pause before the bytes
	// received so far are taken as the whole request.
	LineTimeout time.Duration
	// MaxLine bounds a request line.
	MaxLine int
}

const (
	defaultIdleTimeout = 60 * time.Second
	defaultLineTimeout = 500 * time.Millisecond
	defaultMaxLine     = 4096
)

var errLineTooLong = errors.New("control request too long")

// Listen creates either a plain TCP or TLS listener based on tlsConfig.
func Listen(addr string, tlsConfig *tls.Config) (net.Listener, error) {
	if tlsConfig == nil {
		return net.Listen("tcp", addr)
	}
	return tls.Listen("tcp", addr, tlsConfig)
}

// Serve accepts control connections until ctx is done or ln fails.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				obs.Error("accept.control.timeout", obs.Fields{"err": err.Error()})
				continue
			}
			return err
		}
		go s.handle(ctx, c)
	}
}

func (s *Server) handle(ctx context.Context, c net.Conn) {
	defer c.Close()
	idle := s.IdleTimeout
	if idle <= 0 {
		idle = defaultIdleTimeout
	}
	pause := s.LineTimeout
	if pause <= 0 {
		pause = defaultLineTimeout
	}
	maxLine := s.MaxLine
	if maxLine <= 0 {
		maxLine = defaultMaxLine
	}
	remote := httpx.RemoteIPFromConn(c)
	br := bufio.NewReaderSize(c, min(4096, maxLine+2))
	for {
		line, err := readRequest(c, br, idle, pause, maxLine)
		if err != nil {
			var ne net.Error
			switch {
			case errors.Is(err, errLineTooLong):
				obs.ErrorsTotal.WithLabelValues("control_line").Inc()
				_, _ = c.Write([]byte(proto.FailureReply("request too long")))
				lingerClose(c)
			case errors.Is(err, io.EOF):
			case errors.As(err, &ne) && ne.Timeout():
				obs.Debug("control.idle", obs.Fields{"remote": remote})
			default:
				obs.Error("control.conn.read", obs.Fields{"err": err.Error(), "remote": remote})
			}
			return
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		var reply string
		if s.Limiter != nil && !s.Limiter.AllowRequest(remote) {
			obs.ForwardRequestsTotal.WithLabelValues("rate_limited").Inc()
			reply = proto.FailureReply("rate limited")
		} else {
			reply = s.Exec(ctx, line)
		}
		_ = c.SetWriteDeadline(time.Now().Add(idle))
		if _, err := c.Write([]byte(reply)); err != nil {
			obs.Error("control.conn.write", obs.Fields{"err": err.Error(), "remote": remote})
			return
		}
	}
}

// readRequest waits up to idle for the next request and returns it without
// the newline. Clients that send a request without a newline and wait for
// the reply are served once no byte arrived for pause, or on EOF.
func readRequest(c net.Conn, br *bufio.Reader, idle, pause time.Duration, maxLine int) (string, error) {
	_ = c.SetReadDeadline(time.Now().Add(idle))
	if _, err := br.Peek(1); err != nil {
		return "", err
	}
	var line []byte
	for {
		_ = c.SetReadDeadline(time.Now().Add(pause))
		chunk, err := br.ReadSlice('\n')
		line = append(line, chunk...)
		if len(bytes.TrimRight(line, "\r\n")) > maxLine {
			return "", errLineTooLong
		}
		var ne net.Error
		switch {
		case err == nil:
			return string(bytes.TrimRight(line, "\r\n")), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF), errors.As(err, &ne) && ne.Timeout():
			return string(bytes.TrimRight(line, "\r\n")), nil
		default:
			return "", err
		}
	}
}

// lingerClose drains unread input for a moment so the last reply is not
// lost to a connection reset.
func lingerClose(c net.Conn) {
	_ = c.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	_, _ = io.Copy(io.Discard, io.LimitReader(c, 64<<10))
}

// Exec runs one request line and returns the reply line.
func (s *Server) Exec(ctx context.Context, line string) string {
	req, err := proto.ParseRequest(line)
	if err != nil {
		obs.ForwardRequestsTotal.WithLabelValues("bad_request").Inc()
		obs.Warn("control.bad_request", obs.Fields{"err": err.Error()})
		return proto.FailureReply(err.Error())
	}
	switch req.Op {
	case proto.OpRelease, proto.OpRevoke:
		op := s.Registry.Release
		if req.Op == proto.OpRevoke {
			op = s.Registry.Revoke
		}
		if err := op(int(req.SPort), req.Password); err != nil {
			obs.ForwardRequestsTotal.WithLabelValues("failed").Inc()
			obs.Warn("control."+string(req.Op), obs.Fields{"port": int(req.SPort), "err": err.Error()})
			return proto.FailureReply(err.Error())
		}
		obs.ForwardRequestsTotal.WithLabelValues(string(req.Op)).Inc()
		return proto.OKReply()
	}

	e, reused, err := s.Registry.Request(ctx, forward.Request{
		SourcePort: int(req.SPort),
		TargetHost: req.DAddr,
		TargetPort: int(req.DPort),
		Password:   req.Password,
		WebSocket:  req.WebSocket(),
		TLSOnly:    req.TLS,
	})
	if err != nil {
		obs.ForwardRequestsTotal.WithLabelValues("failed").Inc()
		obs.Warn("control.request", obs.Fields{"target": req.DAddr, "dport": int(req.DPort), "err": err.Error()})
		return proto.FailureReply(err.Error())
	}
	result := "ok"
	if reused {
		result = "reused"
	}
	obs.ForwardRequestsTotal.WithLabelValues(result).Inc()
	obs.Info("control.request", obs.Fields{"port": e.ListenPort, "target": e.Target(), "reused": reused})
	return proto.PortReply(e.ListenPort)
}
