// Package relay pumps bytes between an upgraded client transport and a
// target TCP connection until either side ends.
package relay

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/matst80/vncproxy/internal/obs"
)

// Client is the browser side of a session. Implementations decode and
// encode their own framing; payloads are opaque bytes.
type Client interface {
	ReadMessage() ([]byte, error)
	WriteMessage(p []byte) error
	Close() error
}

// Stats describes a finished session.
type Stats struct {
	ClientToTarget int64
	TargetToClient int64
	Duration       time.Duration
}

const defaultBufferSize = 64 * 1024

var (
	upBytes   = obs.RelayBytesTotal.WithLabelValues("client_to_target")
	downBytes = obs.RelayBytesTotal.WithLabelValues("target_to_client")
)

// Session relays one client to one target. A Session runs once.
type Session struct {
	Client Client
	Target net.Conn
	// BufferSize bounds a single read from the target.
	BufferSize int
	// Touch, when set, is called each time bytes move in either direction.
	Touch func()
}

type pumpResult struct {
	up  bool
	n   int64
	err error
}

func (st *Stats) add(r pumpResult) {
	if r.up {
		st.ClientToTarget = r.n
	} else {
		st.TargetToClient = r.n
	}
}

// Run starts both directions and blocks until the session ends. The first
// direction to finish, or ctx being done, closes both transports. Normal
// terminations (EOF, closed connection, broken pipe, reset) return nil.
// Other errors, such as a client framing error, are returned as is.
func (s *Session) Run(ctx context.Context) (Stats, error) {
	start := time.Now()
	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			_ = s.Client.Close()
			_ = s.Target.Close()
		})
	}

	done := make(chan pumpResult, 2)
	go func() {
		n, err := s.clientToTarget()
		done <- pumpResult{up: true, n: n, err: err}
	}()
	go func() {
		n, err := s.targetToClient()
		done <- pumpResult{n: n, err: err}
	}()

	var (
		st       Stats
		first    error
		received int
	)
	select {
	case r := <-done:
		st.add(r)
		first, received = r.err, 1
	case <-ctx.Done():
		first = ctx.Err()
	}
	closeBoth()
	for ; received < 2; received++ {
		st.add(<-done)
	}
	st.Duration = time.Since(start)

	if first != nil && !IsExpectedCloseError(first) {
		return st, first
	}
	return st, nil
}

func (s *Session) clientToTarget() (int64, error) {
	var total int64
	for {
		p, err := s.Client.ReadMessage()
		if len(p) > 0 {
			n, werr := s.Target.Write(p)
			total += int64(n)
			upBytes.Add(float64(n))
			s.touch()
			if werr != nil {
				return total, werr
			}
		}
		if err != nil {
			return total, err
		}
	}
}

func (s *Session) targetToClient() (int64, error) {
	size := s.BufferSize
	if size <= 0 {
		size = defaultBufferSize
	}
	buf := make([]byte, size)
	var total int64
	for {
		n, err := s.Target.Read(buf)
		if n > 0 {
			if werr := s.Client.WriteMessage(buf[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
			downBytes.Add(float64(n))
			s.touch()
		}
		if err != nil {
			return total, err
		}
	}
}

func (s *Session) touch() {
	if s.Touch != nil {
		s.Touch()
	}
}

// IsExpectedCloseError reports whether err is the normal result of a peer
// going away or of the session closing its own transports.
func IsExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}
