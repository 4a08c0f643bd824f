// Package gateway serves forwards: one listener per entry, a handshake per
// client, a dial to the target and a relay session in between.
package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/jpillora/sizestr"

	"github.com/matst80/vncproxy/internal/forward"
	"github.com/matst80/vncproxy/internal/httpx"
	"github.com/matst80/vncproxy/internal/obs"
	"github.com/matst80/vncproxy/internal/ratelimit"
	"github.com/matst80/vncproxy/internal/relay"
	"github.com/matst80/vncproxy/internal/websocket"
)

// Config configures a Forwarder.
type Config struct {
	// ListenHost is the address forward listeners bind to, empty for all.
	ListenHost string
	// Engine performs WebSocket handshakes. Required.
	Engine *websocket.Engine
	// TLS wraps raw forwards created with TLSOnly.
	TLS              *tls.Config
	HandshakeTimeout time.Duration
	// ConnectTimeout bounds a single dial to the target.
	ConnectTimeout time.Duration
	// DialAttempts and DialInterval pace retries while the target is not
	// accepting yet.
	DialAttempts int
	DialInterval time.Duration
	// Limiter throttles new clients per remote IP. Optional.
	Limiter *ratelimit.RateLimiter
	// Dial replaces the default dialer, mostly for tests.
	Dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// Totals are process-wide session counters.
type Totals struct {
	Sessions       int64 `json:"sessions"`
	ActiveSessions int64 `json:"active_sessions"`
	BytesUp        int64 `json:"bytes_up"`
	BytesDown      int64 `json:"bytes_down"`
	Rejected       int64 `json:"rejected"`
}

// Forwarder implements forward.Binder.
type Forwarder struct {
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc

	sessions  atomic.Int64
	active    atomic.Int64
	bytesUp   atomic.Int64
	bytesDown atomic.Int64
	rejected  atomic.Int64
}

var _ forward.Binder = (*Forwarder)(nil)

func New(ctx context.Context, cfg Config) *Forwarder {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.DialAttempts <= 0 {
		cfg.DialAttempts = 50
	}
	if cfg.DialInterval <= 0 {
		cfg.DialInterval = 200 * time.Millisecond
	}
	if cfg.Dial == nil {
		d := &net.Dialer{Timeout: cfg.ConnectTimeout}
		cfg.Dial = d.DialContext
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Forwarder{cfg: cfg, ctx: ctx, cancel: cancel}
}

// Totals returns the current counters.
func (f *Forwarder) Totals() Totals {
	return Totals{
		Sessions:       f.sessions.Load(),
		ActiveSessions: f.active.Load(),
		BytesUp:        f.bytesUp.Load(),
		BytesDown:      f.bytesDown.Load(),
		Rejected:       f.rejected.Load(),
	}
}

// Shutdown stops every binding and its sessions.
func (f *Forwarder) Shutdown() { f.cancel() }

// Bind opens the listener for e and starts accepting clients.
func (f *Forwarder) Bind(e forward.Entry) (forward.Binding, error) {
	lc := net.ListenConfig{}
	if e.WebSocket {
		lc.Control = deferAccept(int(f.cfg.HandshakeTimeout / time.Second))
	}
	addr := net.JoinHostPort(f.cfg.ListenHost, strconv.Itoa(e.ListenPort))
	ln, err := lc.Listen(f.ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(f.ctx)
	b := &binding{f: f, entry: e, ln: ln, ctx: ctx, cancel: cancel}
	go b.serve()
	return b, nil
}

type binding struct {
	f      *Forwarder
	entry  forward.Entry
	ln     net.Listener
	ctx    context.Context
	cancel context.CancelFunc

	active   atomic.Int32
	lastUsed atomic.Int64
	once     sync.Once
}

func (b *binding) Active() int { return int(b.active.Load()) }

func (b *binding) LastUsed() time.Time {
	n := b.lastUsed.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (b *binding) touch() { b.lastUsed.Store(time.Now().UnixNano()) }

// Close stops accepting and cancels running sessions without waiting for
// them.
func (b *binding) Close() error {
	var err error
	b.once.Do(func() {
		b.cancel()
		err = b.ln.Close()
	})
	return err
}

func (b *binding) serve() {
	go func() {
		<-b.ctx.Done()
		_ = b.ln.Close()
	}()
	for {
		c, err := b.ln.Accept()
		if err != nil {
			if b.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				obs.Error("accept.forward.timeout", obs.Fields{"err": err.Error(), "port": b.entry.ListenPort})
				continue
			}
			obs.Error("accept.forward", obs.Fields{"err": err.Error(), "port": b.entry.ListenPort})
			return
		}
		go b.handle(c)
	}
}

func (b *binding) handle(c net.Conn) {
	f := b.f
	ip := httpx.RemoteIPFromConn(c)
	if f.cfg.Limiter != nil && !f.cfg.Limiter.AllowConnection(ip) {
		f.rejected.Add(1)
		obs.ErrorsTotal.WithLabelValues("rate_limited").Inc()
		obs.Debug("forward.rate_limited", obs.Fields{"remote": ip, "port": b.entry.ListenPort})
		_ = c.Close()
		return
	}
	id := uuid.NewString()
	fields := obs.Fields{"session": id, "remote": ip, "port": b.entry.ListenPort, "target": b.entry.Target()}

	client, err := b.accept(c, fields)
	if err != nil {
		return
	}
	b.touch()

	target, err := f.dialTarget(b.ctx, b.entry.Target())
	if err != nil {
		obs.Error("session.dial", obs.Fields{"session": id, "target": b.entry.Target(), "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("dial").Inc()
		_ = client.Close()
		return
	}

	b.active.Add(1)
	f.active.Add(1)
	f.sessions.Add(1)
	obs.ActiveSessions.Inc()
	obs.Info("session.start", fields)
	s := &relay.Session{Client: client, Target: target, Touch: b.touch}
	st, err := s.Run(b.ctx)
	b.active.Add(-1)
	f.active.Add(-1)
	obs.ActiveSessions.Dec()
	f.bytesUp.Add(st.ClientToTarget)
	f.bytesDown.Add(st.TargetToClient)
	obs.SessionDurationSeconds.Observe(st.Duration.Seconds())

	end := obs.Fields{
		"session":  id,
		"up":       sizestr.ToString(st.ClientToTarget),
		"down":     sizestr.ToString(st.TargetToClient),
		"duration": st.Duration.Round(time.Millisecond).String(),
	}
	if err != nil {
		end["err"] = err.Error()
		obs.ErrorsTotal.WithLabelValues("relay").Inc()
		obs.Warn("session.end", end)
		return
	}
	obs.Info("session.end", end)
}

// accept turns a fresh connection into a relay client. On error c is closed.
func (b *binding) accept(c net.Conn, fields obs.Fields) (relay.Client, error) {
	f := b.f
	if !b.entry.WebSocket {
		if !b.entry.TLSOnly {
			return relay.StreamClient(c), nil
		}
		if f.cfg.TLS == nil {
			_ = c.Close()
			obs.Warn("forward.tls_unavailable", fields)
			return nil, websocket.ErrTLSUnavailable
		}
		tc := tls.Server(c, f.cfg.TLS)
		_ = tc.SetDeadline(time.Now().Add(f.cfg.HandshakeTimeout))
		if err := tc.Handshake(); err != nil {
			_ = tc.Close()
			obs.Warn("forward.tls_handshake", obs.Fields{"session": fields["session"], "err": err.Error()})
			return nil, err
		}
		_ = tc.SetDeadline(time.Time{})
		return relay.StreamClient(tc), nil
	}

	_ = c.SetDeadline(time.Now().Add(f.cfg.HandshakeTimeout))
	wc, hc, err := f.cfg.Engine.Handshake(c, b.entry.TLSOnly)
	if err != nil {
		logHandshakeError(err, fields)
		return nil, err
	}
	_ = c.SetDeadline(time.Time{})
	obs.HandshakesTotal.WithLabelValues(hc.Variant.String()).Inc()
	obs.Debug("handshake.ok", obs.Fields{"session": fields["session"], "variant": hc.Variant.String(), "scheme": hc.Scheme, "path": hc.Path, "origin": hc.Origin})
	return wc, nil
}

func logHandshakeError(err error, fields obs.Fields) {
	f := obs.Fields{"session": fields["session"], "remote": fields["remote"], "err": err.Error()}
	switch {
	case errors.Is(err, websocket.ErrFlashPolicy):
		obs.Info("handshake.flash_policy", f)
	case errors.Is(err, websocket.ErrCleanClose):
		obs.Debug("handshake.clean_close", f)
	case errors.Is(err, websocket.ErrTLSRequired), errors.Is(err, websocket.ErrTLSUnavailable):
		obs.ErrorsTotal.WithLabelValues("tls").Inc()
		obs.Warn("handshake.tls", f)
	default:
		obs.ErrorsTotal.WithLabelValues("handshake").Inc()
		obs.Warn("handshake.failed", f)
	}
}

// dialTarget connects to addr, retrying while the target refuses so that a
// console that is still starting gets a chance.
func (f *Forwarder) dialTarget(ctx context.Context, addr string) (net.Conn, error) {
	bo := &backoff.Backoff{Min: f.cfg.DialInterval, Max: 4 * f.cfg.DialInterval, Factor: 1.5}
	var lastErr error
	for attempt := 1; attempt <= f.cfg.DialAttempts; attempt++ {
		c, err := f.cfg.Dial(ctx, "tcp", addr)
		if err == nil {
			if attempt > 1 {
				obs.Debug("session.dial_retried", obs.Fields{"target": addr, "attempts": attempt})
			}
			return c, nil
		}
		lastErr = err
		if attempt == f.cfg.DialAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(bo.Duration()):
		}
	}
	return nil, fmt.Errorf("dial %s after %d attempts: %w", addr, f.cfg.DialAttempts, lastErr)
}
