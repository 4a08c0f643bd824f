// Package forward keeps the set of active port forwards and allocates their
// listening ports from a configurable range.
package forward

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/matst80/vncproxy/internal/obs"
)

const (
	DefaultBeginPort = 7000
	DefaultEndPort   = 8000

	storeTimeout = 5 * time.Second
)

// Request asks for a new forward. SourcePort 0 lets the registry pick.
type Request struct {
	SourcePort int
	TargetHost string
	TargetPort int
	Password   string
	WebSocket  bool
	TLSOnly    bool
}

// Entry is a snapshot of an active forward.
type Entry struct {
	ListenPort int       `json:"listen_port"`
	TargetHost string    `json:"target_host"`
	TargetPort int       `json:"target_port"`
	Password   string    `json:"-"`
	WebSocket  bool      `json:"ws"`
	TLSOnly    bool      `json:"tls"`
	CreatedAt  time.Time `json:"created_at"`
	Refs       int       `json:"refs"`
	Sessions   int       `json:"sessions"`
	LastUsed   time.Time `json:"last_used"`
}

// Target is the dialable target address.
func (e Entry) Target() string {
	return net.JoinHostPort(e.TargetHost, fmt.Sprint(e.TargetPort))
}

// Binding is the live side of an entry, typically its listener.
type Binding interface {
	io.Closer
	// Active is the number of sessions currently relaying.
	Active() int
	// LastUsed is when bytes last moved, or the zero time.
	LastUsed() time.Time
}

// Binder opens the listening side of an entry.
type Binder interface {
	Bind(e Entry) (Binding, error)
}

// Config configures a Registry.
type Config struct {
	BeginPort int
	EndPort   int
	// IdleTimeout evicts entries without sessions that were idle this long.
	// Zero disables eviction.
	IdleTimeout time.Duration
	// Reuse returns an existing entry for an identical request with no
	// SourcePort instead of allocating a new port.
	Reuse  bool
	Binder Binder
	Store  Store
	Now    func() time.Time
}

type slot struct {
	entry   Entry
	binding Binding
}

// Registry owns all forwards. All mutations happen under one lock.
type Registry struct {
	binder Binder
	store  Store
	now    func() time.Time
	idle   time.Duration
	reuse  bool

	mu      sync.Mutex
	begin   int
	end     int
	cursor  int
	entries map[int]*slot
	closed  bool
}

func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.BeginPort == 0 && cfg.EndPort == 0 {
		cfg.BeginPort, cfg.EndPort = DefaultBeginPort, DefaultEndPort
	}
	if err := validRange(cfg.BeginPort, cfg.EndPort); err != nil {
		return nil, err
	}
	if cfg.Binder == nil {
		return nil, errors.New("forward: nil binder")
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Registry{
		binder:  cfg.Binder,
		store:   cfg.Store,
		now:     cfg.Now,
		idle:    cfg.IdleTimeout,
		reuse:   cfg.Reuse,
		begin:   cfg.BeginPort,
		end:     cfg.EndPort,
		cursor:  cfg.BeginPort,
		entries: make(map[int]*slot),
	}, nil
}

func validRange(begin, end int) error {
	if begin < 1 || end > 65535 || begin >= end {
		return fmt.Errorf("%w: %d-%d", ErrInvalidRange, begin, end)
	}
	return nil
}

func validPort(p int) bool { return p >= 1 && p <= 65535 }

// Request validates req and creates, or reuses, a forward. Validation
// failures leave the registry unchanged.
func (r *Registry) Request(ctx context.Context, req Request) (Entry, bool, error) {
	if req.Password == "" {
		return Entry{}, false, ErrMissingPassword
	}
	if req.TargetHost == "" || !validPort(req.TargetPort) {
		return Entry{}, false, fmt.Errorf("%w: %q port %d", ErrInvalidTarget, req.TargetHost, req.TargetPort)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return Entry{}, false, net.ErrClosed
	}

	if req.SourcePort != 0 {
		if req.SourcePort < r.begin || req.SourcePort > r.end {
			return Entry{}, false, fmt.Errorf("%w: %d outside %d-%d", ErrPortUnavailable, req.SourcePort, r.begin, r.end)
		}
		if _, used := r.entries[req.SourcePort]; used {
			return Entry{}, false, fmt.Errorf("%w: %d in use", ErrPortUnavailable, req.SourcePort)
		}
		e, err := r.open(ctx, req, req.SourcePort)
		if err != nil {
			return Entry{}, false, fmt.Errorf("%w: %d: %v", ErrPortUnavailable, req.SourcePort, err)
		}
		return e, false, nil
	}

	if r.reuse {
		for _, s := range r.entries {
			if s.entry.TargetHost == req.TargetHost && s.entry.TargetPort == req.TargetPort &&
				s.entry.WebSocket == req.WebSocket && s.entry.TLSOnly == req.TLSOnly &&
				subtle.ConstantTimeCompare([]byte(s.entry.Password), []byte(req.Password)) == 1 {
				s.entry.Refs++
				obs.Debug("forward.reused", obs.Fields{"port": s.entry.ListenPort, "refs": s.entry.Refs})
				return r.snapshot(s), true, nil
			}
		}
	}

	size := r.end - r.begin + 1
	port := r.cursor
	for i := 0; i < size; i++ {
		if port < r.begin || port > r.end {
			port = r.begin
		}
		candidate := port
		port++
		if _, used := r.entries[candidate]; used {
			continue
		}
		e, err := r.open(ctx, req, candidate)
		if err != nil {
			obs.Debug("forward.port_skipped", obs.Fields{"port": candidate, "err": err.Error()})
			continue
		}
		r.cursor = port
		return e, false, nil
	}
	return Entry{}, false, ErrRangeExhausted
}

// open claims and binds port. The caller holds r.mu.
func (r *Registry) open(ctx context.Context, req Request, port int) (Entry, error) {
	e := Entry{
		ListenPort: port,
		TargetHost: req.TargetHost,
		TargetPort: req.TargetPort,
		Password:   req.Password,
		WebSocket:  req.WebSocket,
		TLSOnly:    req.TLSOnly,
		CreatedAt:  r.now(),
		Refs:       1,
	}
	sctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	ok, err := r.store.Claim(sctx, Record{
		Port:        port,
		Target:      e.Target(),
		TokenDigest: TokenDigest(req.Password),
		WebSocket:   req.WebSocket,
		TLSOnly:     req.TLSOnly,
		CreatedAt:   e.CreatedAt,
	})
	if err != nil {
		return Entry{}, err
	}
	if !ok {
		return Entry{}, errors.New("claimed by another instance")
	}
	b, err := r.binder.Bind(e)
	if err != nil {
		_ = r.store.Release(sctx, port)
		return Entry{}, err
	}
	s := &slot{entry: e, binding: b}
	r.entries[port] = s
	obs.ActiveForwards.Set(float64(len(r.entries)))
	obs.Info("forward.created", obs.Fields{"port": port, "target": e.Target(), "ws": e.WebSocket, "tls": e.TLSOnly})
	return r.snapshot(s), nil
}

func (r *Registry) authorize(port int, password string) (*slot, error) {
	s, ok := r.entries[port]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownForward, port)
	}
	if subtle.ConstantTimeCompare([]byte(s.entry.Password), []byte(password)) != 1 {
		return nil, ErrPasswordMismatch
	}
	return s, nil
}

// Release drops one reference to the forward on port and removes it when
// none remain.
func (r *Registry) Release(port int, password string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.authorize(port, password)
	if err != nil {
		return err
	}
	s.entry.Refs--
	if s.entry.Refs > 0 {
		return nil
	}
	r.remove(s, "released")
	return nil
}

// Revoke removes the forward on port regardless of its references.
func (r *Registry) Revoke(port int, password string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, err := r.authorize(port, password)
	if err != nil {
		return err
	}
	r.remove(s, "revoked")
	return nil
}

// remove closes and forgets s. The caller holds r.mu.
func (r *Registry) remove(s *slot, reason string) {
	port := s.entry.ListenPort
	delete(r.entries, port)
	if err := s.binding.Close(); err != nil {
		obs.Debug("forward.close", obs.Fields{"port": port, "err": err.Error()})
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := r.store.Release(ctx, port); err != nil {
		obs.Error("forward.store_release", obs.Fields{"port": port, "err": err.Error()})
	}
	obs.ActiveForwards.Set(float64(len(r.entries)))
	obs.Info("forward.removed", obs.Fields{"port": port, "reason": reason})
}

// SetBeginPort moves the start of the range. Entries outside the new range
// stay until released.
func (r *Registry) SetBeginPort(v int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := validRange(v, r.end); err != nil {
		return err
	}
	r.begin = v
	obs.Info("forward.range", obs.Fields{"begin": r.begin, "end": r.end})
	return nil
}

// SetEndPort moves the end of the range.
func (r *Registry) SetEndPort(v int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := validRange(r.begin, v); err != nil {
		return err
	}
	r.end = v
	obs.Info("forward.range", obs.Fields{"begin": r.begin, "end": r.end})
	return nil
}

// Range returns the current allocation range, both ends inclusive.
func (r *Registry) Range() (begin, end int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.begin, r.end
}

// Sweep evicts entries with no sessions that have been idle longer than the
// idle timeout and refreshes the store claims of the rest. It returns the
// number of evicted entries.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var live []int
	evicted := 0
	for port, s := range r.entries {
		if r.idle > 0 && s.binding.Active() == 0 {
			last := s.entry.CreatedAt
			if lu := s.binding.LastUsed(); lu.After(last) {
				last = lu
			}
			if now.Sub(last) > r.idle {
				r.remove(s, "idle")
				evicted++
				continue
			}
		}
		live = append(live, port)
	}
	if len(live) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		for _, port := range live {
			if err := r.store.Touch(ctx, port); err != nil {
				obs.Error("forward.store_touch", obs.Fields{"port": port, "err": err.Error()})
			}
		}
	}
	return evicted
}

// Run sweeps every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(r.now()); n > 0 {
				obs.Info("forward.sweep", obs.Fields{"evicted": n})
			}
		}
	}
}

func (r *Registry) snapshot(s *slot) Entry {
	e := s.entry
	e.Sessions = s.binding.Active()
	e.LastUsed = s.binding.LastUsed()
	return e
}

// Lookup returns the entry listening on port.
func (r *Registry) Lookup(port int) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.entries[port]
	if !ok {
		return Entry{}, false
	}
	return r.snapshot(s), true
}

// Entries returns all entries ordered by port.
func (r *Registry) Entries() []Entry {
	r.mu.Lock()
	out := make([]Entry, 0, len(r.entries))
	for _, s := range r.entries {
		out = append(out, r.snapshot(s))
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ListenPort < out[j].ListenPort })
	return out
}

// Store exposes the backing store, mostly for status pages.
func (r *Registry) Store() Store { return r.store }

// Close removes every entry. Later requests fail with net.ErrClosed.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for _, s := range r.entries {
		r.remove(s, "shutdown")
	}
	return r.store.Close()
}
