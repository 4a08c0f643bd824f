package control

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/matst80/vncproxy/internal/forward"
	"github.com/matst80/vncproxy/internal/proto"
	"github.com/matst80/vncproxy/internal/ratelimit"
	"github.com/matst80/vncproxy/internal/tlsutil"
)

type fakeRegistry struct {
	mu       sync.Mutex
	next     int
	requests []forward.Request
	released []int
	revoked  []int
}

func (f *fakeRegistry) Request(_ context.Context, req forward.Request) (forward.Entry, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if req.Password == "" {
		return forward.Entry{}, false, forward.ErrMissingPassword
	}
	f.requests = append(f.requests, req)
	port := req.SourcePort
	if port == 0 {
		f.next++
		port = 7000 + f.next
	}
	return forward.Entry{ListenPort: port, TargetHost: req.TargetHost, TargetPort: req.TargetPort}, false, nil
}

func (f *fakeRegistry) Release(port int, password string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if port == 9999 {
		return forward.ErrUnknownForward
	}
	f.released = append(f.released, port)
	return nil
}

func (f *fakeRegistry) Revoke(port int, password string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, port)
	return nil
}

func startServer(t *testing.T, s *Server, tlsConfig *tls.Config) string {
	t.Helper()
	ln, err := Listen("127.0.0.1:0", tlsConfig)
	if err != nil {
		t.Fatalf("Listen error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = s.Serve(ctx, ln) }()
	return ln.Addr().String()
}

func TestExec(t *testing.T) {
	reg := &fakeRegistry{}
	s := &Server{Registry: reg}
	ctx := context.Background()

	if got := s.Exec(ctx, `{"daddr":"node1","dport":5900,"password":"pw"}`); got != "7001\n" {
		t.Errorf("Expected 7001, got %q", got)
	}
	if got := s.Exec(ctx, "7050:node2:5901:pw"); got != "7050\n" {
		t.Errorf("Expected legacy request to use sport 7050, got %q", got)
	}
	if got := s.Exec(ctx, `{"daddr":"node1","dport":5900,"password":""}`); !strings.HasPrefix(got, "FAILED") {
		t.Errorf("Expected failure for missing password, got %q", got)
	}
	if got := s.Exec(ctx, "not a request"); !strings.HasPrefix(got, "FAILED") {
		t.Errorf("Expected failure for garbage, got %q", got)
	}
	if got := s.Exec(ctx, `{"op":"release","sport":7001,"password":"pw"}`); got != "OK\n" {
		t.Errorf("Expected OK for release, got %q", got)
	}
	if got := s.Exec(ctx, `{"op":"release","sport":9999,"password":"pw"}`); !strings.HasPrefix(got, "FAILED") {
		t.Errorf("Expected failure for unknown release, got %q", got)
	}
	if got := s.Exec(ctx, `{"op":"revoke","sport":"7050","password":"pw"}`); got != "OK\n" {
		t.Errorf("Expected OK for revoke, got %q", got)
	}

	if len(reg.requests) != 2 || !reg.requests[0].WebSocket || reg.requests[1].TargetHost != "node2" {
		t.Errorf("Unexpected registry requests: %+v", reg.requests)
	}
	if len(reg.released) != 1 || len(reg.revoked) != 1 || reg.revoked[0] != 7050 {
		t.Errorf("Unexpected release/revoke calls: %v %v", reg.released, reg.revoked)
	}
}

func TestServeMultipleRequestsPerConnection(t *testing.T) {
	addr := startServer(t, &Server{Registry: &fakeRegistry{}}, nil)
	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))
	br := bufio.NewReader(c)
	for i, want := range []string{"7001\n", "7002\n"} {
		if _, err := c.Write([]byte(`{"daddr":"h","dport":5900,"password":"p"}` + "\r\n")); err != nil {
			t.Fatal(err)
		}
		got, err := br.ReadString('\n')
		if err != nil || got != want {
			t.Errorf("Request %d: expected %q, got %q (%v)", i, want, got, err)
		}
	}
}

func TestServeRejectsLongLines(t *testing.T) {
	addr := startServer(t, &Server{Registry: &fakeRegistry{}, MaxLine: 64}, nil)
	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))
	go func() { _, _ = c.Write([]byte(strings.Repeat("x", 200) + "\n")) }()
	got, _ := bufio.NewReader(c).ReadString('\n')
	if !strings.HasPrefix(got, "FAILED") {
		t.Errorf("Expected failure for oversized line, got %q", got)
	}
}

func TestServeRateLimited(t *testing.T) {
	rl := ratelimit.NewRateLimiter(ratelimit.Config{PerClientReq: 1, Burst: 1})
	addr := startServer(t, &Server{Registry: &fakeRegistry{}, Limiter: rl}, nil)
	req := proto.ForwardRequest{DAddr: "h", DPort: 5900, Password: "p"}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := RequestForward(ctx, addr, nil, req); err != nil {
		t.Fatalf("Expected first request to pass, got %v", err)
	}
	_, err := RequestForward(ctx, addr, nil, req)
	var re *proto.ReplyError
	if !errors.As(err, &re) || re.Reason != "rate limited" {
		t.Errorf("Expected rate limited reply, got %v", err)
	}
}

func TestRequestForwardOverTLS(t *testing.T) {
	cert, _, _, err := tlsutil.SelfSigned("127.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	addr := startServer(t, &Server{Registry: &fakeRegistry{}}, &tls.Config{Certificates: []tls.Certificate{cert}})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	port, err := RequestForward(ctx, addr, &tls.Config{InsecureSkipVerify: true}, proto.ForwardRequest{DAddr: "h", DPort: 5900, Password: "p"})
	if err != nil || port != 7001 {
		t.Errorf("Expected port 7001 over TLS, got %d (%v)", port, err)
	}
}

func TestServeUnterminatedLegacyRequest(t *testing.T) {
	reg := &fakeRegistry{}
	addr := startServer(t, &Server{Registry: reg, IdleTimeout: 5 * time.Second, LineTimeout: 100 * time.Millisecond}, nil)
	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	start := time.Now()
	_ = c.SetDeadline(start.Add(10 * time.Second))
	if _, err := c.Write([]byte(":10.0.0.1:5900:secret")); err != nil {
		t.Fatal(err)
	}
	got, err := bufio.NewReader(c).ReadString('\n')
	if err != nil || got != "7001\n" {
		t.Fatalf("Expected 7001, got %q (%v)", got, err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Expected reply well before the idle timeout, took %s", elapsed)
	}
	if len(reg.requests) != 1 || reg.requests[0].TargetHost != "10.0.0.1" || reg.requests[0].Password != "secret" {
		t.Errorf("Unexpected registry requests: %+v", reg.requests)
	}
}

func TestServeRequestBeforeHalfClose(t *testing.T) {
	addr := startServer(t, &Server{Registry: &fakeRegistry{}, IdleTimeout: 5 * time.Second, LineTimeout: 5 * time.Second}, nil)
	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	start := time.Now()
	_ = c.SetDeadline(start.Add(10 * time.Second))
	if _, err := c.Write([]byte(`{"daddr":"h","dport":5900,"password":"p"}`)); err != nil {
		t.Fatal(err)
	}
	_ = c.(*net.TCPConn).CloseWrite()
	got, err := bufio.NewReader(c).ReadString('\n')
	if err != nil || got != "7001\n" {
		t.Fatalf("Expected 7001, got %q (%v)", got, err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Expected reply on EOF, took %s", elapsed)
	}
}
