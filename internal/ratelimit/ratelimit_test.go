package ratelimit

import (
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(cfg Config) (*RateLimiter, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1700000000, 0)}
	rl := NewRateLimiter(cfg)
	rl.now = clk.now
	return rl, clk
}

func TestPerClientRefill(t *testing.T) {
	rl, clk := newTestLimiter(Config{PerClientConn: 2, Burst: 5})
	client := "10.0.0.1"

	for i := 0; i < 5; i++ {
		if !rl.AllowConnection(client) {
			t.Errorf("Expected initial connection %d to be allowed", i)
		}
	}
	if rl.AllowConnection(client) {
		t.Error("Expected connection to be denied when bucket is empty")
	}

	clk.advance(time.Second)
	if !rl.AllowConnection(client) {
		t.Error("Expected connection to be allowed after refill")
	}
	if !rl.AllowConnection(client) {
		t.Error("Expected second connection to be allowed after refill")
	}
	if rl.AllowConnection(client) {
		t.Error("Expected third connection to be denied")
	}
}

func TestRateLimiter(t *testing.T) {
	rl, _ := newTestLimiter(Config{PerClientConn: 2, PerClientReq: 5, Burst: 3})
	client := "10.0.0.1"

	for i := 0; i < 3; i++ {
		if !rl.AllowConnection(client) {
			t.Errorf("Expected connection %d to be allowed for client %s", i, client)
		}
	}
	if rl.AllowConnection(client) {
		t.Error("Expected connection to be denied due to per-client limit")
	}

	for i := 0; i < 3; i++ {
		if !rl.AllowRequest(client) {
			t.Errorf("Expected request %d to be allowed for client %s", i, client)
		}
	}
	if rl.AllowRequest(client) {
		t.Error("Expected request to be denied due to per-client limit")
	}

	client2 := "10.0.0.2"
	if !rl.AllowConnection(client2) {
		t.Error("Expected connection to be allowed for different client")
	}
	if !rl.AllowRequest(client2) {
		t.Error("Expected request to be allowed for different client")
	}
}

func TestRateLimiterWithGlobalLimits(t *testing.T) {
	rl, _ := newTestLimiter(Config{GlobalConn: 2, GlobalReq: 2, Burst: 2})

	if !rl.AllowConnection("a") {
		t.Error("Expected first global connection to be allowed")
	}
	if !rl.AllowConnection("b") {
		t.Error("Expected second global connection to be allowed")
	}
	if rl.AllowConnection("a") {
		t.Error("Expected connection to be denied due to global limit")
	}

	if !rl.AllowRequest("a") {
		t.Error("Expected first global request to be allowed")
	}
	if !rl.AllowRequest("b") {
		t.Error("Expected second global request to be allowed")
	}
	if rl.AllowRequest("a") {
		t.Error("Expected request to be denied due to global limit")
	}
}

func TestRateLimiterCleanupIdle(t *testing.T) {
	rl, clk := newTestLimiter(Config{PerClientConn: 1, PerClientReq: 1, Burst: 1})

	rl.AllowConnection("client1")
	rl.AllowRequest("client1")
	rl.AllowConnection("client2")
	clk.advance(2 * time.Minute)
	rl.AllowRequest("client1")

	if n := rl.CleanupIdle(time.Minute); n != 2 {
		t.Errorf("Expected 2 idle limiters removed, got %d", n)
	}
	if _, ok := rl.perClientReqLimiters["client1"]; !ok {
		t.Error("Expected client1 request limiter to remain")
	}
	if _, ok := rl.perClientConnLimiters["client2"]; ok {
		t.Error("Expected client2 connection limiter to be cleaned up")
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	rl := NewRateLimiter(Config{Burst: 5})
	for i := 0; i < 100; i++ {
		if !rl.AllowConnection("c") {
			t.Errorf("Expected connection %d to be allowed when limits disabled", i)
		}
		if !rl.AllowRequest("c") {
			t.Errorf("Expected request %d to be allowed when limits disabled", i)
		}
	}
}
