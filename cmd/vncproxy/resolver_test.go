package main

import (
	"context"
	"errors"
	"testing"

	"github.com/matst80/vncproxy/internal/forward"
)

type recordingRegistry struct {
	reqs []forward.Request
	err  error
}

func (r *recordingRegistry) Request(_ context.Context, req forward.Request) (forward.Entry, bool, error) {
	r.reqs = append(r.reqs, req)
	if r.err != nil {
		return forward.Entry{}, false, r.err
	}
	port := req.SourcePort
	if port == 0 {
		port = 7001
	}
	return forward.Entry{ListenPort: port, TargetHost: req.TargetHost, TargetPort: req.TargetPort}, true, nil
}

func TestResolverAllocates(t *testing.T) {
	reg := &recordingRegistry{}
	res := newResolver(reg)
	for _, pool := range []string{"", "0"} {
		body, err := res.Resolve("node1", "5901", pool)
		if err != nil {
			t.Fatalf("Resolve error: %v", err)
		}
		if string(body) != "7001" {
			t.Errorf("Expected allocated port 7001, got %q", body)
		}
	}
	if len(reg.reqs) != 2 {
		t.Fatalf("Expected 2 requests, got %d", len(reg.reqs))
	}
	a, b := reg.reqs[0], reg.reqs[1]
	if a.SourcePort != 0 || !a.WebSocket || a.TargetHost != "node1" || a.TargetPort != 5901 {
		t.Errorf("Unexpected request: %+v", a)
	}
	if a.Password == "" || a.Password == b.Password {
		t.Errorf("Expected distinct generated passwords, got %q and %q", a.Password, b.Password)
	}
}

func TestResolverPoolPort(t *testing.T) {
	reg := &recordingRegistry{}
	body, err := newResolver(reg).Resolve("node1", "5901", "7005")
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if string(body) != "7005" || reg.reqs[0].SourcePort != 7005 {
		t.Errorf("Expected pool port 7005, got %q %+v", body, reg.reqs[0])
	}
}

func TestResolverErrors(t *testing.T) {
	reg := &recordingRegistry{err: forward.ErrRangeExhausted}
	if _, err := newResolver(reg).Resolve("node1", "5901", ""); !errors.Is(err, forward.ErrRangeExhausted) {
		t.Errorf("Expected ErrRangeExhausted, got %v", err)
	}
	if _, err := newResolver(&recordingRegistry{}).Resolve("node1", "5901", "x"); err == nil {
		t.Error("Expected error for non-numeric pool port")
	}
}
