package main

import (
	"testing"

	"github.com/matst80/vncproxy/internal/proto"
)

func TestParseFlagsForward(t *testing.T) {
	cfg, err := parseFlags([]string{"--host", "proxy.example.org", "-a", "node1", "-p", "5901", "-P", "secret", "--raw"})
	if err != nil {
		t.Fatalf("parseFlags error: %v", err)
	}
	if cfg.ServerAddr != "proxy.example.org:8889" {
		t.Errorf("Expected server derived from host, got %s", cfg.ServerAddr)
	}
	req := cfg.Request()
	if req.Op != proto.OpForward || req.DAddr != "node1" || req.DPort != 5901 || req.WebSocket() {
		t.Errorf("Unexpected request: %+v", req)
	}
	line, err := req.Line()
	if err != nil {
		t.Fatalf("Line error: %v", err)
	}
	parsed, err := proto.ParseRequest(string(line))
	if err != nil {
		t.Fatalf("ParseRequest error: %v", err)
	}
	if parsed.DAddr != "node1" || parsed.Password != "secret" || parsed.WebSocket() {
		t.Errorf("Expected request to survive the wire, got %+v", parsed)
	}
}

func TestParseFlagsRelease(t *testing.T) {
	cfg, err := parseFlags([]string{"--server", "10.0.0.1:9999", "--host", "ignored", "--op", "release", "-s", "7003", "-P", "secret"})
	if err != nil {
		t.Fatalf("parseFlags error: %v", err)
	}
	if cfg.ServerAddr != "10.0.0.1:9999" {
		t.Errorf("Expected explicit server to win, got %s", cfg.ServerAddr)
	}
	if req := cfg.Request(); req.Op != proto.OpRelease || req.SPort != 7003 || req.DAddr != "" {
		t.Errorf("Unexpected request: %+v", req)
	}
}

func TestParseFlagsRejects(t *testing.T) {
	cases := map[string][]string{
		"no daddr":      {"-P", "x"},
		"no password":   {"-a", "node1"},
		"release sport": {"--op", "release", "-P", "x"},
		"unknown op":    {"--op", "list", "-P", "x"},
	}
	for name, args := range cases {
		if _, err := parseFlags(args); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}
