package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/matst80/vncproxy/internal/forward"
	"github.com/matst80/vncproxy/internal/gateway"
)

func testStats() Stats {
	return Stats{
		BeginPort: 7000,
		EndPort:   8000,
		Forwards:  []forward.Entry{{ListenPort: 7001, TargetHost: "node1", TargetPort: 5900, WebSocket: true, Refs: 1}},
		Totals:    gateway.Totals{Sessions: 4, ActiveSessions: 1, BytesUp: 10, BytesDown: 20},
	}
}

func serve(h http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestReadiness(t *testing.T) {
	var ready atomic.Bool
	h := newMetricsHandler(testStats, &ready)
	if rec := serve(h, "/readyz"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 before ready, got %d", rec.Code)
	}
	ready.Store(true)
	if rec := serve(h, "/readyz"); rec.Code != http.StatusOK {
		t.Errorf("Expected 200 when ready, got %d", rec.Code)
	}
	if rec := serve(h, "/healthz"); rec.Code != http.StatusOK {
		t.Errorf("Expected 200 from healthz, got %d", rec.Code)
	}
}

func TestStateAndDashboard(t *testing.T) {
	var ready atomic.Bool
	h := newMetricsHandler(testStats, &ready)
	rec := serve(h, "/api/state")
	var got struct {
		BeginPort int `json:"begin_port"`
		Forwards  []struct {
			ListenPort int `json:"listen_port"`
		} `json:"forwards"`
		Totals gateway.Totals `json:"totals"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if got.BeginPort != 7000 || len(got.Forwards) != 1 || got.Forwards[0].ListenPort != 7001 || got.Totals.Sessions != 4 {
		t.Errorf("Unexpected state: %+v", got)
	}
	rec = serve(h, "/dashboard")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "node1:5900") {
		t.Errorf("Expected dashboard listing node1:5900, got %d", rec.Code)
	}
	if rec := serve(h, "/metrics"); rec.Code != http.StatusOK {
		t.Errorf("Expected 200 from metrics, got %d", rec.Code)
	}
}

func TestTemplateMap(t *testing.T) {
	m := testStats().ToTemplateMap()
	if m["Forwards"] != 1 || m["Active"] != int64(1) || m["Sessions"] != int64(4) {
		t.Errorf("Unexpected template map: %+v", m)
	}
}
