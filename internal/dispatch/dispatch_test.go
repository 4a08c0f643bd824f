package dispatch

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

type rangeRecorder struct {
	begin, end int
}

func (r *rangeRecorder) SetBeginPort(v int) error {
	if v >= r.end {
		return errors.New("invalid port range")
	}
	r.begin = v
	return nil
}

func (r *rangeRecorder) SetEndPort(v int) error {
	if v <= r.begin {
		return errors.New("invalid port range")
	}
	r.end = v
	return nil
}

type call struct{ host, port, pool string }

func newTestHandler() (http.Handler, *rangeRecorder, *[]call) {
	rr := &rangeRecorder{begin: 7000, end: 8000}
	var calls []call
	h := NewHandler(Options{
		Settings: rr,
		Resolver: ResolverFunc(func(host, port, pool string) ([]byte, error) {
			calls = append(calls, call{host, port, pool})
			if host == "down" {
				return nil, errors.New("registry unavailable")
			}
			return []byte("7001"), nil
		}),
	})
	return h, rr, &calls
}

func get(h http.Handler, path string) (int, string) {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	body, _ := io.ReadAll(rec.Result().Body)
	return rec.Code, string(body)
}

func TestSettings(t *testing.T) {
	h, rr, _ := newTestHandler()
	if code, body := get(h, "/settings/begin_port/7100"); code != 200 || body != "<h1>it worked</h1>" {
		t.Errorf("Expected 200 it worked, got %d %q", code, body)
	}
	if code, _ := get(h, "/settings/end_port/7200"); code != 200 {
		t.Errorf("Expected 200, got %d", code)
	}
	if rr.begin != 7100 || rr.end != 7200 {
		t.Errorf("Expected 7100-7200, got %d-%d", rr.begin, rr.end)
	}
	if code, _ := get(h, "/settings/begin_port/abc"); code != 400 {
		t.Errorf("Expected 400 for non-numeric value, got %d", code)
	}
	if code, _ := get(h, "/settings/begin_port/9000"); code != 400 {
		t.Errorf("Expected 400 for rejected value, got %d", code)
	}
	if code, body := get(h, "/settings/middle_port/7000"); code != 404 || body != "File not found" {
		t.Errorf("Expected 404 for unknown setting, got %d %q", code, body)
	}
}

func TestProxyLookup(t *testing.T) {
	h, _, calls := newTestHandler()
	if code, body := get(h, "/proxy/node1.example.org:5901/7005"); code != 200 || body != "7001" {
		t.Errorf("Expected 200 with resolver body, got %d %q", code, body)
	}
	if code, _ := get(h, "/proxy/node1:5901/"); code != 200 {
		t.Errorf("Expected empty pool port to be accepted, got %d", code)
	}
	if code, _ := get(h, "/proxy/down:5901/"); code != 502 {
		t.Errorf("Expected 502 on resolver error, got %d", code)
	}
	want := []call{{"node1.example.org", "5901", "7005"}, {"node1", "5901", ""}, {"down", "5901", ""}}
	if len(*calls) != len(want) {
		t.Fatalf("Expected %d resolver calls, got %+v", len(want), *calls)
	}
	for i, c := range want {
		if (*calls)[i] != c {
			t.Errorf("Call %d: expected %+v, got %+v", i, c, (*calls)[i])
		}
	}
}

func TestNotFound(t *testing.T) {
	h, _, calls := newTestHandler()
	for _, path := range []string{"/", "/index.html", "/proxy/node1/7000", "/proxy/node1:abc/", "/proxy/node1:5900/x1", "/proxy/node1:5900", "/settings/begin_port"} {
		if code, body := get(h, path); code != 404 || body != "File not found" {
			t.Errorf("%s: expected 404 File not found, got %d %q", path, code, body)
		}
	}
	if len(*calls) != 0 {
		t.Errorf("Expected no resolver calls, got %+v", *calls)
	}
}

func TestSplitTarget(t *testing.T) {
	cases := []struct {
		in         string
		host, port string
		ok         bool
	}{
		{"node:5900", "node", "5900", true},
		{"[::1]:5900", "::1", "5900", true},
		{"fe80::1:5900", "fe80::1", "5900", true},
		{"node", "", "", false},
		{":5900", "", "", false},
		{"node:", "", "", false},
		{"node:59a0", "", "", false},
	}
	for _, c := range cases {
		host, port, ok := SplitTarget(c.in)
		if host != c.host || port != c.port || ok != c.ok {
			t.Errorf("SplitTarget(%q) = %q %q %v", c.in, host, port, ok)
		}
	}
}

func TestProxyWithoutTrailingSlashOverHTTP(t *testing.T) {
	h, _, calls := newTestHandler()
	srv := httptest.NewServer(h)
	defer srv.Close()
	for _, path := range []string{"/proxy/node1:5900", "/proxy", "/proxy/"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound || resp.Request.URL.Path != path {
			t.Errorf("%s: expected 404 without redirect, got %d at %s", path, resp.StatusCode, resp.Request.URL.Path)
		}
	}
	if len(*calls) != 0 {
		t.Errorf("Expected no resolver calls, got %+v", *calls)
	}
}
