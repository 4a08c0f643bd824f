// Package dispatch serves the HTTP control plane: port range settings and
// forward lookups for web front-ends.
package dispatch

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/jpillora/requestlog"

	"github.com/matst80/vncproxy/internal/obs"
)

const (
	settingsOK = "<h1>it worked</h1>"
	notFound   = "File not found"

	proxyPrefix = "/proxy/"
)

// Resolver answers /proxy lookups. The returned bytes are the response body.
type Resolver interface {
	Resolve(host, port, poolPort string) ([]byte, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(host, port, poolPort string) ([]byte, error)

func (f ResolverFunc) Resolve(host, port, poolPort string) ([]byte, error) {
	return f(host, port, poolPort)
}

// RangeSetter applies /settings changes.
type RangeSetter interface {
	SetBeginPort(v int) error
	SetEndPort(v int) error
}

// Options configures the handler.
type Options struct {
	Settings RangeSetter
	Resolver Resolver
	// Debug logs every request through requestlog.
	Debug bool
}

// NewHandler routes
//
//	GET /settings/{begin_port|end_port}/{value}
//	GET /proxy/{host}:{port}/{pool_port}
//
// and answers everything else with 404.
func NewHandler(opts Options) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /settings/{action}/{value}", opts.settings)
	// /proxy is matched by hand: mux patterns would redirect a missing
	// trailing slash instead of answering 404.
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, proxyPrefix) {
			opts.proxy(w, r)
			return
		}
		writeText(w, http.StatusNotFound, notFound)
	})
	if opts.Debug {
		return requestlog.Wrap(mux)
	}
	return mux
}

func (o Options) settings(w http.ResponseWriter, r *http.Request) {
	var set func(int) error
	switch r.PathValue("action") {
	case "begin_port":
		set = o.Settings.SetBeginPort
	case "end_port":
		set = o.Settings.SetEndPort
	default:
		writeText(w, http.StatusNotFound, notFound)
		return
	}
	v, err := strconv.Atoi(r.PathValue("value"))
	if err != nil {
		writeText(w, http.StatusBadRequest, fmt.Sprintf("invalid port %q", r.PathValue("value")))
		return
	}
	if err := set(v); err != nil {
		obs.Warn("http.settings", obs.Fields{"action": r.PathValue("action"), "value": v, "err": err.Error()})
		writeText(w, http.StatusBadRequest, err.Error())
		return
	}
	obs.Info("http.settings", obs.Fields{"action": r.PathValue("action"), "value": v})
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, settingsOK)
}

func (o Options) proxy(w http.ResponseWriter, r *http.Request) {
	target, pool, found := strings.Cut(strings.TrimPrefix(r.URL.Path, proxyPrefix), "/")
	host, port, ok := SplitTarget(target)
	if !found || !ok || !digits(pool) {
		writeText(w, http.StatusNotFound, notFound)
		return
	}
	body, err := o.Resolver.Resolve(host, port, pool)
	if err != nil {
		obs.Warn("http.proxy", obs.Fields{"host": host, "port": port, "pool_port": pool, "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("resolve").Inc()
		writeText(w, http.StatusBadGateway, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// SplitTarget splits "host:port" at the last colon. The port must be
// decimal digits; the host may be a bracketed or bare IPv6 address.
func SplitTarget(s string) (host, port string, ok bool) {
	i := strings.LastIndexByte(s, ':')
	if i <= 0 || i == len(s)-1 {
		return "", "", false
	}
	host, port = s[:i], s[i+1:]
	if !digits(port) {
		return "", "", false
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	return host, port, host != ""
}

func digits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}
