// Package websocket implements the server side of the pre-RFC 6455 WebSocket
// dialects (drafts 75 and 76) used by browser VNC clients, including the
// legacy Flash policy and TLS sniffing on a shared port. RFC 6455 clients are
// upgraded through gorilla/websocket and exposed through the same Conn.
package websocket

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/matst80/vncproxy/internal/httpx"
)

// Variant is the protocol dialect negotiated for one connection.
type Variant int

const (
	VariantUnknown Variant = iota
	Legacy75
	Legacy76
	Hybi13
)

func (v Variant) String() string {
	switch v {
	case Legacy75:
		return "75"
	case Legacy76:
		return "76"
	case Hybi13:
		return "13"
	}
	return "unknown"
}

// State tracks a handshake context. It leaves StatePending exactly once.
type State int

const (
	StatePending State = iota
	StateUpgraded
	StateRejected
)

// Context is the transient per-connection handshake state.
type Context struct {
	Path    string
	Headers map[string]string
	Variant Variant
	Key1    string
	Key2    string
	Key3    []byte
	Origin  string
	Host    string
	Scheme  string
	State   State
}

func (c *Context) settle(s State) {
	if c.State == StatePending {
		c.State = s
	}
}

const (
	policyRequest  = "<policy-file-request/>"
	policyResponse = `<cross-domain-policy><allow-access-from domain="*" to-ports="*" /></cross-domain-policy>` + "\n"

	// DefaultProtocol is echoed in the legacy Protocol header when the
	// client did not ask for one.
	DefaultProtocol = "sample"

	defaultMaxHeaderBytes = 16 * 1024
)

// Config configures an Engine.
type Config struct {
	// TLS wraps connections whose first byte looks like a TLS record. Nil
	// means such connections are rejected with ErrTLSUnavailable.
	TLS *tls.Config
	// TLSOnly rejects plain connections on every call.
	TLSOnly bool
	// MaxHeaderBytes bounds the handshake request size.
	MaxHeaderBytes int
	// Protocol overrides DefaultProtocol.
	Protocol string
	// Timeout bounds the RFC 6455 upgrade. Legacy reads are bounded by the
	// caller's connection deadline.
	Timeout time.Duration
}

// Engine performs server handshakes. It is safe for concurrent use.
type Engine struct {
	cfg      Config
	upgrader *websocket.Upgrader
}

func NewEngine(cfg Config) *Engine {
	if cfg.MaxHeaderBytes <= 0 {
		cfg.MaxHeaderBytes = defaultMaxHeaderBytes
	}
	if cfg.Protocol == "" {
		cfg.Protocol = DefaultProtocol
	}
	return &Engine{cfg: cfg, upgrader: newUpgrader(cfg.Timeout)}
}

// Handshake negotiates a WebSocket session on a freshly accepted connection.
// On success the returned Conn owns raw. On any error raw has been closed and
// the error matches one of the package sentinels. requireTLS rejects plain
// connections in addition to the engine-wide TLSOnly setting.
func (e *Engine) Handshake(raw net.Conn, requireTLS bool) (conn Conn, hc *Context, err error) {
	hc = &Context{}
	defer func() {
		if err != nil {
			hc.settle(StateRejected)
			_ = raw.Close()
			return
		}
		hc.settle(StateUpgraded)
	}()

	br := bufio.NewReaderSize(raw, 4096)
	head, err := peekHead(br)
	if len(head) == 0 {
		if err == nil || errors.Is(err, io.EOF) {
			return nil, hc, ErrCleanClose
		}
		return nil, hc, fmt.Errorf("%w: %v", ErrHandshakeAborted, err)
	}

	if bytes.HasPrefix(head, []byte(policyRequest)) {
		_, _ = br.Discard(br.Buffered())
		_, _ = io.WriteString(raw, policyResponse)
		return nil, hc, ErrFlashPolicy
	}

	transport, reader := raw, br
	hc.Scheme = "ws"
	switch {
	case isTLSRecord(head[0]):
		if e.cfg.TLS == nil {
			return nil, hc, ErrTLSUnavailable
		}
		tc := tls.Server(&peekedConn{Conn: raw, r: br}, e.cfg.TLS)
		if err := tc.Handshake(); err != nil {
			return nil, hc, fmt.Errorf("%w: tls: %v", ErrHandshakeAborted, err)
		}
		transport, reader = tc, bufio.NewReaderSize(tc, 4096)
		hc.Scheme = "wss"
	case requireTLS || e.cfg.TLSOnly:
		return nil, hc, ErrTLSRequired
	}

	req, err := httpx.ReadRequest(reader, e.cfg.MaxHeaderBytes)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, hc, ErrHandshakeAborted
		}
		if errors.Is(err, httpx.ErrBadRequestLine) || errors.Is(err, httpx.ErrBadHeaderLine) || errors.Is(err, httpx.ErrTooLarge) {
			return nil, hc, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return nil, hc, fmt.Errorf("%w: %v", ErrHandshakeAborted, err)
	}
	if req.Method != "GET" {
		return nil, hc, fmt.Errorf("%w: no GET request line", ErrMalformed)
	}
	hc.Path = req.URI
	hc.Headers = req.Map()
	hc.Host = req.Get("Host")
	hc.Origin = req.Get("Origin")
	if hc.Host == "" {
		return nil, hc, fmt.Errorf("%w: missing Host header", ErrMalformed)
	}

	if isHybi(req) {
		hc.Variant = Hybi13
		c, err := upgradeHybi(e.upgrader, transport, reader, req)
		if err != nil {
			return nil, hc, err
		}
		return c, hc, nil
	}

	key1, ok1 := req.Lookup("Sec-WebSocket-Key1")
	key2, ok2 := req.Lookup("Sec-WebSocket-Key2")
	var body []byte
	if ok1 && ok2 {
		hc.Variant = Legacy76
		hc.Key1, hc.Key2 = key1, key2
		hc.Key3 = make([]byte, 8)
		if _, err := io.ReadFull(reader, hc.Key3); err != nil {
			return nil, hc, ErrHandshakeAborted
		}
		digest, err := challengeResponse(key1, key2, hc.Key3)
		if err != nil {
			return nil, hc, err
		}
		body = digest[:]
	} else {
		hc.Variant = Legacy75
	}

	if _, err := transport.Write(e.response(hc, req, body)); err != nil {
		return nil, hc, fmt.Errorf("%w: %v", ErrHandshakeAborted, err)
	}
	return newLegacyConn(transport, reader, hc.Variant), hc, nil
}

func (e *Engine) response(hc *Context, req *httpx.RequestHeaders, body []byte) []byte {
	prefix := ""
	if hc.Variant == Legacy76 {
		prefix = "Sec-"
	}
	protocol := req.Get(prefix + "WebSocket-Protocol")
	if protocol == "" {
		protocol = e.cfg.Protocol
	}
	origin := hc.Origin
	if origin == "" {
		origin = "null"
	}
	var b bytes.Buffer
	b.WriteString("HTTP/1.1 101 Web Socket Protocol Handshake\r\n")
	b.WriteString("Upgrade: WebSocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	fmt.Fprintf(&b, "%sWebSocket-Origin: %s\r\n", prefix, origin)
	fmt.Fprintf(&b, "%sWebSocket-Location: %s://%s%s\r\n", prefix, hc.Scheme, hc.Host, hc.Path)
	fmt.Fprintf(&b, "%sWebSocket-Protocol: %s\r\n", prefix, protocol)
	b.WriteString("\r\n")
	b.Write(body)
	return b.Bytes()
}

// peekHead returns the bytes available at the start of the stream without
// consuming them. When they could be the start of a policy request it waits
// for enough bytes to tell.
func peekHead(br *bufio.Reader) ([]byte, error) {
	if _, err := br.Peek(1); err != nil {
		return nil, err
	}
	head, _ := br.Peek(br.Buffered())
	if len(head) < len(policyRequest) && strings.HasPrefix(policyRequest, string(head)) {
		more, err := br.Peek(len(policyRequest))
		if err != nil && len(more) == 0 {
			return head, nil
		}
		head = more
	}
	return head, nil
}

// isTLSRecord matches a TLS handshake record or an SSLv2-compatible hello.
func isTLSRecord(b byte) bool { return b == 0x16 || b == 0x80 }
