package websocket

import (
	"bufio"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/matst80/vncproxy/internal/httpx"
)

// Subprotocols offered to RFC 6455 clients, in order of preference.
const (
	SubprotocolBinary = "binary"
	SubprotocolBase64 = "base64"
)

func newUpgrader(timeout time.Duration) *websocket.Upgrader {
	return &websocket.Upgrader{
		HandshakeTimeout: timeout,
		Subprotocols:     []string{SubprotocolBinary, SubprotocolBase64},
		// Origin policy belongs to the web layer that issued the forward.
		CheckOrigin: func(r *http.Request) bool { return true },
		Error: func(w http.ResponseWriter, r *http.Request, status int, reason error) {
			w.Header().Set("Content-Type", "text/plain")
			w.WriteHeader(status)
			_, _ = io.WriteString(w, http.StatusText(status))
		},
	}
}

// isHybi reports whether the parsed request is an RFC 6455 upgrade.
func isHybi(req *httpx.RequestHeaders) bool {
	_, hasKey := req.Lookup("Sec-WebSocket-Key")
	return hasKey && strings.EqualFold(req.Get("Upgrade"), "websocket")
}

// upgradeHybi hands the already parsed request to gorilla/websocket. The
// request bytes were consumed from r, so the handshake is replayed through a
// synthetic http.Request and a hijackable response writer over conn.
func upgradeHybi(u *websocket.Upgrader, conn net.Conn, r *bufio.Reader, req *httpx.RequestHeaders) (*hybiConn, error) {
	target, err := url.ParseRequestURI(req.URI)
	if err != nil {
		return nil, fmt.Errorf("%w: request uri %q: %v", ErrMalformed, req.URI, err)
	}
	hr := &http.Request{
		Method:     req.Method,
		URL:        target,
		Proto:      req.Proto,
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     make(http.Header, len(req.Headers)),
		Host:       req.Get("Host"),
		RequestURI: req.URI,
		RemoteAddr: conn.RemoteAddr().String(),
	}
	for _, h := range req.Headers {
		hr.Header.Add(h.Name, h.Value)
	}
	w := &hijackWriter{conn: conn, rw: bufio.NewReadWriter(r, bufio.NewWriter(conn)), header: make(http.Header)}
	ws, err := u.Upgrade(w, hr, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &hybiConn{ws: ws, base64: ws.Subprotocol() == SubprotocolBase64}, nil
}

// hijackWriter is the minimal http.ResponseWriter gorilla needs: a hijack
// target on success and a raw status line on rejection.
type hijackWriter struct {
	conn        net.Conn
	rw          *bufio.ReadWriter
	header      http.Header
	wroteHeader bool
	hijacked    bool
}

func (w *hijackWriter) Header() http.Header { return w.header }

func (w *hijackWriter) WriteHeader(status int) {
	if w.wroteHeader || w.hijacked {
		return
	}
	w.wroteHeader = true
	fmt.Fprintf(w.conn, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	w.header.Set("Connection", "close")
	_ = w.header.Write(w.conn)
	_, _ = io.WriteString(w.conn, "\r\n")
}

func (w *hijackWriter) Write(p []byte) (int, error) {
	if w.hijacked {
		return 0, http.ErrHijacked
	}
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.conn.Write(p)
}

func (w *hijackWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if w.hijacked {
		return nil, nil, http.ErrHijacked
	}
	w.hijacked = true
	return w.conn, w.rw, nil
}

// hybiConn adapts a gorilla connection to Conn. Text messages carry base64
// payloads, binary messages raw ones.
type hybiConn struct {
	ws     *websocket.Conn
	base64 bool

	closeOnce sync.Once
}

func (c *hybiConn) ReadMessage() ([]byte, error) {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return nil, io.EOF
			}
			return nil, err
		}
		if mt == websocket.TextMessage {
			data, err = decodeBase64(data)
			if err != nil {
				return nil, err
			}
		}
		if len(data) > 0 {
			return data, nil
		}
	}
}

func (c *hybiConn) WriteMessage(p []byte) error {
	if c.base64 {
		return c.ws.WriteMessage(websocket.TextMessage, []byte(base64.StdEncoding.EncodeToString(p)))
	}
	return c.ws.WriteMessage(websocket.BinaryMessage, p)
}

func (c *hybiConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteTimeout))
		err = c.ws.Close()
	})
	return err
}

func (c *hybiConn) Variant() Variant     { return Hybi13 }
func (c *hybiConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }
