package httpx

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
)

// ErrBadRequestLine reports a start line that is not "METHOD URI PROTO".
var ErrBadRequestLine = errors.New("bad request line")

// ErrBadHeaderLine reports a header line without the ": " separator.
var ErrBadHeaderLine = errors.New("bad header line")

// ErrTooLarge reports a header block exceeding the configured limit.
var ErrTooLarge = errors.New("header too large")

// Header represents a single HTTP header field (case preserved as seen on wire).
type Header struct {
	Name  string
	Value string
}

// RequestHeaders is a parsed representation of an HTTP request start-line + headers.
type RequestHeaders struct {
	Method  string
	URI     string
	Proto   string
	Headers []Header
}

// Get returns the first value associated with name (case-insensitive) or empty.
func (p *RequestHeaders) Get(name string) string {
	v, _ := p.Lookup(name)
	return v
}

// Lookup is like Get but also reports whether the header was present.
func (p *RequestHeaders) Lookup(name string) (string, bool) {
	for _, h := range p.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// Add appends a header (does not replace existing).
func (p *RequestHeaders) Add(name, value string) {
	p.Headers = append(p.Headers, Header{Name: name, Value: value})
}

// Map returns the headers keyed by their name as seen on the wire. Later
// duplicates win.
func (p *RequestHeaders) Map() map[string]string {
	m := make(map[string]string, len(p.Headers))
	for _, h := range p.Headers {
		m[h.Name] = h.Value
	}
	return m
}

// ReadRequest reads a request line and header lines from r up to and
// including the blank line. Bytes after the blank line stay buffered in r.
// A stream that ends before the blank line returns io.ErrUnexpectedEOF. With
// max > 0 at most max plus one buffer of bytes is consumed before ErrTooLarge.
func ReadRequest(r *bufio.Reader, max int) (*RequestHeaders, error) {
	var (
		p     *RequestHeaders
		total int
	)
	for {
		raw, err := readLine(r, max-total, max > 0)
		total += len(raw)
		if errors.Is(err, ErrTooLarge) {
			return nil, fmt.Errorf("%w (%d>%d)", ErrTooLarge, total, max)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		line := strings.TrimRight(string(raw), "\r\n")
		if p == nil {
			parts := strings.Split(line, " ")
			if len(parts) < 3 {
				return nil, fmt.Errorf("%w: %q", ErrBadRequestLine, line)
			}
			p = &RequestHeaders{Method: parts[0], URI: parts[1], Proto: parts[2]}
			continue
		}
		if line == "" { // end
			return p, nil
		}
		name, value, ok := strings.Cut(line, ": ")
		if !ok || name == "" {
			return nil, fmt.Errorf("%w: %q", ErrBadHeaderLine, line)
		}
		p.Headers = append(p.Headers, Header{Name: name, Value: value})
	}
}

// readLine reads through the next newline one buffer at a time and stops
// with ErrTooLarge as soon as more than budget bytes were taken.
func readLine(r *bufio.Reader, budget int, limited bool) ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		line = append(line, chunk...)
		if limited && len(line) > budget {
			return line, ErrTooLarge
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return line, err
	}
}

// WriteTo streams the request line and headers to w, followed by the blank line.
func (p *RequestHeaders) WriteTo(w io.Writer) (int64, error) {
	var total int64
	write := func(s string) error {
		n, err := io.WriteString(w, s)
		total += int64(n)
		return err
	}
	if err := write(fmt.Sprintf("%s %s %s\r\n", p.Method, p.URI, p.Proto)); err != nil {
		return total, err
	}
	for _, h := range p.Headers {
		if err := write(h.Name + ": " + h.Value + "\r\n"); err != nil {
			return total, err
		}
	}
	err := write("\r\n")
	return total, err
}

// RemoteIPFromConn extracts IP portion from remote address.
func RemoteIPFromConn(c net.Conn) string {
	h, _, err := net.SplitHostPort(c.RemoteAddr().String())
	if err != nil {
		return c.RemoteAddr().String()
	}
	return h
}
