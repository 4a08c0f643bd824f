package httpx

import (
	"bufio"
	"errors"
	"io"
	"strings"
	"testing"
)

// countingReader serves left bytes without a newline and counts what it hands out.
type countingReader struct {
	left int
	read int
}

func (c *countingReader) Read(p []byte) (int, error) {
	if c.left == 0 {
		return 0, io.EOF
	}
	n := min(len(p), c.left)
	for i := 0; i < n; i++ {
		p[i] = 'A'
	}
	c.left -= n
	c.read += n
	return n, nil
}

func TestReadRequest(t *testing.T) {
	raw := "GET /websockify HTTP/1.1\r\nHost: proxy:7001\r\nOrigin: http://web\r\n\r\nrest"
	br := bufio.NewReader(strings.NewReader(raw))
	req, err := ReadRequest(br, 1024)
	if err != nil {
		t.Fatalf("ReadRequest error: %v", err)
	}
	if req.Method != "GET" || req.URI != "/websockify" || req.Get("host") != "proxy:7001" || req.Get("Origin") != "http://web" {
		t.Errorf("Unexpected request: %+v", req)
	}
	if rest, _ := io.ReadAll(br); string(rest) != "rest" {
		t.Errorf("Expected body bytes to stay buffered, got %q", rest)
	}
}

func TestReadRequestErrors(t *testing.T) {
	cases := []struct {
		raw  string
		want error
	}{
		{"GET /\r\n\r\n", ErrBadRequestLine},
		{"GET / HTTP/1.1\r\nHost\r\n\r\n", ErrBadHeaderLine},
		{"GET / HTTP/1.1\r\nHost: x\r\n", io.ErrUnexpectedEOF},
		{"GET / HTTP/1.1\r\nX: " + strings.Repeat("y", 200) + "\r\n\r\n", ErrTooLarge},
	}
	for i, c := range cases {
		_, err := ReadRequest(bufio.NewReader(strings.NewReader(c.raw)), 128)
		if !errors.Is(err, c.want) {
			t.Errorf("Case %d: expected %v, got %v", i, c.want, err)
		}
	}
}

func TestReadRequestBoundsUnterminatedLine(t *testing.T) {
	const limit, bufSize = 16 * 1024, 4096
	src := &countingReader{left: 8 << 20}
	_, err := ReadRequest(bufio.NewReaderSize(src, bufSize), limit)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("Expected ErrTooLarge, got %v", err)
	}
	if src.read > limit+bufSize {
		t.Errorf("Expected at most %d bytes consumed, got %d", limit+bufSize, src.read)
	}
}
