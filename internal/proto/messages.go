// Package proto defines the line-oriented control protocol spoken between
// forward requesters and the proxy.
package proto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrBadRequest reports a control line that cannot be understood.
var ErrBadRequest = errors.New("bad control request")

// Op selects what a control request does.
type Op string

const (
	OpForward Op = "forward"
	OpRelease Op = "release"
	OpRevoke  Op = "revoke"
)

// ReplyOK acknowledges release and revoke requests.
const ReplyOK = "OK"

// replyFailed starts every failure reply.
const replyFailed = "FAILED"

// Port accepts a JSON number or a numeric string.
type Port int

func (p *Port) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*p = 0
		return nil
	}
	s := string(b)
	if len(b) > 0 && b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*p = 0
			return nil
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("port %s is not an integer", b)
	}
	*p = Port(n)
	return nil
}

// ForwardRequest is one control request. Fields follow the JSON keys used by
// vncauthproxy clients.
type ForwardRequest struct {
	Op       Op     `json:"op,omitempty"`
	SPort    Port   `json:"sport,omitempty"`
	DAddr    string `json:"daddr,omitempty"`
	DPort    Port   `json:"dport,omitempty"`
	Password string `json:"password"`
	// WS defaults to true when absent.
	WS  *bool `json:"ws,omitempty"`
	TLS bool  `json:"tls,omitempty"`
	// Command requested an SSH-executed forward. It is not supported.
	Command string `json:"command,omitempty"`
}

// WebSocket reports whether clients of the forward speak WebSocket.
func (r ForwardRequest) WebSocket() bool { return r.WS == nil || *r.WS }

// ParseRequest parses a JSON object or a legacy "sport:daddr:dport:password"
// line. The password of the legacy form may itself contain colons.
func ParseRequest(line string) (ForwardRequest, error) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return ForwardRequest{}, fmt.Errorf("%w: empty line", ErrBadRequest)
	}
	var req ForwardRequest
	if strings.HasPrefix(strings.TrimSpace(line), "{") {
		dec := json.NewDecoder(strings.NewReader(line))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			return ForwardRequest{}, fmt.Errorf("%w: %v", ErrBadRequest, err)
		}
	} else {
		parts := strings.SplitN(line, ":", 4)
		if len(parts) != 4 {
			return ForwardRequest{}, fmt.Errorf("%w: expected sport:daddr:dport:password", ErrBadRequest)
		}
		sport, err := parseOptionalPort(parts[0])
		if err != nil {
			return ForwardRequest{}, err
		}
		dport, err := strconv.Atoi(strings.TrimSpace(parts[2]))
		if err != nil {
			return ForwardRequest{}, fmt.Errorf("%w: dport %q", ErrBadRequest, parts[2])
		}
		req = ForwardRequest{SPort: Port(sport), DAddr: strings.TrimSpace(parts[1]), DPort: Port(dport), Password: parts[3]}
	}
	if req.Op == "" {
		req.Op = OpForward
	}
	return req, req.validate()
}

func parseOptionalPort(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: sport %q", ErrBadRequest, s)
	}
	return n, nil
}

func (r ForwardRequest) validate() error {
	switch r.Op {
	case OpForward:
		if r.Command != "" {
			return fmt.Errorf("%w: command forwards are not supported", ErrBadRequest)
		}
	case OpRelease, OpRevoke:
		if r.SPort <= 0 {
			return fmt.Errorf("%w: %s needs sport", ErrBadRequest, r.Op)
		}
	default:
		return fmt.Errorf("%w: unknown op %q", ErrBadRequest, r.Op)
	}
	return nil
}

// Line encodes the request as a JSON control line.
func (r ForwardRequest) Line() ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// PortReply is the success reply of a forward request.
func PortReply(port int) string { return strconv.Itoa(port) + "\n" }

// OKReply is the success reply of release and revoke.
func OKReply() string { return ReplyOK + "\n" }

// FailureReply formats a failure. Newlines in reason are flattened so the
// reply stays one line.
func FailureReply(reason string) string {
	reason = strings.NewReplacer("\r", " ", "\n", " ").Replace(reason)
	if reason == "" {
		return replyFailed + "\n"
	}
	return replyFailed + ": " + reason + "\n"
}

// ReplyError is returned by ParseReply for failure replies.
type ReplyError struct{ Reason string }

func (e *ReplyError) Error() string {
	if e.Reason == "" {
		return "proxy refused request"
	}
	return "proxy refused request: " + e.Reason
}

// ParseReply interprets a reply line. It returns the port for a forward
// reply and 0 for OK.
func ParseReply(line string) (int, error) {
	line = strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(line, "FAIL"):
		_, reason, _ := strings.Cut(line, ":")
		return 0, &ReplyError{Reason: strings.TrimSpace(reason)}
	case line == ReplyOK:
		return 0, nil
	}
	port, err := strconv.Atoi(line)
	if err != nil {
		return 0, fmt.Errorf("%w: unexpected reply %q", ErrBadRequest, line)
	}
	return port, nil
}
