package websocket

import "errors"

// Handshake outcomes other than success. Callers tell them apart with
// errors.Is; ErrFlashPolicy and ErrCleanClose are not failures.
var (
	ErrFlashPolicy      = errors.New("websocket: served flash policy file")
	ErrCleanClose       = errors.New("websocket: connection closed before handshake")
	ErrMalformed        = errors.New("websocket: malformed handshake")
	ErrTLSRequired      = errors.New("websocket: non-TLS connections forbidden")
	ErrTLSUnavailable   = errors.New("websocket: TLS requested but no certificate configured")
	ErrHandshakeAborted = errors.New("websocket: client closed connection during handshake")
)

// ErrFrameDecode reports a legacy frame that could not be decoded. It is fatal
// for the relay session that hit it.
var ErrFrameDecode = errors.New("websocket: frame decode error")
