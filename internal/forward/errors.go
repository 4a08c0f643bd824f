package forward

import "errors"

var (
	ErrMissingPassword  = errors.New("missing password")
	ErrRangeExhausted   = errors.New("no free port in range")
	ErrPortUnavailable  = errors.New("port unavailable")
	ErrInvalidTarget    = errors.New("invalid target")
	ErrInvalidRange     = errors.New("invalid port range")
	ErrUnknownForward   = errors.New("unknown forward")
	ErrPasswordMismatch = errors.New("password mismatch")
)
