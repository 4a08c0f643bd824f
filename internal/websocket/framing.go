package websocket

import (
	"bytes"
	"encoding/base64"
	"fmt"
)

const (
	frameStart byte = 0x00
	frameEnd   byte = 0xFF
)

// closeFrame is the legacy closing handshake sent by either peer.
var closeFrame = []byte{frameEnd, frameStart}

// Encode wraps p as a single legacy text frame: 0x00, base64(p), 0xFF.
func Encode(p []byte) []byte {
	out := make([]byte, base64.StdEncoding.EncodedLen(len(p))+2)
	out[0] = frameStart
	base64.StdEncoding.Encode(out[1:], p)
	out[len(out)-1] = frameEnd
	return out
}

// Decode turns one or more concatenated legacy frames back into the raw
// payload bytes, in order. Clients may coalesce several frames into a single
// read, so a buffer holding more than one terminator is split and every
// fragment decoded on its own.
func Decode(buf []byte) ([]byte, error) {
	switch n := bytes.Count(buf, []byte{frameEnd}); {
	case n == 0:
		return nil, fmt.Errorf("%w: no frame terminator", ErrFrameDecode)
	case n == 1:
		if buf[0] != frameStart || buf[len(buf)-1] != frameEnd {
			return nil, fmt.Errorf("%w: unbalanced frame delimiters", ErrFrameDecode)
		}
		return decodeBase64(buf[1 : len(buf)-1])
	}
	if buf[len(buf)-1] != frameEnd {
		return nil, fmt.Errorf("%w: trailing bytes after last frame", ErrFrameDecode)
	}
	fragments := bytes.Split(buf[:len(buf)-1], []byte{frameEnd})
	var out []byte
	for _, f := range fragments {
		if len(f) == 0 || f[0] != frameStart {
			return nil, fmt.Errorf("%w: fragment without frame type byte", ErrFrameDecode)
		}
		p, err := decodeBase64(f[1:])
		if err != nil {
			return nil, err
		}
		out = append(out, p...)
	}
	return out, nil
}

func decodeBase64(b []byte) ([]byte, error) {
	out := make([]byte, base64.StdEncoding.DecodedLen(len(b)))
	n, err := base64.StdEncoding.Decode(out, b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFrameDecode, err)
	}
	return out[:n], nil
}

// splitFrames returns the prefix of buf made of complete frames and the
// number of bytes it spans. closed reports that a closing frame was reached;
// everything after it is ignored.
func splitFrames(buf []byte) (complete []byte, consumed int, closed bool, err error) {
	i := 0
	for i < len(buf) {
		switch buf[i] {
		case frameStart:
			end := bytes.IndexByte(buf[i:], frameEnd)
			if end < 0 {
				return buf[:i], i, false, nil
			}
			i += end + 1
		case frameEnd:
			if i+1 >= len(buf) {
				return buf[:i], i, false, nil
			}
			if buf[i+1] != frameStart {
				return nil, 0, false, fmt.Errorf("%w: unexpected frame type 0x%02x", ErrFrameDecode, buf[i+1])
			}
			return buf[:i], i + 2, true, nil
		default:
			return nil, 0, false, fmt.Errorf("%w: unexpected frame type 0x%02x", ErrFrameDecode, buf[i])
		}
	}
	return buf[:i], i, false, nil
}
