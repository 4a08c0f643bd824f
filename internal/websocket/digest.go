package websocket

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// keyNumber derives the 32-bit challenge number of a Sec-WebSocket-Key1/2
// value: its digits read as one decimal number, divided by its space count.
func keyNumber(key string) (uint32, error) {
	var digits strings.Builder
	spaces := 0
	for _, r := range key {
		switch {
		case r >= '0' && r <= '9':
			digits.WriteRune(r)
		case r == ' ':
			spaces++
		}
	}
	if spaces == 0 || digits.Len() == 0 {
		return 0, fmt.Errorf("%w: key %q has no spaces or digits", ErrMalformed, key)
	}
	n, err := strconv.ParseUint(digits.String(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: key %q: %v", ErrMalformed, key, err)
	}
	if n%uint64(spaces) != 0 {
		return 0, fmt.Errorf("%w: key %q not a multiple of its spaces", ErrMalformed, key)
	}
	q := n / uint64(spaces)
	if q > math.MaxUint32 {
		return 0, fmt.Errorf("%w: key %q out of range", ErrMalformed, key)
	}
	return uint32(q), nil
}

// challengeResponse computes the 16-byte draft-76 handshake digest.
func challengeResponse(key1, key2 string, key3 []byte) ([16]byte, error) {
	n1, err := keyNumber(key1)
	if err != nil {
		return [16]byte{}, err
	}
	n2, err := keyNumber(key2)
	if err != nil {
		return [16]byte{}, err
	}
	if len(key3) != 8 {
		return [16]byte{}, fmt.Errorf("%w: key3 must be 8 bytes, got %d", ErrMalformed, len(key3))
	}
	var buf [16]byte
	binary.BigEndian.PutUint32(buf[0:4], n1)
	binary.BigEndian.PutUint32(buf[4:8], n2)
	copy(buf[8:], key3)
	return md5.Sum(buf[:]), nil
}
