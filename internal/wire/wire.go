// Package wire implements bounds-checked extraction of fixed-width and
// length-prefixed big-endian fields.
//
// Every function either returns the requested bytes together with the
// unconsumed remainder, or an error matching core.ErrIncomplete (more bytes
// may still arrive) or core.ErrMalformed (the input can never be valid).
// Nothing here reads past the input slice or panics on empty input.
package wire

import (
	"encoding/binary"
	"fmt"

	"firestige.xyz/applayer/internal/core"
)

// Take splits off the first n bytes of b.
func Take(b []byte, n int) (head, rest []byte, err error) {
	if n < 0 {
		return nil, b, fmt.Errorf("wire: negative length %d: %w", n, core.ErrMalformed)
	}
	if len(b) < n {
		return nil, b, core.Incomplete(n - len(b))
	}
	return b[:n:n], b[n:], nil
}

// U8 reads one byte.
func U8(b []byte) (uint8, []byte, error) {
	h, rest, err := Take(b, 1)
	if err != nil {
		return 0, b, err
	}
	return h[0], rest, nil
}

// U16 reads a big-endian uint16.
func U16(b []byte) (uint16, []byte, error) {
	h, rest, err := Take(b, 2)
	if err != nil {
		return 0, b, err
	}
	return binary.BigEndian.Uint16(h), rest, nil
}

// U32 reads a big-endian uint32.
func U32(b []byte) (uint32, []byte, error) {
	h, rest, err := Take(b, 4)
	if err != nil {
		return 0, b, err
	}
	return binary.BigEndian.Uint32(h), rest, nil
}

// U64 reads a big-endian uint64.
func U64(b []byte) (uint64, []byte, error) {
	h, rest, err := Take(b, 8)
	if err != nil {
		return 0, b, err
	}
	return binary.BigEndian.Uint64(h), rest, nil
}

// LengthPrefixed32 reads a 4-byte big-endian length followed by that many
// bytes. A declared length above max is malformed; a declared length that is
// merely longer than what has arrived so far is incomplete.
func LengthPrefixed32(b []byte, max uint32) (field, rest []byte, err error) {
	n, after, err := U32(b)
	if err != nil {
		return nil, b, err
	}
	if n > max {
		return nil, b, fmt.Errorf("wire: length %d exceeds maximum %d: %w", n, max, core.ErrMalformed)
	}
	field, rest, err = Take(after, int(n))
	if err != nil {
		return nil, b, err
	}
	return field, rest, nil
}

// Blob copies an opaque n-byte range so it can outlive the input buffer.
func Blob(b []byte, n int) ([]byte, []byte, error) {
	h, rest, err := Take(b, n)
	if err != nil {
		return nil, b, err
	}
	out := make([]byte, n)
	copy(out, h)
	return out, rest, nil
}

// Pad4 returns the number of XDR padding bytes following an n-byte field.
func Pad4(n int) int {
	return (4 - n%4) % 4
}
