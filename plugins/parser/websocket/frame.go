package websocket

import (
	"encoding/binary"
	"fmt"

	"firestige.xyz/applayer/internal/core"
	"firestige.xyz/applayer/internal/wire"
)

// Opcode is the 4-bit frame opcode. Values outside the named set are kept
// as-is and reported as unrecognized rather than rejected.
type Opcode uint8

const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

// Known reports whether op is one of the RFC 6455 opcodes.
func (op Opcode) Known() bool {
	switch op {
	case OpContinuation, OpText, OpBinary, OpClose, OpPing, OpPong:
		return true
	}
	return false
}

// IsControl reports whether op is a control opcode (0x8-0xF).
func (op Opcode) IsControl() bool { return op&0x8 != 0 }

func (op Opcode) String() string {
	switch op {
	case OpContinuation:
		return "continuation"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	default:
		return fmt.Sprintf("unknown(0x%x)", uint8(op))
	}
}

const (
	finBit  = 0x80
	rsv1Bit = 0x40
	rsv23   = 0x30
	maskBit = 0x80
)

// Frame is one decoded frame. Payload is already unmasked and is a view
// into the input buffer unless the flow collected it across calls; it holds
// at most the caller's maximum and Skip counts the declared payload bytes
// that follow it and were not read.
type Frame struct {
	Fin        bool
	Compressed bool // RSV1, set on the first frame of a permessage-deflate message
	Reserved   bool // RSV2 or RSV3
	Opcode     Opcode
	Masked     bool
	Mask       [4]byte
	Length     uint64 // declared payload length
	Payload    []byte
	Skip       uint64
}

// DecodeFrame decodes one frame from b. It returns the frame and the number
// of bytes consumed: header plus the payload bytes kept in Payload.
// Masked payload bytes are XORed in place.
func DecodeFrame(b []byte, maxPayload uint64) (Frame, int, error) {
	f, n, err := DecodeFrameHeader(b, maxPayload)
	if err != nil {
		return f, 0, err
	}
	var rest []byte
	if f.Payload, rest, err = wire.Take(b[n:], int(f.Kept())); err != nil {
		return f, 0, err
	}
	if f.Masked {
		Unmask(f.Payload, f.Mask)
	}
	return f, len(b) - len(rest), nil
}

// DecodeFrameHeader decodes the frame header only and returns its length.
// Length and Skip are set for maxPayload; Payload is left nil.
func DecodeFrameHeader(b []byte, maxPayload uint64) (Frame, int, error) {
	var f Frame

	b0, rest, err := wire.U8(b)
	if err != nil {
		return f, 0, err
	}
	b1, rest, err := wire.U8(rest)
	if err != nil {
		return f, 0, err
	}
	f.Fin = b0&finBit != 0
	f.Compressed = b0&rsv1Bit != 0
	f.Reserved = b0&rsv23 != 0
	f.Opcode = Opcode(b0 & 0x0F)
	f.Masked = b1&maskBit != 0

	switch sel := b1 & 0x7F; sel {
	case 126:
		var n uint16
		if n, rest, err = wire.U16(rest); err != nil {
			return f, 0, err
		}
		f.Length = uint64(n)
	case 127:
		if f.Length, rest, err = wire.U64(rest); err != nil {
			return f, 0, err
		}
		if f.Length>>63 != 0 {
			return f, 0, fmt.Errorf("websocket: payload length high bit set: %w", core.ErrMalformed)
		}
	default:
		f.Length = uint64(sel)
	}

	if f.Masked {
		var m []byte
		if m, rest, err = wire.Take(rest, 4); err != nil {
			return f, 0, err
		}
		copy(f.Mask[:], m)
	}

	if f.Length > maxPayload {
		f.Skip = f.Length - maxPayload
	}
	return f, len(b) - len(rest), nil
}

// Kept is the number of payload bytes read into Payload.
func (f *Frame) Kept() uint64 { return f.Length - f.Skip }

// Unmask XORs p in place with the 4-byte mask. Applying it twice restores
// the original bytes.
func Unmask(p []byte, mask [4]byte) { UnmaskAt(p, mask, 0) }

// UnmaskAt unmasks p as the payload bytes starting at offset off.
func UnmaskAt(p []byte, mask [4]byte, off int) {
	for i := range p {
		p[i] ^= mask[(off+i)%4]
	}
}

// EncodeFrame appends a frame carrying payload to dst. When mask is non-nil
// the payload is masked with it; payload itself is left untouched.
func EncodeFrame(dst []byte, fin bool, op Opcode, payload []byte, mask *[4]byte) []byte {
	b0 := byte(op) & 0x0F
	if fin {
		b0 |= finBit
	}
	dst = append(dst, b0)

	var mb byte
	if mask != nil {
		mb = maskBit
	}
	switch n := len(payload); {
	case n <= 125:
		dst = append(dst, mb|byte(n))
	case n <= 0xFFFF:
		dst = append(dst, mb|126)
		dst = binary.BigEndian.AppendUint16(dst, uint16(n))
	default:
		dst = append(dst, mb|127)
		dst = binary.BigEndian.AppendUint64(dst, uint64(n))
	}

	if mask == nil {
		return append(dst, payload...)
	}
	dst = append(dst, mask[:]...)
	start := len(dst)
	dst = append(dst, payload...)
	Unmask(dst[start:], *mask)
	return dst
}
