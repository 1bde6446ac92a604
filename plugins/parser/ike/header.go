package ike

import (
	"fmt"

	"firestige.xyz/applayer/internal/core"
	"firestige.xyz/applayer/internal/wire"
)

// HeaderSize is the fixed ISAKMP header length.
const HeaderSize = 28

// Header flags.
const (
	FlagEncrypted = 0x01
	FlagCommit    = 0x02
	FlagAuthOnly  = 0x04
)

const supportedMajor = 1

// ExchangeType is the ISAKMP exchange type.
type ExchangeType uint8

const (
	ExchangeBase          ExchangeType = 1
	ExchangeIdentityProt  ExchangeType = 2 // main mode
	ExchangeAuthOnly      ExchangeType = 3
	ExchangeAggressive    ExchangeType = 4
	ExchangeInformational ExchangeType = 5
	ExchangeQuickMode     ExchangeType = 32
	ExchangeNewGroup      ExchangeType = 33
)

// Valid reports whether e is defined for IKEv1 or in the private range.
func (e ExchangeType) Valid() bool {
	switch {
	case e >= ExchangeBase && e <= ExchangeInformational:
		return true
	case e == ExchangeQuickMode || e == ExchangeNewGroup:
		return true
	}
	return e >= 240
}

// Header is the fixed ISAKMP header.
type Header struct {
	InitSPI      uint64
	RespSPI      uint64
	NextPayload  PayloadType
	MajorVersion uint8
	MinorVersion uint8
	ExchangeType ExchangeType
	Flags        uint8
	MessageID    uint32
	Length       uint32
}

// Encrypted reports whether the payloads following the header are encrypted.
func (h *Header) Encrypted() bool { return h.Flags&FlagEncrypted != 0 }

// DecodeHeader decodes the fixed header at the start of b. A major version
// other than 1 is a hard failure; a length shorter than the header itself
// is malformed.
func DecodeHeader(b []byte) (Header, []byte, error) {
	var h Header
	v, rest, err := wire.Take(b, HeaderSize)
	if err != nil {
		return h, b, err
	}
	r := wire.NewReader(v)
	h.InitSPI = r.U64()
	h.RespSPI = r.U64()
	h.NextPayload = PayloadType(r.U8())
	ver := r.U8()
	h.MajorVersion, h.MinorVersion = ver>>4, ver&0x0F
	h.ExchangeType = ExchangeType(r.U8())
	h.Flags = r.U8()
	h.MessageID = r.U32()
	h.Length = r.U32()

	if h.MajorVersion != supportedMajor {
		return h, b, fmt.Errorf("ike: major version %d: %w", h.MajorVersion, core.ErrUnsupportedVersion)
	}
	if h.Length < HeaderSize {
		return h, b, fmt.Errorf("ike: message length %d: %w", h.Length, core.ErrMalformed)
	}
	return h, rest, nil
}
