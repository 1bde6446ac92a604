package ike

import (
	"fmt"

	"firestige.xyz/applayer/internal/core"
	"firestige.xyz/applayer/internal/wire"
)

// PayloadType identifies an ISAKMP payload.
type PayloadType uint8

const (
	PayloadNone         PayloadType = 0
	PayloadSA           PayloadType = 1
	PayloadProposal     PayloadType = 2
	PayloadTransform    PayloadType = 3
	PayloadKeyExchange  PayloadType = 4
	PayloadIdentity     PayloadType = 5
	PayloadCert         PayloadType = 6
	PayloadCertRequest  PayloadType = 7
	PayloadHash         PayloadType = 8
	PayloadSignature    PayloadType = 9
	PayloadNonce        PayloadType = 10
	PayloadNotification PayloadType = 11
	PayloadDelete       PayloadType = 12
	PayloadVendorID     PayloadType = 13
	PayloadNATD         PayloadType = 20
	PayloadNATOA        PayloadType = 21
)

var payloadNames = map[PayloadType]string{
	PayloadSA:           "SA",
	PayloadProposal:     "P",
	PayloadTransform:    "T",
	PayloadKeyExchange:  "KE",
	PayloadIdentity:     "ID",
	PayloadCert:         "CERT",
	PayloadCertRequest:  "CR",
	PayloadHash:         "HASH",
	PayloadSignature:    "SIG",
	PayloadNonce:        "NONCE",
	PayloadNotification: "N",
	PayloadDelete:       "D",
	PayloadVendorID:     "VID",
	PayloadNATD:         "NAT-D",
	PayloadNATOA:        "NAT-OA",
}

// Known reports whether t is a payload type this parser understands, or a
// private-use type.
func (t PayloadType) Known() bool {
	_, ok := payloadNames[t]
	return ok || t >= 128
}

func (t PayloadType) String() string {
	if s, ok := payloadNames[t]; ok {
		return s
	}
	return fmt.Sprintf("PAYLOAD_%d", uint8(t))
}

// genericHeaderSize is the next-payload, reserved and length prefix shared
// by every payload.
const genericHeaderSize = 4

// Payload is one element of the payload chain. Body is a view into the
// message, excluding the generic header.
type Payload struct {
	Type PayloadType
	Body []byte
}

// DecodePayloads walks the payload chain starting with type first and
// returns it as a list. b must be the message without its header; a payload
// running past it is malformed.
func DecodePayloads(first PayloadType, b []byte) ([]Payload, error) {
	var out []Payload
	next, rest := first, b
	for next != PayloadNone {
		if len(out) > len(b)/genericHeaderSize {
			return nil, fmt.Errorf("ike: payload chain too long: %w", core.ErrMalformed)
		}
		body, after, np, err := splitPayload(rest)
		if err != nil {
			return nil, fmt.Errorf("ike: %s payload: %w", next, err)
		}
		out = append(out, Payload{Type: next, Body: body})
		next, rest = np, after
	}
	return out, nil
}

// splitPayload reads one generic header and the body it declares.
func splitPayload(b []byte) (body, rest []byte, next PayloadType, err error) {
	r := wire.NewReader(b)
	next = PayloadType(r.U8())
	r.U8() // reserved
	n := int(r.U16())
	if r.Err() != nil {
		return nil, b, 0, malformed(r.Err())
	}
	// A length below the generic header would never advance the chain.
	if n < genericHeaderSize {
		return nil, b, 0, fmt.Errorf("length %d: %w", n, core.ErrMalformed)
	}
	body = r.Take(n - genericHeaderSize)
	if r.Err() != nil {
		return nil, b, 0, malformed(r.Err())
	}
	return body, r.Rest(), next, nil
}

// malformed converts a short read inside a length-delimited structure.
func malformed(err error) error {
	if core.Needed(err) > 0 {
		return fmt.Errorf("truncated: %w", core.ErrMalformed)
	}
	return err
}
