package ike

import (
	"fmt"

	"firestige.xyz/applayer/internal/core"
	"firestige.xyz/applayer/internal/wire"
)

// Oakley attribute types (RFC 2409 appendix A).
const (
	AttrEncryption   = 1
	AttrHash         = 2
	AttrAuthMethod   = 3
	AttrGroup        = 4
	AttrLifeType     = 11
	AttrLifeDuration = 12
	AttrKeyLength    = 14
)

const attrFormatTV = 0x8000

const doiIPsec = 1

// SA is a Security Association payload.
type SA struct {
	DOI       uint32
	Situation uint32
	Proposals []Proposal
}

// Proposal is one proposal of an SA payload.
type Proposal struct {
	Number     uint8
	ProtocolID uint8
	SPI        []byte
	Transforms []Transform
}

// Transform is one transform of a proposal.
type Transform struct {
	Number     uint8
	ID         uint8
	Attributes []Attribute
}

// Attribute is a data attribute. Short (TV) attributes carry their value in
// Value; long (TLV) attributes carry it in Raw, and in Value as well when it
// fits in 8 bytes.
type Attribute struct {
	Type  uint16
	Value uint64
	Raw   []byte
}

// Attr returns the value of the first attribute of type typ.
func (t *Transform) Attr(typ uint16) (uint64, bool) {
	for _, a := range t.Attributes {
		if a.Type == typ {
			return a.Value, true
		}
	}
	return 0, false
}

// DecodeSA decodes an SA payload body. Only the IPsec DOI carries a
// situation and proposals.
func DecodeSA(b []byte) (*SA, error) {
	r := wire.NewReader(b)
	sa := &SA{DOI: r.U32()}
	if r.Err() != nil {
		return nil, malformed(r.Err())
	}
	if sa.DOI != doiIPsec {
		return sa, nil
	}
	sa.Situation = r.U32()
	if r.Err() != nil {
		return nil, malformed(r.Err())
	}

	rest := r.Rest()
	next := PayloadProposal
	for next != PayloadNone {
		if next != PayloadProposal {
			return nil, fmt.Errorf("ike: %s inside SA: %w", next, core.ErrMalformed)
		}
		body, after, np, err := splitPayload(rest)
		if err != nil {
			return nil, fmt.Errorf("ike: proposal: %w", err)
		}
		p, err := decodeProposal(body)
		if err != nil {
			return nil, err
		}
		sa.Proposals = append(sa.Proposals, p)
		next, rest = np, after
	}
	return sa, nil
}

func decodeProposal(b []byte) (Proposal, error) {
	var p Proposal
	r := wire.NewReader(b)
	p.Number = r.U8()
	p.ProtocolID = r.U8()
	spiSize := int(r.U8())
	count := int(r.U8())
	p.SPI = r.Blob(spiSize)
	if r.Err() != nil {
		return p, fmt.Errorf("ike: proposal: %w", malformed(r.Err()))
	}

	rest := r.Rest()
	for i := 0; i < count; i++ {
		body, after, np, err := splitPayload(rest)
		if err != nil {
			return p, fmt.Errorf("ike: transform: %w", err)
		}
		t, err := decodeTransform(body)
		if err != nil {
			return p, err
		}
		p.Transforms = append(p.Transforms, t)
		rest = after
		if np == PayloadNone {
			break
		}
	}
	return p, nil
}

func decodeTransform(b []byte) (Transform, error) {
	var t Transform
	r := wire.NewReader(b)
	t.Number = r.U8()
	t.ID = r.U8()
	r.Skip(2)
	for r.Err() == nil && r.Remaining() > 0 {
		var a Attribute
		typ := r.U16()
		a.Type = typ &^ attrFormatTV
		if typ&attrFormatTV != 0 {
			a.Value = uint64(r.U16())
		} else {
			a.Raw = r.Blob(int(r.U16()))
			if len(a.Raw) <= 8 {
				for _, c := range a.Raw {
					a.Value = a.Value<<8 | uint64(c)
				}
			}
		}
		if r.Err() == nil {
			t.Attributes = append(t.Attributes, a)
		}
	}
	if r.Err() != nil {
		return t, fmt.Errorf("ike: transform attributes: %w", malformed(r.Err()))
	}
	return t, nil
}
