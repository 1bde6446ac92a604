package ike

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"log/slog"
	"slices"

	"firestige.xyz/applayer/internal/applayer"
	"firestige.xyz/applayer/internal/core"
	"firestige.xyz/applayer/internal/wire"
)

// Side is the negotiation state aggregated over the messages of one
// direction since its last SA payload.
type Side struct {
	KeyExchange []byte
	Nonce       []byte
	VendorIDs   []string // hex, first-seen order
	Transforms  []Transform
}

// Flow is the per-flow IKE state.
type Flow struct {
	*applayer.Store[*Transaction]

	cfg   Config
	sides [2]Side
}

func newFlow(cfg Config) *Flow {
	return &Flow{Store: &applayer.Store[*Transaction]{}, cfg: cfg}
}

// Side returns the aggregated state of dir.
func (f *Flow) Side(dir core.Direction) Side { return f.sides[dir.Index()] }

// Parse implements plugin.Flow.
func (f *Flow) Parse(data []byte, dir core.Direction) applayer.Outcome {
	consumed := 0
	for consumed < len(data) {
		buf := data[consumed:]
		if s := stripNonESPMarker(buf); len(s) != len(buf) {
			consumed += nonESPMarkerSize
			continue
		}

		h, _, err := DecodeHeader(buf)
		if err != nil {
			return applayer.FromError(consumed, err)
		}
		if h.Length > f.cfg.MaxMessageSize {
			return applayer.FromError(consumed,
				fmt.Errorf("ike: message length %d exceeds %d: %w", h.Length, f.cfg.MaxMessageSize, core.ErrMalformed))
		}
		msg, _, err := wire.Take(buf, int(h.Length))
		if err != nil {
			return applayer.FromError(consumed, err)
		}

		tx, err := decodeMessage(&h, msg[HeaderSize:], dir)
		if err != nil {
			slog.Debug("ike parse failed", "dir", dir, "error", err)
			return applayer.FromError(consumed, err)
		}
		f.fold(tx)
		f.Push(tx)
		slog.Debug("ike message", "dir", dir, "tx_id", tx.ID(),
			"exchange", h.ExchangeType, "payloads", len(tx.Payloads))
		consumed += len(msg)
	}
	return applayer.OK(consumed)
}

// Gap is a no-op: every message stands alone.
func (f *Flow) Gap(core.Direction) {}

// Close releases all transactions.
func (f *Flow) Close() { f.Clear() }

// fold merges a message into its direction's state. An SA payload starts a
// new negotiation and clears the direction before the message's own values
// are merged.
func (f *Flow) fold(tx *Transaction) {
	s := &f.sides[tx.Dir.Index()]
	if tx.SA != nil {
		*s = Side{}
		for _, p := range tx.SA.Proposals {
			s.Transforms = append(s.Transforms, p.Transforms...)
		}
	}
	if tx.KeyExchange != nil {
		s.KeyExchange = tx.KeyExchange
	}
	if tx.Nonce != nil {
		s.Nonce = tx.Nonce
	}
	for _, v := range tx.VendorIDs {
		if id := hex.EncodeToString(v); !slices.Contains(s.VendorIDs, id) {
			s.VendorIDs = append(s.VendorIDs, id)
		}
	}
}

// decodeMessage builds a transaction from a complete message. body is the
// message after the fixed header.
func decodeMessage(h *Header, body []byte, dir core.Direction) (*Transaction, error) {
	tx := &Transaction{Dir: dir, Header: *h}
	if h.ExchangeType == ExchangeAggressive {
		tx.AddEvent(EventAggressiveMode)
	}
	tx.Advance(progressComplete)
	if h.Encrypted() {
		return tx, nil
	}

	payloads, err := DecodePayloads(h.NextPayload, body)
	if err != nil {
		return nil, err
	}
	used := 0
	for _, p := range payloads {
		used += genericHeaderSize + len(p.Body)
		tx.Payloads = append(tx.Payloads, p.Type)
		if err := tx.addPayload(p); err != nil {
			return nil, err
		}
	}
	if used < len(body) {
		tx.AddEvent(EventTrailingData)
	}
	if tx.SA != nil {
		tx.checkSA()
	}
	return tx, nil
}

func (tx *Transaction) addPayload(p Payload) error {
	switch p.Type {
	case PayloadSA:
		sa, err := DecodeSA(p.Body)
		if err != nil {
			return err
		}
		if tx.SA == nil {
			tx.SA = sa
		}
	case PayloadKeyExchange:
		tx.KeyExchange = bytes.Clone(p.Body)
	case PayloadNonce:
		tx.Nonce = bytes.Clone(p.Body)
	case PayloadVendorID:
		tx.VendorIDs = append(tx.VendorIDs, bytes.Clone(p.Body))
	case PayloadNotification:
		n, err := DecodeNotification(p.Body)
		if err != nil {
			return err
		}
		tx.Notifications = append(tx.Notifications, n)
	case PayloadIdentity:
		id, err := DecodeIdentification(p.Body)
		if err != nil {
			return err
		}
		tx.Identities = append(tx.Identities, id)
	case PayloadProposal, PayloadTransform:
		// Only valid nested inside an SA.
		tx.AddEvent(EventUnexpectedPayload)
	default:
		if _, ok := payloadNames[p.Type]; !ok {
			tx.AddEvent(EventUnknownPayload)
		}
	}
	return nil
}

// Oakley values considered weak.
const (
	encDES     = 1
	hashMD5    = 1
	groupMODP1 = 1 // 768-bit
	groupMODP2 = 2 // 1024-bit
)

func (tx *Transaction) checkSA() {
	var weakEnc, weakHash, weakGroup bool
	transforms := 0
	for _, p := range tx.SA.Proposals {
		for _, t := range p.Transforms {
			transforms++
			if v, ok := t.Attr(AttrEncryption); ok && v == encDES {
				weakEnc = true
			}
			if v, ok := t.Attr(AttrHash); ok && v == hashMD5 {
				weakHash = true
			}
			if v, ok := t.Attr(AttrGroup); ok && (v == groupMODP1 || v == groupMODP2) {
				weakGroup = true
			}
		}
	}
	if weakEnc {
		tx.AddEvent(EventWeakEncryption)
	}
	if weakHash {
		tx.AddEvent(EventWeakHash)
	}
	if weakGroup {
		tx.AddEvent(EventWeakDHGroup)
	}
	// A responder picks exactly one proposal with one transform.
	if tx.Dir == core.ToClient && (len(tx.SA.Proposals) > 1 || transforms > 1) {
		tx.AddEvent(EventMultipleServerProposals)
	}
}
