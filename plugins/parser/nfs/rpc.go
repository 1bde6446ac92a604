package nfs

import (
	"fmt"

	"firestige.xyz/applayer/internal/core"
	"firestige.xyz/applayer/internal/wire"
)

const (
	rpcVersion = 2
	nfsProgram = 100003
	nfsVersion = 2

	maxAuthSize = 400

	lastFragment = 1 << 31
	fragmentMask = lastFragment - 1

	// RPC call header up to and including the procedure number.
	callHeaderSize = 24
)

// MsgType distinguishes ONC-RPC calls from replies.
type MsgType uint32

const (
	MsgCall  MsgType = 0
	MsgReply MsgType = 1
)

// Reply and accept status values (RFC 5531).
const (
	ReplyAccepted = 0
	ReplyDenied   = 1

	AcceptSuccess      = 0
	AcceptProgMismatch = 2
)

// Message is one decoded ONC-RPC message. Body is a view of the procedure
// arguments (calls) or results (accepted, successful replies).
type Message struct {
	XID  uint32
	Type MsgType

	Program    uint32
	Version    uint32
	Procedure  Procedure
	CredFlavor uint32

	ReplyStat  uint32
	AcceptStat uint32

	Body []byte
}

// DecodeMessage decodes the RPC header of one complete message.
func DecodeMessage(b []byte) (Message, error) {
	var m Message
	r := wire.NewReader(b)
	m.XID = r.U32()
	m.Type = MsgType(r.U32())
	if r.Err() != nil {
		return m, r.Err()
	}

	switch m.Type {
	case MsgCall:
		if v := r.U32(); r.Err() == nil && v != rpcVersion {
			return m, fmt.Errorf("nfs: rpc version %d: %w", v, core.ErrUnsupportedVersion)
		}
		m.Program = r.U32()
		m.Version = r.U32()
		m.Procedure = Procedure(r.U32())
		m.CredFlavor = r.U32()
		r.Opaque(maxAuthSize)
		r.U32() // verifier flavor
		r.Opaque(maxAuthSize)
	case MsgReply:
		m.ReplyStat = r.U32()
		if r.Err() != nil || m.ReplyStat != ReplyAccepted {
			break
		}
		r.U32() // verifier flavor
		r.Opaque(maxAuthSize)
		m.AcceptStat = r.U32()
		if m.AcceptStat == AcceptProgMismatch {
			r.Skip(8)
		}
	default:
		return m, fmt.Errorf("nfs: rpc message type %d: %w", m.Type, core.ErrMalformed)
	}
	if r.Err() != nil {
		return m, r.Err()
	}
	m.Body = r.Rest()
	return m, nil
}

// readRecord reads one record-marked message (RFC 5531 §11) from the start of
// b. Fragments are joined when there is more than one. It returns the message,
// the fragment count and the bytes consumed.
func readRecord(b []byte, max int) ([]byte, int, int, error) {
	var (
		msg   []byte
		frags int
		rest  = b
	)
	for {
		hdr, after, err := wire.U32(rest)
		if err != nil {
			return nil, 0, 0, err
		}
		n := int(hdr & fragmentMask)
		if len(msg)+n > max {
			return nil, 0, 0, fmt.Errorf("nfs: record exceeds %d bytes: %w", max, core.ErrMalformed)
		}
		frag, after, err := wire.Take(after, n)
		if err != nil {
			return nil, 0, 0, err
		}
		if frags++; frags == 1 {
			msg = frag
		} else {
			// The first fragment is a capacity-limited view, so this copies.
			msg = append(msg, frag...)
		}
		rest = after
		if hdr&lastFragment != 0 {
			return msg, frags, len(b) - len(rest), nil
		}
		if frags > max/4 {
			return nil, 0, 0, fmt.Errorf("nfs: too many record fragments: %w", core.ErrMalformed)
		}
	}
}

// looksLikeCall reports whether b starts with an NFS version 2 call header.
// It needs callHeaderSize bytes.
func looksLikeCall(b []byte) bool {
	r := wire.NewReader(b)
	r.U32() // xid
	typ, vers, prog, pvers, proc := r.U32(), r.U32(), r.U32(), r.U32(), r.U32()
	return r.Err() == nil &&
		MsgType(typ) == MsgCall && vers == rpcVersion &&
		prog == nfsProgram && pvers == nfsVersion && Procedure(proc).Known()
}
