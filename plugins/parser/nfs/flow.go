package nfs

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"firestige.xyz/applayer/internal/applayer"
	"firestige.xyz/applayer/internal/core"
	"firestige.xyz/applayer/internal/wire"
)

// Flow is the per-flow NFS state.
type Flow struct {
	*applayer.Store[*Transaction]

	cfg      Config
	marking  bool
	resync   [2]bool // lost sync after a gap, scanning for the next message
	resynced [2]bool // tag the next transaction in that direction
}

func newFlow(cfg Config, marking bool) *Flow {
	return &Flow{Store: &applayer.Store[*Transaction]{}, cfg: cfg, marking: marking}
}

// Parse implements plugin.Flow.
func (f *Flow) Parse(data []byte, dir core.Direction) applayer.Outcome {
	d := dir.Index()
	consumed := 0
	for consumed < len(data) {
		buf := data[consumed:]

		if f.resync[d] {
			off, ok := f.findMessage(buf, dir)
			if !ok {
				// Keep a tail that may hold the start of the next message.
				keep := min(len(buf), f.headerSize()+callHeaderSize-1)
				return applayer.NeedMore(consumed+len(buf)-keep, 1)
			}
			consumed += off
			buf = buf[off:]
			f.resync[d] = false
			f.resynced[d] = true
		}

		msg, frags, n := buf, 1, len(buf)
		if f.marking {
			var err error
			if msg, frags, n, err = readRecord(buf, f.cfg.MaxRecordSize); err != nil {
				return applayer.FromError(consumed, err)
			}
		}
		if err := f.handleMessage(msg, frags, dir); err != nil {
			if f.marking {
				err = errTruncated("message", err)
			}
			slog.Debug("nfs parse failed", "dir", dir, "error", err)
			return applayer.FromError(consumed, err)
		}
		consumed += n
	}
	return applayer.OK(consumed)
}

// Gap drops sync in dir when messages are record marked. Datagrams stand
// alone, so a gap needs no recovery there.
func (f *Flow) Gap(dir core.Direction) {
	if f.marking {
		f.resync[dir.Index()] = true
	}
}

// Close releases all transactions.
func (f *Flow) Close() { f.Clear() }

func (f *Flow) headerSize() int {
	if f.marking {
		return 4
	}
	return 0
}

// findMessage scans buf for the start of a plausible message: an NFS call
// toward the server, or a reply to an outstanding call toward the client.
func (f *Flow) findMessage(buf []byte, dir core.Direction) (int, bool) {
	hdr := f.headerSize()
	for i := 0; i+hdr+callHeaderSize <= len(buf); i++ {
		b := buf[i+hdr:]
		if dir == core.ToServer && looksLikeCall(b) {
			return i, true
		}
		if dir == core.ToClient && MsgType(binary.BigEndian.Uint32(b[4:])) == MsgReply {
			if _, ok := f.pending(binary.BigEndian.Uint32(b)); ok {
				return i, true
			}
		}
	}
	return 0, false
}

// pending returns the newest call with xid that has no reply yet.
func (f *Flow) pending(xid uint32) (*Transaction, bool) {
	return f.Find(func(tx *Transaction) bool {
		return tx.XID == xid && tx.Request != nil && tx.Reply == nil
	})
}

func (f *Flow) handleMessage(msg []byte, frags int, dir core.Direction) error {
	m, err := DecodeMessage(msg)
	if err != nil {
		return err
	}
	if m.Type == MsgCall {
		return f.handleCall(&m, frags, dir)
	}
	return f.handleReply(&m, frags, dir)
}

func (f *Flow) handleCall(m *Message, frags int, dir core.Direction) error {
	if m.Program == nfsProgram && m.Version != nfsVersion {
		return fmt.Errorf("nfs: program version %d: %w", m.Version, core.ErrUnsupportedVersion)
	}
	tx := &Transaction{
		XID:       m.XID,
		Procedure: m.Procedure,
		Request:   &Request{Fragments: frags},
	}
	switch {
	case m.Program != nfsProgram:
		tx.AddEvent(EventWrongProgram)
	case !m.Procedure.Known():
		tx.AddEvent(EventUnknownProcedure)
	default:
		if err := decodeArgs(tx.Request, m.Procedure, m.Body); err != nil {
			return err
		}
	}
	if _, dup := f.pending(m.XID); dup {
		tx.AddEvent(EventDuplicateXID)
	}
	tx.Advance(progressRequest)
	f.push(tx, dir)
	return nil
}

func (f *Flow) handleReply(m *Message, frags int, dir core.Direction) error {
	rep := &Reply{ReplyStat: m.ReplyStat, AcceptStat: m.AcceptStat, Fragments: frags}
	tx, found := f.pending(m.XID)

	accepted := m.ReplyStat == ReplyAccepted && m.AcceptStat == AcceptSuccess
	if found && accepted {
		if err := decodeResults(rep, tx.Procedure, m.Body); err != nil {
			return err
		}
	}

	if !found {
		tx = &Transaction{XID: m.XID}
		tx.AddEvent(EventUnsolicitedReply)
	}
	if !accepted {
		tx.AddEvent(EventRPCNotAccepted)
	}
	tx.Reply = rep
	tx.Advance(progressComplete)
	if !found {
		f.push(tx, dir)
	} else {
		slog.Debug("nfs reply", "dir", dir, "tx_id", tx.ID(), "xid", tx.XID, "status", rep.Status)
	}
	return nil
}

func (f *Flow) push(tx *Transaction, dir core.Direction) {
	d := dir.Index()
	if f.resynced[d] {
		tx.AddEvent(EventResync)
		f.resynced[d] = false
	}
	f.Push(tx)
	slog.Debug("nfs transaction", "dir", dir, "tx_id", tx.ID(), "xid", tx.XID, "proc", tx.Procedure)
}

func decodeArgs(req *Request, proc Procedure, body []byte) error {
	switch proc {
	case ProcLookup:
		args, err := DecodeLookupRequest(body)
		if err != nil {
			return err
		}
		req.Handle = &args.Handle
		req.FileName = string(args.Name)
	case ProcRead:
		args, err := DecodeReadRequest(body)
		if err != nil {
			return err
		}
		req.Handle = &args.Handle
		req.Offset = args.Offset
		req.Count = args.Count
	default:
		if !proc.TakesHandle() {
			return nil
		}
		h, _, err := DecodeHandle(body)
		if err != nil {
			return err
		}
		req.Handle = &h
	}
	return nil
}

func decodeResults(rep *Reply, proc Procedure, body []byte) error {
	switch proc {
	case ProcLookup:
		res, err := DecodeLookupReply(body)
		if err != nil {
			return err
		}
		rep.Status = res.Status
		if res.Status == 0 {
			rep.Handle = &res.Handle
		}
	case ProcRead:
		res, err := DecodeReadReply(body)
		if err != nil {
			return err
		}
		rep.Status = res.Status
		rep.Count = res.Count
		rep.DataLen = res.DataLen
	case ProcNull, ProcRoot, ProcWriteCache:
	default:
		status, _, err := wire.U32(body)
		if err != nil {
			return err
		}
		rep.Status = status
	}
	return nil
}
