package websocket

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"firestige.xyz/applayer/internal/applayer"
	"firestige.xyz/applayer/internal/core"
)

// message tracks a possibly fragmented data message in one direction.
type message struct {
	active     bool
	compressed bool
	buf        []byte
	overflow   bool
}

func (m *message) reset() { *m = message{buf: m.buf[:0]} }

// Flow is the per-flow WebSocket state.
type Flow struct {
	*applayer.Store[*Transaction]

	cfg     Config
	framing [2]bool   // direction has moved past the HTTP handshake
	lost    [2]bool   // frame boundaries unknown after a gap
	skip    [2]uint64 // declared payload bytes still to discard
	partial [2]*Frame // frame whose kept payload is still arriving
	msg     [2]message
	inflate [2]inflater
	deflate Deflate
}

func newFlow(cfg Config) *Flow {
	return &Flow{Store: &applayer.Store[*Transaction]{}, cfg: cfg}
}

// Deflate returns the negotiated compression settings.
func (f *Flow) Deflate() Deflate { return f.deflate }

// Parse implements plugin.Flow. Payload bytes are consumed as they arrive
// so the host only ever buffers a frame header.
func (f *Flow) Parse(data []byte, dir core.Direction) applayer.Outcome {
	d := dir.Index()
	if f.lost[d] {
		return applayer.OK(len(data))
	}
	consumed := 0
	for consumed < len(data) {
		buf := data[consumed:]

		if f.skip[d] > 0 {
			n := f.skip[d]
			if n > uint64(len(buf)) {
				n = uint64(len(buf))
			}
			f.skip[d] -= n
			consumed += int(n)
			continue
		}

		if p := f.partial[d]; p != nil {
			n := p.Kept() - uint64(len(p.Payload))
			if n > uint64(len(buf)) {
				n = uint64(len(buf))
			}
			start := len(p.Payload)
			p.Payload = append(p.Payload, buf[:n]...)
			if p.Masked {
				UnmaskAt(p.Payload[start:], p.Mask, start)
			}
			consumed += int(n)
			if uint64(len(p.Payload)) == p.Kept() {
				f.partial[d] = nil
				f.finishFrame(p, dir)
			}
			continue
		}

		if !f.framing[d] {
			match, partial := httpPrefix(buf, dir)
			if partial {
				return applayer.NeedMore(consumed, 1)
			}
			if match {
				n, err := f.parseHandshake(buf, dir)
				if err != nil {
					return applayer.FromError(consumed, err)
				}
				consumed += n
				f.framing[d] = true
				continue
			}
			f.framing[d] = true
		}

		frame, n, err := DecodeFrameHeader(buf, f.cfg.MaxPayloadSize)
		if err != nil {
			return applayer.FromError(consumed, err)
		}
		if n == 0 {
			return applayer.Failed(fmt.Errorf("websocket: decoder made no progress: %w", core.ErrMalformed))
		}
		body := buf[n:]
		if kept := frame.Kept(); uint64(len(body)) >= kept {
			frame.Payload = body[:kept]
			if frame.Masked {
				Unmask(frame.Payload, frame.Mask)
			}
			consumed += n + int(kept)
			f.finishFrame(&frame, dir)
			continue
		}
		frame.Payload = append(make([]byte, 0, len(body)), body...)
		if frame.Masked {
			Unmask(frame.Payload, frame.Mask)
		}
		f.partial[d] = &frame
		consumed = len(data)
	}
	return applayer.OK(consumed)
}

func (f *Flow) finishFrame(frame *Frame, dir core.Direction) {
	f.handleFrame(frame, dir)
	f.skip[dir.Index()] = frame.Skip
}

// Gap stops parsing dir: frames carry no sync marker, so the next frame
// boundary cannot be found again.
func (f *Flow) Gap(dir core.Direction) {
	d := dir.Index()
	f.skip[d] = 0
	f.partial[d] = nil
	f.msg[d].reset()
	f.inflate[d].window = nil
	f.framing[d] = true
	f.lost[d] = true
	slog.Debug("websocket direction lost after gap", "dir", dir)
}

// Close releases all transactions.
func (f *Flow) Close() { f.Clear() }

func (f *Flow) parseHandshake(buf []byte, dir core.Direction) (int, error) {
	n, err := splitHead(buf)
	if err != nil {
		return 0, err
	}
	head := buf[:n]

	if dir == core.ToServer {
		hs, err := parseRequest(head)
		if err != nil {
			return 0, err
		}
		tx := &Transaction{Handshake: hs}
		tx.Advance(progressRequest)
		f.Push(tx)
		return n, nil
	}

	tx, ok := f.Find(func(t *Transaction) bool {
		return t.Handshake != nil && t.Handshake.StatusCode == 0
	})
	fresh := !ok
	if fresh {
		tx = &Transaction{Handshake: &Handshake{}}
	}
	if err := parseResponse(head, tx.Handshake); err != nil {
		return 0, err
	}
	if fresh {
		tx.AddEvent(EventUnsolicitedResponse)
		f.Push(tx)
	}
	tx.Advance(progressComplete)
	if tx.Handshake.StatusCode == 101 {
		f.deflate = negotiate(tx.Handshake.Accepted)
	}
	return n, nil
}

func (f *Flow) handleFrame(frame *Frame, dir core.Direction) {
	d := dir.Index()
	info := &FrameInfo{
		Dir:        dir,
		Fin:        frame.Fin,
		Compressed: frame.Compressed,
		Opcode:     frame.Opcode,
		Masked:     frame.Masked,
		Mask:       frame.Mask,
		Length:     frame.Length,
		Skipped:    frame.Skip,
		Payload:    append([]byte(nil), frame.Payload...),
	}
	tx := &Transaction{Frame: info}
	tx.Advance(progressComplete)

	if !frame.Opcode.Known() {
		tx.AddEvent(EventUnknownOpcode)
	}
	if frame.Reserved {
		tx.AddEvent(EventReservedBits)
	}
	if dir == core.ToServer && !frame.Masked {
		tx.AddEvent(EventUnmaskedClientFrame)
	}
	if dir == core.ToClient && frame.Masked {
		tx.AddEvent(EventMaskedServerFrame)
	}
	if frame.Skip > 0 {
		tx.AddEvent(EventPayloadTruncated)
	}

	switch {
	case frame.Opcode == OpClose:
		if len(info.Payload) >= 2 {
			info.CloseCode = binary.BigEndian.Uint16(info.Payload)
			info.CloseText = string(info.Payload[2:])
		}
		if frame.Compressed {
			tx.AddEvent(EventReservedBits)
		}
	case frame.Opcode.IsControl() || !frame.Opcode.Known():
		if frame.Compressed {
			tx.AddEvent(EventReservedBits)
		}
	default:
		f.handleData(frame, info, tx, d)
	}

	f.Push(tx)
	slog.Debug("websocket frame",
		"dir", dir, "tx_id", tx.ID(), "opcode", info.Opcode, "len", info.Length, "fin", info.Fin)
}

// handleData accumulates a data message and inflates it on its final frame
// when it was sent compressed.
func (f *Flow) handleData(frame *Frame, info *FrameInfo, tx *Transaction, d int) {
	m := &f.msg[d]
	if frame.Opcode == OpContinuation {
		if !m.active {
			tx.AddEvent(EventUnexpectedContinuation)
		}
		if frame.Compressed {
			tx.AddEvent(EventReservedBits)
		}
	} else {
		m.reset()
		m.active = true
		m.compressed = frame.Compressed
		if frame.Compressed && !f.deflate.Enabled {
			tx.AddEvent(EventReservedBits)
		}
	}

	if !m.compressed {
		if frame.Fin {
			m.reset()
		}
		return
	}

	if frame.Skip > 0 || uint64(len(m.buf)+len(info.Payload)) > f.cfg.MaxPayloadSize {
		m.overflow = true
	}
	if !m.overflow {
		m.buf = append(m.buf, info.Payload...)
	}
	if !frame.Fin {
		return
	}

	defer m.reset()
	if !f.cfg.Inflate {
		return
	}
	if m.overflow {
		tx.AddEvent(EventPayloadTruncated)
		f.inflate[d].window = nil
		return
	}
	takeover := !f.deflate.NoContextTakeover[d]
	out, truncated, err := f.inflate[d].inflate(m.buf, f.cfg.MaxPayloadSize, takeover)
	if err != nil {
		tx.AddEvent(EventInflateFailed)
		f.inflate[d].window = nil
		return
	}
	if truncated {
		tx.AddEvent(EventPayloadTruncated)
	}
	info.Inflated = out
}
