package websocket

import (
	"strconv"
	"unicode/utf8"

	"firestige.xyz/applayer/internal/applayer"
	"firestige.xyz/applayer/internal/core"
)

const maxLabelPayload = 256

// FrameInfo is the owned part of a decoded frame kept on a transaction.
type FrameInfo struct {
	Dir        core.Direction
	Fin        bool
	Compressed bool
	Opcode     Opcode
	Masked     bool
	Mask       [4]byte
	Length     uint64
	Skipped    uint64
	Payload    []byte // unmasked, at most the configured maximum
	Inflated   []byte // set on the final frame of a compressed message
	CloseCode  uint16
	CloseText  string
}

// Transaction is one frame or the upgrade handshake.
type Transaction struct {
	applayer.TxBase

	Handshake *Handshake
	Frame     *FrameInfo
}

// Labels implements applayer.Transaction.
func (tx *Transaction) Labels() core.Labels {
	l := core.Labels{
		core.LabelTxID:     strconv.FormatUint(tx.ID(), 10),
		core.LabelProgress: strconv.Itoa(tx.Progress()),
	}
	if hs := tx.Handshake; hs != nil {
		if hs.URI != "" {
			l["websocket.uri"] = hs.URI
		}
		if hs.Host != "" {
			l["websocket.host"] = hs.Host
		}
		if hs.StatusCode != 0 {
			l["websocket.status"] = strconv.Itoa(hs.StatusCode)
		}
		if hs.Accepted != "" {
			l[core.LabelWSExtensions] = hs.Accepted
		}
	}
	if f := tx.Frame; f != nil {
		l[core.LabelWSOpcode] = f.Opcode.String()
		l[core.LabelWSFin] = strconv.FormatBool(f.Fin)
		l[core.LabelWSMasked] = strconv.FormatBool(f.Masked)
		l[core.LabelWSCompressed] = strconv.FormatBool(f.Compressed)
		l[core.LabelWSLength] = strconv.FormatUint(f.Length, 10)
		if f.Skipped > 0 {
			l[core.LabelWSSkipped] = strconv.FormatUint(f.Skipped, 10)
		}
		p := f.Payload
		if f.Inflated != nil {
			p = f.Inflated
		}
		if f.Opcode == OpText || f.Inflated != nil {
			if len(p) > maxLabelPayload {
				p = p[:maxLabelPayload]
			}
			if utf8.Valid(p) {
				l[core.LabelWSPayload] = string(p)
			}
		}
		if f.Opcode == OpClose && f.CloseCode != 0 {
			l["websocket.close_code"] = strconv.Itoa(int(f.CloseCode))
		}
	}
	return l
}
