package ike

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"firestige.xyz/applayer/internal/applayer"
	"firestige.xyz/applayer/internal/core"
)

// Transaction is one ISAKMP message.
type Transaction struct {
	applayer.TxBase

	Dir      core.Direction
	Header   Header
	Payloads []PayloadType // in chain order; empty when encrypted

	SA            *SA
	KeyExchange   []byte
	Nonce         []byte
	VendorIDs     [][]byte
	Notifications []Notification
	Identities    []Identification
}

// Labels implements applayer.Transaction.
func (tx *Transaction) Labels() core.Labels {
	h := &tx.Header
	l := core.Labels{
		core.LabelTxID:            strconv.FormatUint(tx.ID(), 10),
		core.LabelProgress:        strconv.Itoa(tx.Progress()),
		core.LabelIKEInitSPI:      fmt.Sprintf("%016x", h.InitSPI),
		core.LabelIKERespSPI:      fmt.Sprintf("%016x", h.RespSPI),
		core.LabelIKEVersion:      fmt.Sprintf("%d.%d", h.MajorVersion, h.MinorVersion),
		core.LabelIKEExchangeType: strconv.Itoa(int(h.ExchangeType)),
		core.LabelIKEEncrypted:    strconv.FormatBool(h.Encrypted()),
	}
	if len(tx.Payloads) > 0 {
		names := make([]string, len(tx.Payloads))
		for i, p := range tx.Payloads {
			names[i] = p.String()
		}
		l[core.LabelIKEPayloads] = strings.Join(names, ",")
	}
	if len(tx.VendorIDs) > 0 {
		l[core.LabelIKEVendorIDs] = joinHex(tx.VendorIDs)
	}
	if tx.KeyExchange != nil {
		l[core.LabelIKEKeyExchange] = hex.EncodeToString(tx.KeyExchange)
	}
	if tx.SA != nil {
		var ts []string
		for _, p := range tx.SA.Proposals {
			for _, t := range p.Transforms {
				ts = append(ts, transformString(&t))
			}
		}
		if len(ts) > 0 {
			l[core.LabelIKETransforms] = strings.Join(ts, ";")
		}
	}
	return l
}

func joinHex(vs [][]byte) string {
	s := make([]string, len(vs))
	for i, v := range vs {
		s[i] = hex.EncodeToString(v)
	}
	return strings.Join(s, ",")
}

// transformString renders the Oakley attributes that matter for policy.
func transformString(t *Transform) string {
	var b strings.Builder
	for _, a := range []struct {
		name string
		typ  uint16
	}{
		{"enc", AttrEncryption},
		{"hash", AttrHash},
		{"auth", AttrAuthMethod},
		{"group", AttrGroup},
		{"keylen", AttrKeyLength},
	} {
		v, ok := t.Attr(a.typ)
		if !ok {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(a.name)
		b.WriteByte('=')
		b.WriteString(strconv.FormatUint(v, 10))
	}
	return b.String()
}
