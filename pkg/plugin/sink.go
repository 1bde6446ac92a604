package plugin

import (
	"firestige.xyz/applayer/internal/applayer"
	"firestige.xyz/applayer/internal/core"
)

// Record is what a sink receives for one completed transaction.
type Record struct {
	Proto  string
	Flow   core.FlowKey
	TxID   uint64
	Labels core.Labels
	Events []string
}

// Sink emits completed transactions. The engine sets the sink's logged
// bit on the transaction after a successful Emit.
type Sink interface {
	Plugin
	Emit(rec Record) error
}

// NewRecord builds a Record for tx.
func NewRecord(desc Descriptor, key core.FlowKey, tx applayer.Transaction) Record {
	b := tx.Base()
	rec := Record{
		Proto:  desc.Name,
		Flow:   key,
		TxID:   b.ID(),
		Labels: tx.Labels(),
	}
	for _, ev := range b.Events {
		rec.Events = append(rec.Events, desc.Events.Name(ev))
	}
	return rec
}
