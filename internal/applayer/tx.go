package applayer

import "firestige.xyz/applayer/internal/core"

// LoggedFlags records which output sinks have already emitted a transaction.
// Sinks own the bits; parsers never touch them.
type LoggedFlags uint32

// Set marks sink bit as logged.
func (f *LoggedFlags) Set(bit uint) { *f |= 1 << bit }

// IsSet reports whether sink bit has logged the transaction.
func (f LoggedFlags) IsSet(bit uint) bool { return f&(1<<bit) != 0 }

// DetectState is an opaque per-transaction handle owned by the detection
// collaborator. It is released exactly once when the transaction is freed.
type DetectState interface {
	Release()
}

// Transaction is the behaviour every protocol transaction exposes to the
// store and to the host.
type Transaction interface {
	Base() *TxBase
	Labels() core.Labels
}

// TxBase carries the protocol independent transaction fields. Protocol
// transactions embed it.
type TxBase struct {
	id       uint64 // 1-based, assigned by Store.Push
	progress int

	Logged LoggedFlags
	Events core.Events

	detect DetectState
}

// Base returns b itself so that embedding types satisfy Transaction.
func (b *TxBase) Base() *TxBase { return b }

// ID returns the zero-based identifier exposed to the host.
func (b *TxBase) ID() uint64 {
	if b.id == 0 {
		return 0
	}
	return b.id - 1
}

// InternalID returns the 1-based identifier; 0 means not yet stored.
func (b *TxBase) InternalID() uint64 { return b.id }

// Progress returns the current progress watermark.
func (b *TxBase) Progress() int { return b.progress }

// Advance raises progress to p. Progress never moves backwards.
func (b *TxBase) Advance(p int) {
	if p > b.progress {
		b.progress = p
	}
}

// DetectState returns the detection handle, nil until one is attached.
func (b *TxBase) DetectState() DetectState { return b.detect }

// SetDetectState attaches a detection handle, releasing any previous one.
func (b *TxBase) SetDetectState(ds DetectState) {
	if b.detect != nil && b.detect != ds {
		b.detect.Release()
	}
	b.detect = ds
}

// AddEvent appends an anomaly code.
func (b *TxBase) AddEvent(code core.EventCode) {
	b.Events.Add(code)
}

func (b *TxBase) release() {
	if b.detect != nil {
		b.detect.Release()
		b.detect = nil
	}
	b.Events = nil
}
