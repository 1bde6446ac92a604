// Package plugin defines plugin interfaces.
package plugin

import (
	"firestige.xyz/applayer/internal/applayer"
	"firestige.xyz/applayer/internal/core"
)

// ProbeResult is the verdict of a protocol probe.
type ProbeResult uint8

const (
	ProbeReject ProbeResult = iota
	ProbeMatch
	ProbeNeedMore // Fewer bytes than one header; ask again with more
)

func (r ProbeResult) String() string {
	switch r {
	case ProbeMatch:
		return "match"
	case ProbeNeedMore:
		return "need_more"
	default:
		return "reject"
	}
}

// Parser parses one application-layer protocol.
type Parser interface {
	Plugin
	Descriptor() Descriptor
	// Probe classifies the first bytes of a flow. It must not keep state.
	Probe(data []byte, dir core.Direction) ProbeResult
	// NewFlow allocates the per-flow state.
	NewFlow() Flow
}

// Flow is the per-flow state of one parser.
//
// Parse decodes as many complete units from data as possible. Each decoded
// unit creates or updates a transaction. Nothing partial survives an
// incomplete or failed call: the host re-delivers unconsumed bytes.
type Flow interface {
	Parse(data []byte, dir core.Direction) applayer.Outcome
	// Gap tells the flow that bytes were lost in dir.
	Gap(dir core.Direction)

	TxCount() int
	Tx(id uint64) (applayer.Transaction, bool)
	FreeTx(id uint64)
	IterTx(minID uint64) (applayer.Cursor, bool)

	Close()
}
