package nfs

import "firestige.xyz/applayer/internal/core"

// Anomaly codes raised on NFS transactions.
const (
	EventUnsolicitedReply core.EventCode = iota + 1
	EventDuplicateXID
	EventRPCNotAccepted
	EventUnknownProcedure
	EventWrongProgram
	EventResync
)

var eventNames = core.EventNamer{
	EventUnsolicitedReply: "unsolicited_reply",
	EventDuplicateXID:     "duplicate_xid",
	EventRPCNotAccepted:   "rpc_not_accepted",
	EventUnknownProcedure: "unknown_procedure",
	EventWrongProgram:     "wrong_program",
	EventResync:           "resync",
}
