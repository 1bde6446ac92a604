package websocket

import "firestige.xyz/applayer/internal/core"

// Anomaly codes raised on WebSocket transactions.
const (
	EventUnknownOpcode core.EventCode = iota + 1
	EventReservedBits
	EventUnmaskedClientFrame
	EventMaskedServerFrame
	EventPayloadTruncated
	EventInflateFailed
	EventUnexpectedContinuation
	EventUnsolicitedResponse
)

var eventNames = core.EventNamer{
	EventUnknownOpcode:          "unknown_opcode",
	EventReservedBits:           "reserved_bits_set",
	EventUnmaskedClientFrame:    "unmasked_client_frame",
	EventMaskedServerFrame:      "masked_server_frame",
	EventPayloadTruncated:       "payload_truncated",
	EventInflateFailed:          "inflate_failed",
	EventUnexpectedContinuation: "unexpected_continuation",
	EventUnsolicitedResponse:    "unsolicited_response",
}
