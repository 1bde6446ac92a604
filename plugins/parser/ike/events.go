package ike

import "firestige.xyz/applayer/internal/core"

// Anomaly codes raised on IKE transactions.
const (
	EventUnknownPayload core.EventCode = iota + 1
	EventUnexpectedPayload
	EventWeakEncryption
	EventWeakHash
	EventWeakDHGroup
	EventMultipleServerProposals
	EventAggressiveMode
	EventTrailingData
)

var eventNames = core.EventNamer{
	EventUnknownPayload:          "unknown_payload",
	EventUnexpectedPayload:       "unexpected_payload",
	EventWeakEncryption:          "weak_crypto_enc",
	EventWeakHash:                "weak_crypto_hash",
	EventWeakDHGroup:             "weak_crypto_dh",
	EventMultipleServerProposals: "multiple_server_proposals",
	EventAggressiveMode:          "aggressive_mode",
	EventTrailingData:            "trailing_data",
}
