// Package core defines core types.
package core

// Labels represents key-value metadata a transaction exposes to sinks.
type Labels map[string]string

// Label naming constants following {protocol}.{field} convention.
const (
	LabelTxID     = "tx.id"
	LabelProgress = "tx.progress"
	LabelEvents   = "tx.events"

	// WebSocket
	LabelWSOpcode     = "websocket.opcode"
	LabelWSFin        = "websocket.fin"
	LabelWSMasked     = "websocket.masked"
	LabelWSCompressed = "websocket.compressed"
	LabelWSLength     = "websocket.payload_len" // Declared length from the frame header
	LabelWSSkipped    = "websocket.skipped"     // Bytes beyond the configured maximum
	LabelWSPayload    = "websocket.payload"     // Printable text payloads only
	LabelWSExtensions = "websocket.extensions"

	// NFS
	LabelNFSXID       = "nfs.xid"
	LabelNFSProcedure = "nfs.procedure"
	LabelNFSStatus    = "nfs.status"
	LabelNFSFileName  = "nfs.file_name"
	LabelNFSHandle    = "nfs.handle" // Hex encoded
	LabelNFSCount     = "nfs.count"
	LabelNFSFragments = "nfs.fragments"

	// IKE
	LabelIKEInitSPI      = "ike.init_spi"
	LabelIKERespSPI      = "ike.resp_spi"
	LabelIKEVersion      = "ike.version"
	LabelIKEExchangeType = "ike.exchange_type"
	LabelIKEEncrypted    = "ike.encrypted"
	LabelIKEPayloads     = "ike.payloads" // Comma-separated payload type names
	LabelIKEVendorIDs    = "ike.vendor_ids"
	LabelIKEKeyExchange  = "ike.key_exchange"
	LabelIKETransforms   = "ike.transforms"
)
