package ike

import (
	"fmt"

	"firestige.xyz/applayer/internal/wire"
)

// Notification is a Notification payload.
type Notification struct {
	DOI        uint32
	ProtocolID uint8
	Type       uint16
	SPI        []byte
	Data       []byte
}

// Identification is an Identification payload.
type Identification struct {
	Type       uint8
	ProtocolID uint8
	Port       uint16
	Data       []byte
}

// DecodeNotification decodes a Notification payload body.
func DecodeNotification(b []byte) (Notification, error) {
	var n Notification
	r := wire.NewReader(b)
	n.DOI = r.U32()
	n.ProtocolID = r.U8()
	spiSize := int(r.U8())
	n.Type = r.U16()
	n.SPI = r.Blob(spiSize)
	if r.Err() != nil {
		return n, fmt.Errorf("ike: notification: %w", malformed(r.Err()))
	}
	n.Data = r.Blob(r.Remaining())
	return n, nil
}

// DecodeIdentification decodes an Identification payload body.
func DecodeIdentification(b []byte) (Identification, error) {
	var id Identification
	r := wire.NewReader(b)
	id.Type = r.U8()
	id.ProtocolID = r.U8()
	id.Port = r.U16()
	if r.Err() != nil {
		return id, fmt.Errorf("ike: identification: %w", malformed(r.Err()))
	}
	id.Data = r.Blob(r.Remaining())
	return id, nil
}
