// Package core defines core data structures with zero external dependencies.
package core

import "time"

// Segment is one ordered, direction-tagged chunk of application bytes
// delivered by the host's stream layer.
type Segment struct {
	Timestamp time.Time
	Key       FlowKey // Always in client->server orientation
	Dir       Direction
	Payload   []byte
	Gap       bool // Bytes were lost before this segment
}
