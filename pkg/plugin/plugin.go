// Package plugin defines the contract between the host engine and the
// application-layer parsers and output sinks.
package plugin

import (
	"context"

	"firestige.xyz/applayer/internal/core"
)

// Plugin is the base interface for all plugins.
type Plugin interface {
	Name() string
	Init(cfg map[string]any) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Descriptor is what a parser registers with the host: identity, default
// transport and ports, probing depth and the per-direction progress value at
// which a transaction counts as complete.
type Descriptor struct {
	Name         string
	Transport    core.Transport
	DefaultPorts []uint16
	MinDepth     int // Probe is not attempted with fewer bytes
	MaxDepth     int // Probe gives up after this many bytes
	Completion   [2]int
	Events       core.EventNamer
}

// CompletionFor returns the completion progress for dir.
func (d Descriptor) CompletionFor(dir core.Direction) int {
	return d.Completion[dir.Index()]
}

// SetCompletion sets the completion progress for dir.
func (d *Descriptor) SetCompletion(dir core.Direction, progress int) {
	d.Completion[dir.Index()] = progress
}

// HasPort reports whether port is one of the default ports.
func (d Descriptor) HasPort(port uint16) bool {
	for _, p := range d.DefaultPorts {
		if p == port {
			return true
		}
	}
	return false
}
