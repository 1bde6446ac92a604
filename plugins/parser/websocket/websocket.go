// Package websocket implements a WebSocket (RFC 6455) parser.
//
// A flow starts either with the HTTP upgrade handshake or, when the flow was
// picked up mid-stream, directly with frames. Every frame becomes one
// transaction; the handshake request and its 101 response share one.
// Messages compressed with permessage-deflate (RFC 7692) are inflated when
// the extension was negotiated, honouring context takeover.
package websocket

import (
	"bytes"
	"context"
	"fmt"

	"github.com/mitchellh/mapstructure"

	"firestige.xyz/applayer/internal/core"
	"firestige.xyz/applayer/pkg/plugin"
)

const (
	defaultMaxPayload = 65535
	defaultPort       = 80

	// Progress values. A frame is complete as soon as it is decoded; a
	// handshake needs the response to complete toward the client.
	progressRequest  = 1
	progressComplete = 2
)

// Config is the parser configuration under parsers.websocket.
type Config struct {
	MaxPayloadSize uint64   `mapstructure:"max_payload_size"`
	Inflate        bool     `mapstructure:"inflate"`
	Ports          []uint16 `mapstructure:"ports"`
}

// Parser is the WebSocket plugin.Parser.
type Parser struct {
	name string
	cfg  Config
}

// NewParser creates a WebSocket parser with default configuration.
func NewParser() plugin.Parser {
	return &Parser{
		name: "websocket",
		cfg: Config{
			MaxPayloadSize: defaultMaxPayload,
			Inflate:        true,
			Ports:          []uint16{defaultPort},
		},
	}
}

// Name returns the plugin name.
func (p *Parser) Name() string { return p.name }

// Init decodes parser options over the defaults.
func (p *Parser) Init(cfg map[string]any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &p.cfg,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("websocket config: %v: %w", err, core.ErrConfigInvalid)
	}
	if p.cfg.MaxPayloadSize == 0 {
		return fmt.Errorf("websocket config: max_payload_size must be > 0: %w", core.ErrConfigInvalid)
	}
	return nil
}

// Start is a no-op.
func (p *Parser) Start(context.Context) error { return nil }

// Stop is a no-op.
func (p *Parser) Stop(context.Context) error { return nil }

// Config returns the effective configuration.
func (p *Parser) Config() Config { return p.cfg }

// Descriptor returns the registration descriptor.
func (p *Parser) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Name:         p.name,
		Transport:    core.TransportTCP,
		DefaultPorts: p.cfg.Ports,
		MinDepth:     2,
		MaxDepth:     maxHandshakeSize,
		Completion:   [2]int{progressRequest, progressComplete},
		Events:       eventNames,
	}
}

// NewFlow allocates per-flow state.
func (p *Parser) NewFlow() plugin.Flow {
	return newFlow(p.cfg)
}

// Probe accepts an HTTP upgrade request or response, or a structurally
// valid frame header.
func (p *Parser) Probe(data []byte, dir core.Direction) plugin.ProbeResult {
	if len(data) < 2 {
		return plugin.ProbeNeedMore
	}
	if match, partial := httpPrefix(data, dir); partial {
		return plugin.ProbeNeedMore
	} else if match {
		n, err := splitHead(data)
		if err != nil {
			if core.Needed(err) > 0 {
				return plugin.ProbeNeedMore
			}
			return plugin.ProbeReject
		}
		if dir == core.ToClient {
			if is101(data[:n]) {
				return plugin.ProbeMatch
			}
			return plugin.ProbeReject
		}
		if isUpgrade(data[:n]) {
			return plugin.ProbeMatch
		}
		return plugin.ProbeReject
	}
	return probeFrame(data, dir)
}

func probeFrame(data []byte, dir core.Direction) plugin.ProbeResult {
	b0, b1 := data[0], data[1]
	op := Opcode(b0 & 0x0F)
	if b0&rsv23 != 0 || !op.Known() {
		return plugin.ProbeReject
	}
	masked := b1&maskBit != 0
	// Clients must mask, servers must not.
	if masked != (dir == core.ToServer) {
		return plugin.ProbeReject
	}
	if op.IsControl() && (b0&finBit == 0 || b1&0x7F > 125) {
		return plugin.ProbeReject
	}
	if op == OpContinuation {
		return plugin.ProbeReject
	}
	return plugin.ProbeMatch
}

func is101(head []byte) bool {
	const status = "HTTP/1.1 101"
	return len(head) >= len(status) && bytes.EqualFold(head[:len(status)], []byte(status))
}
