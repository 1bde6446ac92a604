// Package ike implements an ISAKMP / IKEv1 parser.
//
// Every message is one transaction. Key exchange data, nonces and vendor
// IDs are also folded into per-direction state on the flow, which restarts
// whenever a message carries an SA payload.
package ike

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/mitchellh/mapstructure"

	"firestige.xyz/applayer/internal/core"
	"firestige.xyz/applayer/pkg/plugin"
)

const (
	defaultMaxMessageSize = 65535

	progressComplete = 1
)

// Config is the parser configuration under parsers.ike.
type Config struct {
	Ports          []uint16 `mapstructure:"ports"`
	MaxMessageSize uint32   `mapstructure:"max_message_size"`
}

// Parser is the IKE plugin.Parser.
type Parser struct {
	name string
	cfg  Config
}

// NewParser creates an IKE parser with default configuration.
func NewParser() plugin.Parser {
	return &Parser{
		name: "ike",
		cfg: Config{
			Ports:          []uint16{500, 4500},
			MaxMessageSize: defaultMaxMessageSize,
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
		return fmt.Errorf("ike config: %v: %w", err, core.ErrConfigInvalid)
	}
	if p.cfg.MaxMessageSize < HeaderSize {
		return fmt.Errorf("ike config: max_message_size must be at least %d: %w", HeaderSize, core.ErrConfigInvalid)
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
		Transport:    core.TransportUDP,
		DefaultPorts: p.cfg.Ports,
		MinDepth:     HeaderSize,
		MaxDepth:     HeaderSize + nonESPMarkerSize,
		Completion:   [2]int{progressComplete, progressComplete},
		Events:       eventNames,
	}
}

// NewFlow allocates per-flow state.
func (p *Parser) NewFlow() plugin.Flow {
	return newFlow(p.cfg)
}

// Probe checks the fixed header only: a non-zero initiator SPI, major
// version 1, a known exchange type, a known first payload and a length
// covering at least the header.
func (p *Parser) Probe(data []byte, _ core.Direction) plugin.ProbeResult {
	b := stripNonESPMarker(data)
	if len(b) < HeaderSize {
		return plugin.ProbeNeedMore
	}
	if binary.BigEndian.Uint64(b) == 0 {
		return plugin.ProbeReject
	}
	if b[17]>>4 != supportedMajor {
		return plugin.ProbeReject
	}
	next, et, flags := PayloadType(b[16]), ExchangeType(b[18]), b[19]
	if next == PayloadNone || !next.Known() || !et.Valid() || flags&^0x07 != 0 {
		return plugin.ProbeReject
	}
	if binary.BigEndian.Uint32(b[24:]) < HeaderSize {
		return plugin.ProbeReject
	}
	return plugin.ProbeMatch
}

// nonESPMarkerSize is the zero prefix of IKE on the NAT-T port (RFC 3948).
const nonESPMarkerSize = 4

func stripNonESPMarker(b []byte) []byte {
	if len(b) >= nonESPMarkerSize && binary.BigEndian.Uint32(b) == 0 {
		return b[nonESPMarkerSize:]
	}
	return b
}
