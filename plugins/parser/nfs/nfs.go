// Package nfs implements an NFS version 2 parser over ONC-RPC.
//
// Calls and replies are correlated by xid into one transaction. On TCP the
// RPC record marking is decoded and the fragments of each message counted;
// on UDP every delivered chunk is one message.
package nfs

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/mitchellh/mapstructure"

	"firestige.xyz/applayer/internal/core"
	"firestige.xyz/applayer/pkg/plugin"
)

const (
	defaultPort          = 2049
	defaultMaxRecordSize = 1 << 20

	progressRequest  = 1
	progressComplete = 2
)

// Config is the parser configuration under parsers.nfs.
type Config struct {
	Transport     string   `mapstructure:"transport"` // tcp (record marking) or udp
	Ports         []uint16 `mapstructure:"ports"`
	MaxRecordSize int      `mapstructure:"max_record_size"`
}

// Parser is the NFS plugin.Parser.
type Parser struct {
	name      string
	cfg       Config
	transport core.Transport
}

// NewParser creates an NFS parser with default configuration.
func NewParser() plugin.Parser {
	return &Parser{
		name: "nfs",
		cfg: Config{
			Transport:     "tcp",
			Ports:         []uint16{defaultPort},
			MaxRecordSize: defaultMaxRecordSize,
		},
		transport: core.TransportTCP,
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
		return fmt.Errorf("nfs config: %v: %w", err, core.ErrConfigInvalid)
	}
	t, err := core.ParseTransport(p.cfg.Transport)
	if err != nil {
		return fmt.Errorf("nfs config: %w", err)
	}
	if p.cfg.MaxRecordSize < callHeaderSize {
		return fmt.Errorf("nfs config: max_record_size must be at least %d: %w", callHeaderSize, core.ErrConfigInvalid)
	}
	p.transport = t
	return nil
}

// Start is a no-op.
func (p *Parser) Start(context.Context) error { return nil }

// Stop is a no-op.
func (p *Parser) Stop(context.Context) error { return nil }

// Config returns the effective configuration.
func (p *Parser) Config() Config { return p.cfg }

func (p *Parser) recordMarking() bool { return p.transport == core.TransportTCP }

// Descriptor returns the registration descriptor.
func (p *Parser) Descriptor() plugin.Descriptor {
	depth := callHeaderSize
	if p.recordMarking() {
		depth += 4
	}
	return plugin.Descriptor{
		Name:         p.name,
		Transport:    p.transport,
		DefaultPorts: p.cfg.Ports,
		MinDepth:     depth,
		MaxDepth:     depth,
		Completion:   [2]int{progressRequest, progressComplete},
		Events:       eventNames,
	}
}

// NewFlow allocates per-flow state.
func (p *Parser) NewFlow() plugin.Flow {
	return newFlow(p.cfg, p.recordMarking())
}

// Probe accepts an NFS version 2 call toward the server.
func (p *Parser) Probe(data []byte, dir core.Direction) plugin.ProbeResult {
	if dir != core.ToServer {
		return plugin.ProbeReject
	}
	b := data
	if p.recordMarking() {
		if len(data) < 4+callHeaderSize {
			return plugin.ProbeNeedMore
		}
		if binary.BigEndian.Uint32(data)&fragmentMask < callHeaderSize {
			return plugin.ProbeReject
		}
		b = data[4:]
	} else if len(data) < callHeaderSize {
		return plugin.ProbeNeedMore
	}
	if looksLikeCall(b) {
		return plugin.ProbeMatch
	}
	return plugin.ProbeReject
}
