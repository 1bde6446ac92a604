package engine

import (
	"fmt"
	"log/slog"

	"firestige.xyz/applayer/internal/config"
	"firestige.xyz/applayer/internal/core"
	"firestige.xyz/applayer/pkg/plugin"
)

// Protocol is an initialized parser together with its effective descriptor.
type Protocol struct {
	Parser plugin.Parser
	Desc   plugin.Descriptor
}

// NewProtocol wraps p, applying the probing depth and completion overrides
// of pc.
func NewProtocol(p plugin.Parser, pc config.ParserConfig) (*Protocol, error) {
	desc := p.Descriptor()
	if pc.Completion.ToServer > 0 {
		desc.SetCompletion(core.ToServer, pc.Completion.ToServer)
	}
	if pc.Completion.ToClient > 0 {
		desc.SetCompletion(core.ToClient, pc.Completion.ToClient)
	}
	if pc.MinDepth > 0 {
		desc.MinDepth = pc.MinDepth
	}
	if pc.MaxDepth > 0 {
		desc.MaxDepth = pc.MaxDepth
	}
	if desc.MaxDepth < desc.MinDepth {
		return nil, fmt.Errorf("parser %s: max_depth %d below min_depth %d: %w",
			desc.Name, desc.MaxDepth, desc.MinDepth, core.ErrConfigInvalid)
	}
	return &Protocol{Parser: p, Desc: desc}, nil
}

// LoadProtocols instantiates every registered parser that is not disabled
// in cfgs. Configuration for a parser that is not registered is an error.
func LoadProtocols(cfgs map[string]config.ParserConfig) ([]*Protocol, error) {
	for name := range cfgs {
		if _, err := plugin.GetParserFactory(name); err != nil {
			return nil, err
		}
	}

	var protos []*Protocol
	for _, name := range plugin.ListParsers() {
		pc := cfgs[name]
		if !pc.IsEnabled() {
			slog.Info("parser disabled", "proto", name)
			continue
		}
		factory, err := plugin.GetParserFactory(name)
		if err != nil {
			return nil, err
		}
		p := factory()
		if err := p.Init(pc.Options); err != nil {
			return nil, fmt.Errorf("parser %s: %w", name, err)
		}
		proto, err := NewProtocol(p, pc)
		if err != nil {
			return nil, err
		}
		protos = append(protos, proto)
		slog.Debug("parser loaded", "proto", name,
			"transport", proto.Desc.Transport, "ports", proto.Desc.DefaultPorts,
			"min_depth", proto.Desc.MinDepth, "max_depth", proto.Desc.MaxDepth)
	}
	return protos, nil
}

// LoadSink instantiates and initializes the configured sink.
func LoadSink(out config.OutputConfig) (plugin.Sink, error) {
	factory, err := plugin.GetSinkFactory(out.Sink)
	if err != nil {
		return nil, err
	}
	s := factory()
	if err := s.Init(out.Options); err != nil {
		return nil, fmt.Errorf("sink %s: %w", out.Sink, err)
	}
	return s, nil
}
