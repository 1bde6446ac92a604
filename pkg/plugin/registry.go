package plugin

import (
	"fmt"
	"sort"
	"sync"

	"firestige.xyz/applayer/internal/core"
)

// ParserFactory creates a fresh parser instance.
type ParserFactory func() Parser

// SinkFactory creates a fresh sink instance.
type SinkFactory func() Sink

type registry[F any] struct {
	mu        sync.RWMutex
	kind      string
	factories map[string]F
}

func newRegistry[F any](kind string) *registry[F] {
	return &registry[F]{kind: kind, factories: make(map[string]F)}
}

// register panics on programming errors: empty name, nil factory or a
// duplicate name. Registration happens from init().
func (r *registry[F]) register(name string, f F, isNil bool) {
	if name == "" {
		panic(fmt.Sprintf("plugin: %s name must not be empty", r.kind))
	}
	if isNil {
		panic(fmt.Sprintf("plugin: %s %q factory is nil", r.kind, name))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.factories[name]; dup {
		panic(fmt.Sprintf("plugin: %s %q %v", r.kind, name, core.ErrDuplicateProtocol))
	}
	r.factories[name] = f
}

func (r *registry[F]) get(name string) (F, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[name]
	if !ok {
		var zero F
		return zero, fmt.Errorf("%s %q: %w", r.kind, name, core.ErrProtocolNotFound)
	}
	return f, nil
}

func (r *registry[F]) list() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reset clears the registry. Tests only.
func (r *registry[F]) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories = make(map[string]F)
}

var (
	parserReg = newRegistry[ParserFactory]("parser")
	sinkReg   = newRegistry[SinkFactory]("sink")
)

// RegisterParser registers a parser factory under name.
func RegisterParser(name string, f ParserFactory) { parserReg.register(name, f, f == nil) }

// GetParserFactory looks up a parser factory.
func GetParserFactory(name string) (ParserFactory, error) { return parserReg.get(name) }

// ListParsers returns registered parser names, sorted.
func ListParsers() []string { return parserReg.list() }

// RegisterSink registers a sink factory under name.
func RegisterSink(name string, f SinkFactory) { sinkReg.register(name, f, f == nil) }

// GetSinkFactory looks up a sink factory.
func GetSinkFactory(name string) (SinkFactory, error) { return sinkReg.get(name) }

// ListSinks returns registered sink names, sorted.
func ListSinks() []string { return sinkReg.list() }
