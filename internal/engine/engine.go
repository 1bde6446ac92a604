// Package engine implements the host side of the parser contract: it keeps
// the flow table, buffers unconsumed bytes, picks a protocol by probing,
// feeds the parser and hands completed transactions to the sink.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"firestige.xyz/applayer/internal/applayer"
	"firestige.xyz/applayer/internal/config"
	"firestige.xyz/applayer/internal/core"
	"firestige.xyz/applayer/internal/metrics"
	"firestige.xyz/applayer/pkg/plugin"
)

// sinkBit is the Logged bit owned by the engine's single sink.
const sinkBit = 0

// Engine drives all flows of one capture.
type Engine struct {
	cfg    config.EngineConfig
	protos []*Protocol
	sink   plugin.Sink

	mu        sync.Mutex
	index     *cache.Cache // FlowKey.String() -> applayer.Handle
	handles   *applayer.HandleTable[*flowState]
	lastSweep time.Time // capture time of the last idle sweep
}

// New creates an engine. cfg must have been validated.
func New(cfg config.EngineConfig, protos []*Protocol, sink plugin.Sink) *Engine {
	// Idle expiry follows capture time, so the index never expires
	// entries on its own.
	return &Engine{
		cfg:     cfg,
		protos:  protos,
		sink:    sink,
		index:   cache.New(cache.NoExpiration, 0),
		handles: applayer.NewHandleTable[*flowState](),
	}
}

// Start starts parsers and the sink.
func (e *Engine) Start(ctx context.Context) error {
	for _, p := range e.protos {
		if err := p.Parser.Start(ctx); err != nil {
			return fmt.Errorf("start parser %s: %w", p.Desc.Name, err)
		}
	}
	if err := e.sink.Start(ctx); err != nil {
		return fmt.Errorf("start sink %s: %w", e.sink.Name(), err)
	}
	slog.Info("engine started", "parsers", len(e.protos), "sink", e.sink.Name())
	return nil
}

// Stop closes every flow, flushing its transactions, then stops the
// parsers and the sink.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	var hs []applayer.Handle
	e.handles.Range(func(h applayer.Handle, _ *flowState) bool {
		hs = append(hs, h)
		return true
	})
	sort.Slice(hs, func(i, j int) bool { return hs[i] < hs[j] })
	for _, h := range hs {
		e.closeFlow(h, metrics.CloseShutdown)
	}
	e.index.Flush()
	e.mu.Unlock()

	for _, p := range e.protos {
		if err := p.Parser.Stop(ctx); err != nil {
			slog.Warn("parser stop failed", "proto", p.Desc.Name, "error", err)
		}
	}
	if err := e.sink.Stop(ctx); err != nil {
		return fmt.Errorf("stop sink %s: %w", e.sink.Name(), err)
	}
	slog.Info("engine stopped")
	return nil
}

// Handle processes one segment. Segment timestamps drive idle expiry.
func (e *Engine) Handle(seg core.Segment) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.lookup(seg.Key, seg.Timestamp)
	if st != nil {
		st.lastSeen = seg.Timestamp
		st.handle(seg)
	}
	e.sweep(seg.Timestamp)
}

// CloseFlow tears down the flow of key, flushing its transactions.
func (e *Engine) CloseFlow(key core.FlowKey) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if h, ok := e.handleOf(key.String()); ok {
		e.closeFlow(h, metrics.CloseFinished)
	}
}

// ActiveFlows returns the number of live flows.
func (e *Engine) ActiveFlows() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.index.ItemCount()
}

func (e *Engine) handleOf(k string) (applayer.Handle, bool) {
	v, ok := e.index.Get(k)
	if !ok {
		return 0, false
	}
	return v.(applayer.Handle), true
}

// idle reports whether st has seen nothing for longer than the flow
// timeout at capture time now.
func (e *Engine) idle(st *flowState, now time.Time) bool {
	return e.cfg.FlowTimeout > 0 && now.Sub(st.lastSeen) > e.cfg.FlowTimeout
}

// lookup returns the live flow for key, creating it when needed. A flow
// idle at ts is closed first, so a reused tuple starts a new flow.
func (e *Engine) lookup(key core.FlowKey, ts time.Time) *flowState {
	k := key.String()
	if h, ok := e.handleOf(k); ok {
		if st, ok := e.handles.Get(h); ok {
			if !e.idle(st, ts) {
				return st
			}
			e.closeFlow(h, metrics.CloseIdle)
		}
	}

	if e.cfg.MaxFlows > 0 && e.index.ItemCount() >= e.cfg.MaxFlows {
		e.evictOldest()
	}

	st := newFlowState(e, key, ts)
	h := e.handles.Add(st)
	e.index.SetDefault(k, h)
	metrics.FlowsActive.Inc()
	slog.Debug("flow created", "flow", k, "handle", h)
	return st
}

// sweep closes idle flows once per cleanup interval of capture time.
func (e *Engine) sweep(now time.Time) {
	if e.cfg.FlowTimeout <= 0 || e.cfg.CleanupInterval <= 0 {
		return
	}
	if e.lastSweep.IsZero() {
		e.lastSweep = now
		return
	}
	if now.Sub(e.lastSweep) < e.cfg.CleanupInterval {
		return
	}
	e.lastSweep = now

	var hs []applayer.Handle
	e.handles.Range(func(h applayer.Handle, st *flowState) bool {
		if e.idle(st, now) {
			hs = append(hs, h)
		}
		return true
	})
	sort.Slice(hs, func(i, j int) bool { return hs[i] < hs[j] })
	for _, h := range hs {
		e.closeFlow(h, metrics.CloseIdle)
	}
}

// evictOldest closes the least recently seen flow.
func (e *Engine) evictOldest() {
	var (
		oldest applayer.Handle
		seen   time.Time
	)
	e.handles.Range(func(h applayer.Handle, st *flowState) bool {
		if oldest == 0 || st.lastSeen.Before(seen) || (st.lastSeen.Equal(seen) && h < oldest) {
			oldest, seen = h, st.lastSeen
		}
		return true
	})
	if oldest != 0 {
		e.closeFlow(oldest, metrics.CloseEvicted)
	}
}

// closeFlow flushes and destroys h. Unknown handles are ignored.
func (e *Engine) closeFlow(h applayer.Handle, reason string) {
	st, ok := e.handles.Get(h)
	if !ok {
		return
	}
	st.drain(true)
	if err := e.handles.Destroy(h); err != nil {
		slog.Debug("flow destroy failed", "handle", h, "error", err)
		return
	}
	k := st.key.String()
	if cur, ok := e.handleOf(k); ok && cur == h {
		e.index.Delete(k)
	}
	metrics.FlowsActive.Dec()
	metrics.FlowsClosedTotal.WithLabelValues(reason).Inc()
	slog.Debug("flow closed", "flow", k, "proto", st.protoName(), "reason", reason)
}

// emit hands one completed transaction to the sink.
func (e *Engine) emit(desc plugin.Descriptor, key core.FlowKey, tx applayer.Transaction) {
	b := tx.Base()
	if b.Logged.IsSet(sinkBit) {
		return
	}
	rec := plugin.NewRecord(desc, key, tx)
	if err := e.sink.Emit(rec); err != nil {
		slog.Warn("sink emit failed", "sink", e.sink.Name(), "proto", desc.Name, "tx_id", b.ID(), "error", err)
		return
	}
	b.Logged.Set(sinkBit)
	metrics.TransactionsTotal.WithLabelValues(desc.Name).Inc()
	for _, ev := range rec.Events {
		metrics.EventsTotal.WithLabelValues(desc.Name, ev).Inc()
	}
}
