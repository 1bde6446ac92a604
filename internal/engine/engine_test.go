package engine

import (
	"bytes"
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"firestige.xyz/applayer/internal/applayer"
	"firestige.xyz/applayer/internal/config"
	"firestige.xyz/applayer/internal/core"
	"firestige.xyz/applayer/pkg/plugin"
	"firestige.xyz/applayer/plugins/parser/websocket"
)

// The fake protocol frames messages as 'L', length byte, body. A request
// opens a transaction, a response completes the oldest open one. A
// message starting with 'X' is malformed.

const evOrphan core.EventCode = 1

type fakeTx struct {
	applayer.TxBase
	req, resp string
}

func (t *fakeTx) Labels() core.Labels {
	return core.Labels{"fake.req": t.req, "fake.resp": t.resp}
}

type fakeFlow struct {
	*applayer.Store[*fakeTx]
	gaps   int
	closed bool
}

func (f *fakeFlow) Parse(data []byte, dir core.Direction) applayer.Outcome {
	off := 0
	for off < len(data) {
		b := data[off:]
		if b[0] == 'X' {
			return applayer.Failed(core.ErrMalformed)
		}
		if len(b) < 2 {
			return applayer.NeedMore(off, 2-len(b))
		}
		n := int(b[1])
		if len(b) < 2+n {
			return applayer.NeedMore(off, 2+n-len(b))
		}
		body := string(b[2 : 2+n])
		off += 2 + n

		if dir == core.ToServer {
			tx := &fakeTx{req: body}
			tx.Advance(1)
			f.Push(tx)
			continue
		}
		var tx *fakeTx
		f.Each(func(t *fakeTx) bool {
			if t.Progress() < 2 {
				tx = t
				return false
			}
			return true
		})
		if tx == nil {
			tx = &fakeTx{}
			tx.AddEvent(evOrphan)
			f.Push(tx)
		}
		tx.resp = body
		tx.Advance(2)
	}
	return applayer.OK(off)
}

func (f *fakeFlow) Gap(core.Direction) { f.gaps++ }
func (f *fakeFlow) Close()             { f.closed = true; f.Clear() }

type fakeParser struct {
	name      string
	transport core.Transport
	flows     []*fakeFlow
}

func (p *fakeParser) Name() string                { return p.name }
func (p *fakeParser) Init(map[string]any) error   { return nil }
func (p *fakeParser) Start(context.Context) error { return nil }
func (p *fakeParser) Stop(context.Context) error  { return nil }

func (p *fakeParser) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Name:         p.name,
		Transport:    p.transport,
		DefaultPorts: []uint16{7000},
		MinDepth:     1,
		MaxDepth:     4,
		Completion:   [2]int{1, 2},
		Events:       core.EventNamer{evOrphan: "orphan_response"},
	}
}

func (p *fakeParser) Probe(data []byte, _ core.Direction) plugin.ProbeResult {
	switch {
	case data[0] != 'L':
		return plugin.ProbeReject
	case len(data) < 2:
		return plugin.ProbeNeedMore
	default:
		return plugin.ProbeMatch
	}
}

func (p *fakeParser) NewFlow() plugin.Flow {
	f := &fakeFlow{Store: &applayer.Store[*fakeTx]{}}
	p.flows = append(p.flows, f)
	return f
}

type recordingSink struct {
	records []plugin.Record
	started bool
	stopped bool
}

func (s *recordingSink) Name() string                { return "recording" }
func (s *recordingSink) Init(map[string]any) error   { return nil }
func (s *recordingSink) Start(context.Context) error { s.started = true; return nil }
func (s *recordingSink) Stop(context.Context) error  { s.stopped = true; return nil }
func (s *recordingSink) Emit(rec plugin.Record) error {
	s.records = append(s.records, rec)
	return nil
}

func flowKey(srcPort uint16, transport core.Transport) core.FlowKey {
	return core.FlowKey{
		SrcIP:   netip.MustParseAddr("10.0.0.1"),
		DstIP:   netip.MustParseAddr("10.0.0.2"),
		SrcPort: srcPort,
		DstPort: 7000,
		Proto:   transport,
	}
}

func msg(body string) []byte {
	return append([]byte{'L', byte(len(body))}, body...)
}

type harness struct {
	t      *testing.T
	engine *Engine
	parser *fakeParser
	sink   *recordingSink
	now    time.Time
}

func newHarness(t *testing.T, cfg config.EngineConfig) *harness {
	t.Helper()
	p := &fakeParser{name: "fake", transport: core.TransportTCP}
	proto, err := NewProtocol(p, config.ParserConfig{})
	require.NoError(t, err)
	s := &recordingSink{}
	e := New(cfg, []*Protocol{proto}, s)
	require.NoError(t, e.Start(context.Background()))
	return &harness{t: t, engine: e, parser: p, sink: s, now: time.Unix(1700000000, 0)}
}

func (h *harness) send(key core.FlowKey, dir core.Direction, payload []byte) {
	h.now = h.now.Add(time.Millisecond)
	h.engine.Handle(core.Segment{Timestamp: h.now, Key: key, Dir: dir, Payload: payload})
}

func TestRequestResponseIsEmittedAndFreed(t *testing.T) {
	h := newHarness(t, config.EngineConfig{})
	key := flowKey(40000, core.TransportTCP)

	h.send(key, core.ToServer, msg("ping"))
	assert.Empty(t, h.sink.records, "request alone is not complete")

	h.send(key, core.ToClient, msg("pong"))
	require.Len(t, h.sink.records, 1)
	rec := h.sink.records[0]
	assert.Equal(t, "fake", rec.Proto)
	assert.Equal(t, key, rec.Flow)
	assert.Equal(t, uint64(0), rec.TxID)
	assert.Equal(t, "ping", rec.Labels["fake.req"])
	assert.Equal(t, "pong", rec.Labels["fake.resp"])

	require.Len(t, h.parser.flows, 1)
	assert.Equal(t, 0, h.parser.flows[0].TxCount(), "emitted transaction is freed")
	assert.Equal(t, 1, h.engine.ActiveFlows())
}

func TestPipelinedRequests(t *testing.T) {
	h := newHarness(t, config.EngineConfig{})
	key := flowKey(40000, core.TransportTCP)

	h.send(key, core.ToServer, append(msg("a"), msg("b")...))
	h.send(key, core.ToClient, msg("ra"))
	require.Len(t, h.sink.records, 1)
	assert.Equal(t, uint64(0), h.sink.records[0].TxID)

	h.send(key, core.ToClient, msg("rb"))
	require.Len(t, h.sink.records, 2)
	assert.Equal(t, uint64(1), h.sink.records[1].TxID)
	assert.Equal(t, "rb", h.sink.records[1].Labels["fake.resp"])
}

func TestIncompleteIsBuffered(t *testing.T) {
	h := newHarness(t, config.EngineConfig{})
	key := flowKey(40000, core.TransportTCP)
	m := msg("hello")

	h.send(key, core.ToServer, m[:1])
	assert.Empty(t, h.parser.flows, "one byte is below the probe's header")
	h.send(key, core.ToServer, m[1:4])
	require.Len(t, h.parser.flows, 1)
	assert.Equal(t, 0, h.parser.flows[0].TxCount())

	h.send(key, core.ToServer, m[4:])
	assert.Equal(t, 1, h.parser.flows[0].TxCount())

	h.send(key, core.ToClient, msg("world"))
	require.Len(t, h.sink.records, 1)
	assert.Equal(t, "hello", h.sink.records[0].Labels["fake.req"])
}

func TestRejectedFlowIsIgnored(t *testing.T) {
	h := newHarness(t, config.EngineConfig{})
	key := flowKey(40000, core.TransportTCP)

	h.send(key, core.ToServer, []byte("GET / HTTP/1.1\r\n"))
	h.send(key, core.ToClient, []byte("HTTP/1.1 200 OK\r\n"))
	h.send(key, core.ToServer, msg("late"))
	assert.Empty(t, h.parser.flows)
	assert.Empty(t, h.sink.records)
}

func TestResponderFirstStillDetects(t *testing.T) {
	h := newHarness(t, config.EngineConfig{})
	key := flowKey(40000, core.TransportTCP)

	// Rejected toclient only; toserver may still match.
	h.send(key, core.ToClient, []byte("banner"))
	h.send(key, core.ToServer, msg("q"))
	require.Len(t, h.parser.flows, 1)
	assert.Equal(t, 1, h.parser.flows[0].TxCount())
}

func TestOtherTransportIsNotProbed(t *testing.T) {
	h := newHarness(t, config.EngineConfig{})
	h.send(flowKey(40000, core.TransportUDP), core.ToServer, msg("q"))
	assert.Empty(t, h.parser.flows)
}

func TestParserErrorDisablesFlow(t *testing.T) {
	h := newHarness(t, config.EngineConfig{})
	key := flowKey(40000, core.TransportTCP)

	h.send(key, core.ToServer, msg("one"))
	h.send(key, core.ToServer, []byte("X"))
	h.send(key, core.ToServer, msg("two"))
	require.Len(t, h.parser.flows, 1)
	assert.Equal(t, 1, h.parser.flows[0].TxCount(), "no parsing after an error")

	require.NoError(t, h.engine.Stop(context.Background()))
	require.Len(t, h.sink.records, 1, "transactions created before the error are flushed")
}

func TestGapIsForwarded(t *testing.T) {
	h := newHarness(t, config.EngineConfig{})
	key := flowKey(40000, core.TransportTCP)

	h.send(key, core.ToServer, msg("one")[:3])
	h.engine.Handle(core.Segment{Key: key, Dir: core.ToServer, Gap: true, Payload: msg("two")})
	require.Len(t, h.parser.flows, 1)
	f := h.parser.flows[0]
	assert.Equal(t, 1, f.gaps)
	require.Equal(t, 1, f.TxCount(), "partial bytes before the gap are dropped")
	tx, _ := f.Get(0)
	assert.Equal(t, "two", tx.req)
}

func TestBufferLimit(t *testing.T) {
	h := newHarness(t, config.EngineConfig{MaxBuffer: 8})
	key := flowKey(40000, core.TransportTCP)

	h.send(key, core.ToServer, msg("a"))
	h.send(key, core.ToServer, []byte{'L', 200, 1, 2, 3, 4})
	h.send(key, core.ToServer, []byte{5, 6, 7, 8})
	require.Len(t, h.parser.flows, 1)
	assert.Equal(t, 1, h.parser.flows[0].gaps, "overflow is reported as a gap")

	h.send(key, core.ToServer, msg("b"))
	assert.Equal(t, 2, h.parser.flows[0].TxCount())
}

func TestStopFlushesAndCloses(t *testing.T) {
	h := newHarness(t, config.EngineConfig{})
	h.send(flowKey(40000, core.TransportTCP), core.ToServer, msg("a"))
	h.send(flowKey(40001, core.TransportTCP), core.ToServer, msg("b"))

	require.NoError(t, h.engine.Stop(context.Background()))
	assert.True(t, h.sink.started)
	assert.True(t, h.sink.stopped)
	require.Len(t, h.sink.records, 2)
	assert.Equal(t, "a", h.sink.records[0].Labels["fake.req"])
	for _, f := range h.parser.flows {
		assert.True(t, f.closed)
	}
	assert.Equal(t, 0, h.engine.ActiveFlows())
}

func TestCloseFlow(t *testing.T) {
	h := newHarness(t, config.EngineConfig{})
	key := flowKey(40000, core.TransportTCP)

	h.send(key, core.ToServer, msg("a"))
	h.engine.CloseFlow(key)
	require.Len(t, h.sink.records, 1)
	assert.Equal(t, 0, h.engine.ActiveFlows())

	// Same tuple again is a new flow with fresh ids.
	h.send(key, core.ToServer, msg("b"))
	h.send(key, core.ToClient, msg("rb"))
	require.Len(t, h.sink.records, 2)
	assert.Equal(t, uint64(0), h.sink.records[1].TxID)
	assert.Len(t, h.parser.flows, 2)
}

func TestMaxFlowsEvictsOldest(t *testing.T) {
	h := newHarness(t, config.EngineConfig{MaxFlows: 2})

	h.send(flowKey(1, core.TransportTCP), core.ToServer, msg("first"))
	h.send(flowKey(2, core.TransportTCP), core.ToServer, msg("second"))
	h.send(flowKey(3, core.TransportTCP), core.ToServer, msg("third"))

	assert.Equal(t, 2, h.engine.ActiveFlows())
	require.Len(t, h.sink.records, 1)
	assert.Equal(t, "first", h.sink.records[0].Labels["fake.req"])
	assert.True(t, h.parser.flows[0].closed)
}

func TestIdleTimeoutFollowsCaptureTime(t *testing.T) {
	h := newHarness(t, config.EngineConfig{FlowTimeout: time.Minute})
	key := flowKey(40000, core.TransportTCP)

	h.send(key, core.ToServer, msg("a"))
	h.now = h.now.Add(30 * time.Second)
	h.send(key, core.ToServer, msg("b"))
	assert.Len(t, h.parser.flows, 1, "within the timeout the flow is kept")

	// A long pause in the capture, however fast it is replayed.
	h.now = h.now.Add(2 * time.Minute)
	h.send(key, core.ToServer, msg("c"))
	require.Len(t, h.sink.records, 2)
	assert.Equal(t, "a", h.sink.records[0].Labels["fake.req"])
	assert.Equal(t, "b", h.sink.records[1].Labels["fake.req"])
	assert.Len(t, h.parser.flows, 2, "reused tuple starts a new flow")
	assert.True(t, h.parser.flows[0].closed)
	assert.Equal(t, 1, h.engine.ActiveFlows())
}

func TestIdleFlowsAreSwept(t *testing.T) {
	h := newHarness(t, config.EngineConfig{FlowTimeout: time.Minute, CleanupInterval: 10 * time.Second})

	h.send(flowKey(1, core.TransportTCP), core.ToServer, msg("quiet"))
	h.now = h.now.Add(50 * time.Second)
	h.send(flowKey(2, core.TransportTCP), core.ToServer, msg("busy"))
	assert.Equal(t, 2, h.engine.ActiveFlows())

	h.now = h.now.Add(20 * time.Second)
	h.send(flowKey(2, core.TransportTCP), core.ToServer, msg("busy"))
	assert.Equal(t, 1, h.engine.ActiveFlows())
	require.Len(t, h.sink.records, 1)
	assert.Equal(t, "quiet", h.sink.records[0].Labels["fake.req"])
	assert.True(t, h.parser.flows[0].closed)
}

func TestOversizedWebSocketFrame(t *testing.T) {
	p := websocket.NewParser()
	require.NoError(t, p.Init(map[string]any{"max_payload_size": 1 << 20}))
	proto, err := NewProtocol(p, config.ParserConfig{})
	require.NoError(t, err)
	s := &recordingSink{}
	e := New(config.EngineConfig{MaxBuffer: 256 * 1024}, []*Protocol{proto}, s)
	key := flowKey(40000, core.TransportTCP)

	// The payload is full of bytes that would decode as frame headers.
	stream := websocket.EncodeFrame(nil, true, websocket.OpBinary, bytes.Repeat([]byte{0x81, 0x7E}, 150000), nil)
	stream = websocket.EncodeFrame(stream, true, websocket.OpText, []byte("hi"), nil)
	for off := 0; off < len(stream); off += 1400 {
		end := min(off+1400, len(stream))
		e.Handle(core.Segment{Key: key, Dir: core.ToClient, Payload: stream[off:end]})
	}

	require.Len(t, s.records, 2)
	assert.Equal(t, "binary", s.records[0].Labels[core.LabelWSOpcode])
	assert.Equal(t, "300000", s.records[0].Labels[core.LabelWSLength])
	assert.Equal(t, "text", s.records[1].Labels[core.LabelWSOpcode])
	assert.Equal(t, "hi", s.records[1].Labels[core.LabelWSPayload])
}

type mockSink struct {
	mock.Mock
}

func (m *mockSink) Name() string { return "mock" }

func (m *mockSink) Init(cfg map[string]any) error {
	return m.Called(cfg).Error(0)
}

func (m *mockSink) Start(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockSink) Stop(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockSink) Emit(rec plugin.Record) error {
	return m.Called(rec).Error(0)
}

func TestSinkFailureDoesNotBlock(t *testing.T) {
	p := &fakeParser{name: "fake", transport: core.TransportTCP}
	proto, err := NewProtocol(p, config.ParserConfig{})
	require.NoError(t, err)

	s := &mockSink{}
	s.On("Start", mock.Anything).Return(nil)
	s.On("Emit", mock.MatchedBy(func(rec plugin.Record) bool { return rec.Proto == "fake" })).
		Return(errors.New("sink down"))
	s.On("Stop", mock.Anything).Return(nil)

	e := New(config.EngineConfig{}, []*Protocol{proto}, s)
	require.NoError(t, e.Start(context.Background()))
	key := flowKey(40000, core.TransportTCP)

	e.Handle(core.Segment{Key: key, Dir: core.ToServer, Payload: msg("a")})
	e.Handle(core.Segment{Key: key, Dir: core.ToClient, Payload: msg("b")})
	require.Len(t, p.flows, 1)
	assert.Equal(t, 0, p.flows[0].TxCount(), "failed emit still frees")

	require.NoError(t, e.Stop(context.Background()))
	s.AssertNumberOfCalls(t, "Emit", 1)
	s.AssertExpectations(t)
}

func TestEventsAreNamed(t *testing.T) {
	h := newHarness(t, config.EngineConfig{})
	key := flowKey(40000, core.TransportTCP)

	// A response with nothing open still needs a request first to detect.
	h.send(key, core.ToServer, msg("a"))
	h.send(key, core.ToClient, append(msg("ra"), msg("stray")...))
	require.Len(t, h.sink.records, 2)
	assert.Equal(t, []string{"orphan_response"}, h.sink.records[1].Events)
}

func TestDatagramsAreNotJoined(t *testing.T) {
	p := &fakeParser{name: "fakeudp", transport: core.TransportUDP}
	proto, err := NewProtocol(p, config.ParserConfig{})
	require.NoError(t, err)
	s := &recordingSink{}
	e := New(config.EngineConfig{}, []*Protocol{proto}, s)
	key := flowKey(40000, core.TransportUDP)

	e.Handle(core.Segment{Key: key, Dir: core.ToServer, Payload: []byte{'L', 9, 'x'}})
	e.Handle(core.Segment{Key: key, Dir: core.ToServer, Payload: msg("q")})
	require.Len(t, p.flows, 1)
	assert.Equal(t, 1, p.flows[0].TxCount(), "truncated datagram is dropped")
}

func TestNewProtocolDepthOverrides(t *testing.T) {
	p := &fakeParser{name: "fake", transport: core.TransportTCP}

	proto, err := NewProtocol(p, config.ParserConfig{MinDepth: 2, MaxDepth: 16})
	require.NoError(t, err)
	assert.Equal(t, 2, proto.Desc.MinDepth)
	assert.Equal(t, 16, proto.Desc.MaxDepth)

	_, err = NewProtocol(p, config.ParserConfig{MinDepth: 8})
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
}

func TestCompletionOverride(t *testing.T) {
	p := &fakeParser{name: "fake", transport: core.TransportTCP}
	proto, err := NewProtocol(p, config.ParserConfig{Completion: config.CompletionConfig{ToClient: 1}})
	require.NoError(t, err)
	assert.Equal(t, 1, proto.Desc.CompletionFor(core.ToServer))
	assert.Equal(t, 1, proto.Desc.CompletionFor(core.ToClient))

	// A request alone now completes its transaction.
	s := &recordingSink{}
	e := New(config.EngineConfig{}, []*Protocol{proto}, s)
	e.Handle(core.Segment{Key: flowKey(40000, core.TransportTCP), Dir: core.ToServer, Payload: msg("a")})
	require.Len(t, s.records, 1)
	assert.Equal(t, "a", s.records[0].Labels["fake.req"])
}
