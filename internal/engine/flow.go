package engine

import (
	"log/slog"
	"time"

	"firestige.xyz/applayer/internal/applayer"
	"firestige.xyz/applayer/internal/core"
	"firestige.xyz/applayer/internal/metrics"
	"firestige.xyz/applayer/pkg/plugin"
)

// flowState is the engine's view of one flow.
type flowState struct {
	e        *Engine
	key      core.FlowKey
	lastSeen time.Time

	proto *Protocol   // nil until a probe matched
	flow  plugin.Flow // nil until a probe matched
	done  bool        // no parser will ever see more bytes

	buf  [2][]byte // unconsumed bytes per direction
	want [2]int    // buffered length required before the next parse

	rejected map[*Protocol][2]bool
	nextTx   uint64
}

func newFlowState(e *Engine, key core.FlowKey, ts time.Time) *flowState {
	return &flowState{
		e:        e,
		key:      key,
		lastSeen: ts,
		rejected: make(map[*Protocol][2]bool),
	}
}

// Close releases the parser state. Called by the handle table.
func (st *flowState) Close() {
	if st.flow != nil {
		st.flow.Close()
	}
	st.buf = [2][]byte{}
}

func (st *flowState) datagram() bool { return st.key.Proto == core.TransportUDP }

func (st *flowState) protoName() string {
	if st.proto == nil {
		return "unknown"
	}
	return st.proto.Desc.Name
}

func (st *flowState) handle(seg core.Segment) {
	if st.done {
		return
	}
	i := seg.Dir.Index()

	if seg.Gap {
		st.buf[i], st.want[i] = nil, 0
		if st.flow != nil {
			st.flow.Gap(seg.Dir)
		}
	}
	if len(seg.Payload) == 0 {
		return
	}

	// Datagrams are parsed one at a time; never join them.
	if st.datagram() {
		st.buf[i], st.want[i] = nil, 0
	}
	// Payload may be reused by the stream layer.
	st.buf[i] = append(st.buf[i], seg.Payload...)
	if limit := st.e.cfg.MaxBuffer; limit > 0 && len(st.buf[i]) > limit {
		metrics.BufferOverflowsTotal.WithLabelValues(st.protoName()).Inc()
		slog.Debug("buffer limit exceeded", "flow", st.key.String(), "dir", seg.Dir, "size", len(st.buf[i]))
		st.buf[i], st.want[i] = nil, 0
		if st.flow == nil {
			st.giveUp()
			return
		}
		st.flow.Gap(seg.Dir)
		return
	}

	if st.flow == nil {
		if !st.detect(seg.Dir) {
			return
		}
		// Bytes buffered while probing are parsed in direction order.
		for _, d := range []core.Direction{core.ToServer, core.ToClient} {
			if st.done {
				break
			}
			st.parse(d)
		}
	} else if len(st.buf[i]) >= st.want[i] {
		st.parse(seg.Dir)
	}
	st.drain(false)
}

// detect runs the probers over the bytes buffered in dir and reports
// whether a protocol was picked.
func (st *flowState) detect(dir core.Direction) bool {
	data := st.buf[dir.Index()]
	alive := false

	for _, p := range st.candidates() {
		rej := st.rejected[p]
		if rej[dir.Index()] {
			alive = alive || !rej[1-dir.Index()]
			continue
		}
		if len(data) < p.Desc.MinDepth {
			alive = true
			continue
		}

		res := p.Parser.Probe(data, dir)
		if res == plugin.ProbeNeedMore && len(data) >= p.Desc.MaxDepth {
			res = plugin.ProbeReject
		}
		metrics.ProbesTotal.WithLabelValues(p.Desc.Name, res.String()).Inc()

		switch res {
		case plugin.ProbeMatch:
			st.proto = p
			st.flow = p.Parser.NewFlow()
			if o := 1 - dir.Index(); rej[o] {
				st.buf[o] = nil
			}
			metrics.FlowsTotal.WithLabelValues(p.Desc.Name).Inc()
			slog.Debug("protocol detected", "flow", st.key.String(), "proto", p.Desc.Name, "dir", dir)
			return true
		case plugin.ProbeNeedMore:
			alive = true
		default:
			rej[dir.Index()] = true
			st.rejected[p] = rej
			alive = alive || !rej[1-dir.Index()]
		}
	}

	if !alive {
		st.giveUp()
	}
	return false
}

// candidates returns the protocols on the flow's transport, those whose
// default ports include the server port first.
func (st *flowState) candidates() []*Protocol {
	var byPort, rest []*Protocol
	for _, p := range st.e.protos {
		if p.Desc.Transport != st.key.Proto {
			continue
		}
		if p.Desc.HasPort(st.key.DstPort) {
			byPort = append(byPort, p)
		} else {
			rest = append(rest, p)
		}
	}
	return append(byPort, rest...)
}

func (st *flowState) giveUp() {
	if st.flow == nil {
		metrics.FlowsTotal.WithLabelValues("unknown").Inc()
	}
	st.done = true
	st.buf = [2][]byte{}
	st.want = [2]int{}
}

// parse hands the buffered bytes of dir to the parser.
func (st *flowState) parse(dir core.Direction) {
	i := dir.Index()
	data := st.buf[i]
	if len(data) == 0 {
		return
	}
	name := st.proto.Desc.Name

	out := st.flow.Parse(data, dir)
	metrics.ParseCallsTotal.WithLabelValues(name, dir.String(), out.Status.String()).Inc()
	if out.Consumed > 0 {
		metrics.ParsedBytesTotal.WithLabelValues(name, dir.String()).Add(float64(out.Consumed))
	}

	switch out.Status {
	case applayer.StatusOK, applayer.StatusIncomplete:
		if st.datagram() {
			st.buf[i], st.want[i] = nil, 0
			return
		}
		st.buf[i] = rest(data, out.Consumed)
		st.want[i] = 0
		if out.Status == applayer.StatusIncomplete {
			st.want[i] = len(st.buf[i]) + out.Needed
		}
	default:
		slog.Debug("parser failed, flow disabled", "flow", st.key.String(), "proto", name, "dir", dir, "error", out.Err)
		st.giveUp()
	}
}

// rest returns the unconsumed tail of data in a fresh array, so that
// transactions may keep views into the consumed part.
func rest(data []byte, consumed int) []byte {
	if consumed <= 0 {
		return data
	}
	if consumed >= len(data) {
		return nil
	}
	return append([]byte(nil), data[consumed:]...)
}

// drain emits and frees completed transactions. With all set every
// transaction is flushed regardless of progress.
func (st *flowState) drain(all bool) {
	if st.flow == nil {
		return
	}
	desc := st.proto.Desc
	threshold := max(desc.CompletionFor(core.ToServer), desc.CompletionFor(core.ToClient))

	minID := st.nextTx
	holding := false
	for {
		cur, ok := st.flow.IterTx(minID)
		if !ok {
			break
		}
		b := cur.Tx.Base()
		if all || b.Progress() >= threshold {
			st.e.emit(desc, st.key, cur.Tx)
			st.flow.FreeTx(b.ID())
		} else if !holding {
			holding = true
			st.nextTx = b.ID()
		}
		minID = cur.Next
		if !cur.HasMore {
			break
		}
	}
	if !holding {
		st.nextTx = minID
	}
}
