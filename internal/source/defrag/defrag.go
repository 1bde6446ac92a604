// Package defrag reassembles fragmented IPv4 datagrams before they reach
// the stream layer. Overlaps follow the BSD-Right policy: bytes that
// arrived first win.
package defrag

import (
	"container/list"
	"fmt"
	"time"

	"github.com/google/gopacket/layers"

	"firestige.xyz/applayer/internal/core"
	"firestige.xyz/applayer/internal/metrics"
)

const (
	minFragSize    = 1
	maxDatagram    = 65535
	maxFragOffset  = 8183 // 8-byte units
	maxFragListLen = 8192
)

// Config limits reassembly state.
type Config struct {
	MaxFragments  int           // per datagram
	MaxSize       int           // reassembled datagram
	Timeout       time.Duration // since the last fragment of a datagram
	MaxFragsPerIP int           // per source per window, 0 = unlimited
	RateWindow    time.Duration
}

// key identifies one fragmented datagram.
type key struct {
	src, dst [4]byte
	proto    uint8
	id       uint16
}

type fragment struct {
	offset  uint16
	length  uint16
	payload []byte
}

// datagram holds the fragments of one datagram ordered by offset.
type datagram struct {
	frags    list.List // *fragment
	highest  uint16    // max(offset+len)
	current  uint16    // unique bytes held
	final    bool      // MF=0 fragment seen
	lastSeen time.Time
}

// Reassembler collects fragments. It is not safe for concurrent use; the
// replayer drives it from a single goroutine with packet timestamps.
type Reassembler struct {
	cfg     Config
	pending map[key]*datagram
	limiter *RateLimiter
}

// New creates a reassembler. Zero limits take defaults.
func New(cfg Config) *Reassembler {
	if cfg.MaxFragments <= 0 {
		cfg.MaxFragments = 100
	}
	if cfg.MaxSize <= 0 || cfg.MaxSize > maxDatagram {
		cfg.MaxSize = maxDatagram
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Reassembler{
		cfg:     cfg,
		pending: make(map[key]*datagram),
		limiter: NewRateLimiter(cfg.MaxFragsPerIP, cfg.RateWindow),
	}
}

// Process takes a decoded IPv4 packet. It returns the transport payload
// once complete: immediately for an unfragmented packet (a view, not a
// copy), on the last missing fragment otherwise. ok is false while
// fragments are outstanding. Errors wrap core.ErrMalformed.
func (r *Reassembler) Process(ip *layers.IPv4, ts time.Time) (payload []byte, ok bool, err error) {
	more := ip.Flags&layers.IPv4MoreFragments != 0
	if !more && ip.FragOffset == 0 {
		return ip.Payload, true, nil
	}

	size := uint16(len(ip.Payload))
	if len(ip.Payload) > maxDatagram {
		size = maxDatagram
	}
	if err := check(size, ip.FragOffset); err != nil {
		metrics.FragmentsDroppedTotal.WithLabelValues("invalid").Inc()
		return nil, false, err
	}

	src, dst := ip.SrcIP.To4(), ip.DstIP.To4()
	if src == nil || dst == nil {
		return nil, false, fmt.Errorf("ipv4 fragment without ipv4 addresses: %w", core.ErrMalformed)
	}
	k := key{proto: uint8(ip.Protocol), id: ip.Id}
	copy(k.src[:], src)
	copy(k.dst[:], dst)

	if !r.limiter.Allow(k.src, ts) {
		metrics.FragmentsDroppedTotal.WithLabelValues("rate_limited").Inc()
		return nil, false, fmt.Errorf("fragment rate limit exceeded for %s: %w", ip.SrcIP, core.ErrMalformed)
	}

	d, found := r.pending[k]
	if !found {
		d = &datagram{}
		r.pending[k] = d
		metrics.FragmentsPending.Inc()
	}
	if n := d.frags.Len(); n >= r.cfg.MaxFragments || n >= maxFragListLen {
		r.drop(k, "too_many")
		return nil, false, fmt.Errorf("more than %d fragments: %w", n, core.ErrMalformed)
	}
	d.lastSeen = ts

	start := ip.FragOffset * 8
	if !more {
		d.final = true
		if end := start + size; end > d.highest {
			d.highest = end
		}
	}
	// Copy: the capture buffer may be reused.
	insert(d, &fragment{offset: start, length: size, payload: append([]byte(nil), ip.Payload[:size]...)})

	if !d.final || d.current < d.highest {
		return nil, false, nil
	}
	out, err := r.build(d)
	r.forget(k)
	if err != nil {
		metrics.FragmentsDroppedTotal.WithLabelValues("too_large").Inc()
		return nil, false, err
	}
	return out, true, nil
}

// Expire drops datagrams whose last fragment is older than the timeout
// relative to now and returns how many were dropped.
func (r *Reassembler) Expire(now time.Time) int {
	n := 0
	for k, d := range r.pending {
		if now.Sub(d.lastSeen) > r.cfg.Timeout {
			r.drop(k, "timeout")
			n++
		}
	}
	return n
}

// Pending returns the number of incomplete datagrams.
func (r *Reassembler) Pending() int { return len(r.pending) }

func check(size, offset uint16) error {
	if size < minFragSize {
		return fmt.Errorf("fragment of %d bytes: %w", size, core.ErrMalformed)
	}
	if offset > maxFragOffset {
		return fmt.Errorf("fragment offset %d: %w", offset, core.ErrMalformed)
	}
	if end := uint32(offset)*8 + uint32(size); end > maxDatagram {
		return fmt.Errorf("fragment ends at %d: %w", end, core.ErrMalformed)
	}
	return nil
}

// insert adds the parts of f not yet covered by held fragments. Held
// fragments stay sorted by offset and never overlap.
func insert(d *datagram, f *fragment) {
	end := f.offset + f.length
	if end > d.highest && !d.final {
		d.highest = end
	}

	cur := f.offset
	e := d.frags.Front()
	for cur < end {
		for e != nil && e.Value.(*fragment).end() <= cur {
			e = e.Next()
		}
		if e == nil {
			d.frags.PushBack(f.slice(cur, end))
			d.current += end - cur
			return
		}
		held := e.Value.(*fragment)
		if held.offset <= cur {
			cur = held.end()
			continue
		}
		to := min(held.offset, end)
		d.frags.InsertBefore(f.slice(cur, to), e)
		d.current += to - cur
		cur = to
	}
}

func (f *fragment) end() uint16 { return f.offset + f.length }

// slice returns the bytes of f in [from, to).
func (f *fragment) slice(from, to uint16) *fragment {
	return &fragment{offset: from, length: to - from, payload: f.payload[from-f.offset : to-f.offset]}
}

func (r *Reassembler) build(d *datagram) ([]byte, error) {
	size := int(d.highest)
	if size > r.cfg.MaxSize {
		return nil, fmt.Errorf("reassembled datagram of %d bytes exceeds %d: %w", size, r.cfg.MaxSize, core.ErrMalformed)
	}
	out := make([]byte, size)
	for e := d.frags.Front(); e != nil; e = e.Next() {
		f := e.Value.(*fragment)
		copy(out[f.offset:], f.payload)
	}
	return out, nil
}

func (r *Reassembler) forget(k key) {
	if _, ok := r.pending[k]; ok {
		delete(r.pending, k)
		metrics.FragmentsPending.Dec()
	}
}

func (r *Reassembler) drop(k key, reason string) {
	if _, ok := r.pending[k]; ok {
		r.forget(k)
		metrics.FragmentsDroppedTotal.WithLabelValues(reason).Inc()
	}
}
