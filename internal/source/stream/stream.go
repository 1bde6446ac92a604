// Package stream turns captured packets into the ordered, direction-tagged
// segments the engine consumes. TCP is reassembled with tcpassembly; UDP
// datagrams are passed through one by one.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/tcpassembly"

	"firestige.xyz/applayer/internal/core"
	"firestige.xyz/applayer/internal/source/defrag"
)

const (
	// flushEvery is the number of packets between flushes of stale
	// out-of-order TCP data.
	flushEvery = 1024
	// flushAge is how far behind the newest timestamp buffered TCP data
	// may lag before it is delivered with a gap.
	flushAge = 30 * time.Second
)

// Handler consumes segments.
type Handler interface {
	Handle(seg core.Segment)
	CloseFlow(key core.FlowKey)
}

// PacketSource yields raw packets.
type PacketSource interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// Stats summarizes one replay.
type Stats struct {
	Packets  uint64
	TCP      uint64
	UDP      uint64
	Skipped  uint64 // not IP, not TCP/UDP, or undecodable
	Segments uint64

	Fragments   uint64 // IPv4 fragments seen
	Reassembled uint64 // datagrams rebuilt from fragments
}

// Replayer feeds packets through decoding and reassembly into a Handler.
type Replayer struct {
	h         Handler
	conns     map[connKey]*conn
	assembler *tcpassembly.Assembler
	defrag    *defrag.Reassembler
	stats     Stats
}

// NewReplayer creates a replayer delivering to h.
func NewReplayer(h Handler, frag defrag.Config) *Replayer {
	r := &Replayer{
		h:      h,
		conns:  make(map[connKey]*conn),
		defrag: defrag.New(frag),
	}
	r.assembler = tcpassembly.NewAssembler(tcpassembly.NewStreamPool(&streamFactory{r: r}))
	return r
}

// Run reads src until EOF or ctx is done, then flushes pending TCP data.
func (r *Replayer) Run(ctx context.Context, src PacketSource) (Stats, error) {
	var last time.Time
	for {
		if err := ctx.Err(); err != nil {
			r.assembler.FlushAll()
			return r.stats, err
		}
		data, ci, err := src.ReadPacketData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			r.assembler.FlushAll()
			return r.stats, fmt.Errorf("replay: %w", err)
		}
		r.Packet(data, ci, src.LinkType())
		if ci.Timestamp.After(last) {
			last = ci.Timestamp
		}
		if r.stats.Packets%flushEvery == 0 {
			r.assembler.FlushOlderThan(last.Add(-flushAge))
			r.defrag.Expire(last)
		}
	}
	r.assembler.FlushAll()
	slog.Info("replay finished",
		"packets", r.stats.Packets, "tcp", r.stats.TCP, "udp", r.stats.UDP,
		"skipped", r.stats.Skipped, "segments", r.stats.Segments,
		"fragments", r.stats.Fragments, "reassembled", r.stats.Reassembled)
	return r.stats, nil
}

// Packet decodes one packet and delivers its payload.
func (r *Replayer) Packet(data []byte, ci gopacket.CaptureInfo, link layers.LinkType) {
	r.stats.Packets++
	pkt := gopacket.NewPacket(data, link, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	netLayer := pkt.NetworkLayer()
	if netLayer == nil {
		r.stats.Skipped++
		return
	}
	src, dst, ok := addrs(netLayer)
	if !ok {
		r.stats.Skipped++
		return
	}

	transport := pkt.TransportLayer()
	if ip4, ok := netLayer.(*layers.IPv4); ok && fragmented(ip4) {
		if transport, ok = r.reassemble(ip4, ci); !ok {
			return
		}
	}

	switch t := transport.(type) {
	case *layers.TCP:
		r.stats.TCP++
		r.orient(connKey{src, dst, uint16(t.SrcPort), uint16(t.DstPort), core.TransportTCP}, t.SYN && t.ACK)
		r.assembler.AssembleWithTimestamp(netLayer.NetworkFlow(), t, ci.Timestamp)
	case *layers.UDP:
		r.stats.UDP++
		k := connKey{src, dst, uint16(t.SrcPort), uint16(t.DstPort), core.TransportUDP}
		c, dir := r.orient(k, false)
		r.deliver(c, dir, ci.Timestamp, t.Payload, false)
	default:
		r.stats.Skipped++
	}
}

func fragmented(ip *layers.IPv4) bool {
	return ip.Flags&layers.IPv4MoreFragments != 0 || ip.FragOffset != 0
}

// reassemble feeds one fragment to the defragmenter and decodes the
// transport layer of a completed datagram.
func (r *Replayer) reassemble(ip *layers.IPv4, ci gopacket.CaptureInfo) (gopacket.TransportLayer, bool) {
	r.stats.Fragments++
	payload, ok, err := r.defrag.Process(ip, ci.Timestamp)
	if err != nil {
		r.stats.Skipped++
		slog.Debug("ipv4 fragment dropped", "src", ip.SrcIP, "dst", ip.DstIP, "id", ip.Id, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	r.stats.Reassembled++
	pkt := gopacket.NewPacket(payload, ip.Protocol.LayerType(), gopacket.Default)
	t := pkt.TransportLayer()
	if t == nil {
		r.stats.Skipped++
		return nil, false
	}
	return t, true
}

func addrs(l gopacket.NetworkLayer) (src, dst netip.Addr, ok bool) {
	switch ip := l.(type) {
	case *layers.IPv4:
		src, ok1 := netip.AddrFromSlice(ip.SrcIP.To4())
		dst, ok2 := netip.AddrFromSlice(ip.DstIP.To4())
		return src, dst, ok1 && ok2
	case *layers.IPv6:
		src, ok1 := netip.AddrFromSlice(ip.SrcIP)
		dst, ok2 := netip.AddrFromSlice(ip.DstIP)
		return src, dst, ok1 && ok2
	default:
		return netip.Addr{}, netip.Addr{}, false
	}
}

func (r *Replayer) deliver(c *conn, dir core.Direction, ts time.Time, payload []byte, gap bool) {
	if len(payload) == 0 && !gap {
		return
	}
	r.stats.Segments++
	r.h.Handle(core.Segment{
		Timestamp: ts,
		Key:       c.key,
		Dir:       dir,
		Payload:   payload,
		Gap:       gap,
	})
}
