package stream

import (
	"encoding/binary"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/tcpassembly"

	"firestige.xyz/applayer/internal/core"
)

// streamFactory creates one tcpStream per TCP half-connection.
type streamFactory struct {
	r *Replayer
}

func (f *streamFactory) New(netFlow, tcpFlow gopacket.Flow) tcpassembly.Stream {
	src, _ := netip.AddrFromSlice(netFlow.Src().Raw())
	dst, _ := netip.AddrFromSlice(netFlow.Dst().Raw())
	k := connKey{
		src:     src.Unmap(),
		dst:     dst.Unmap(),
		srcPort: binary.BigEndian.Uint16(tcpFlow.Src().Raw()),
		dstPort: binary.BigEndian.Uint16(tcpFlow.Dst().Raw()),
		proto:   core.TransportTCP,
	}
	// Packet already oriented the connection before assembly.
	c, dir := f.r.orient(k, false)
	c.open++
	return &tcpStream{r: f.r, c: c, dir: dir}
}

// tcpStream delivers reassembled bytes of one direction.
type tcpStream struct {
	r       *Replayer
	c       *conn
	dir     core.Direction
	started bool
}

func (s *tcpStream) Reassembled(rs []tcpassembly.Reassembly) {
	for _, ra := range rs {
		// Skip < 0 means the stream start was never seen; only later
		// skips are losses.
		gap := ra.Skip > 0 || (ra.Skip < 0 && s.started)
		s.started = true
		s.r.deliver(s.c, s.dir, ra.Seen, ra.Bytes, gap)
	}
}

func (s *tcpStream) ReassemblyComplete() {
	s.c.open--
	if s.c.open <= 0 {
		s.r.h.CloseFlow(s.c.key)
		s.r.forget(s.c)
	}
}
