package stream

import (
	"net/netip"

	"firestige.xyz/applayer/internal/core"
)

// connKey is a 5-tuple as seen on the wire.
type connKey struct {
	src, dst         netip.Addr
	srcPort, dstPort uint16
	proto            core.Transport
}

func (k connKey) reverse() connKey {
	return connKey{k.dst, k.src, k.dstPort, k.srcPort, k.proto}
}

// conn is one bidirectional connection. key is oriented client to server.
type conn struct {
	key  core.FlowKey
	open int // TCP half-streams not yet complete
}

// orient finds or creates the connection of k and returns the direction
// of the packet. The first packet seen decides who the client is, unless
// it is a SYN-ACK, whose sender is the server.
func (r *Replayer) orient(k connKey, fromServer bool) (*conn, core.Direction) {
	if c, ok := r.conns[k]; ok {
		return c, r.direction(c, k)
	}
	if c, ok := r.conns[k.reverse()]; ok {
		return c, r.direction(c, k)
	}

	client := k
	if fromServer {
		client = k.reverse()
	}
	c := &conn{key: core.FlowKey{
		SrcIP:   client.src,
		DstIP:   client.dst,
		SrcPort: client.srcPort,
		DstPort: client.dstPort,
		Proto:   client.proto,
	}}
	r.conns[client] = c
	return c, r.direction(c, k)
}

func (r *Replayer) direction(c *conn, k connKey) core.Direction {
	if k.src == c.key.SrcIP && k.srcPort == c.key.SrcPort {
		return core.ToServer
	}
	return core.ToClient
}

func (r *Replayer) forget(c *conn) {
	delete(r.conns, connKey{c.key.SrcIP, c.key.DstIP, c.key.SrcPort, c.key.DstPort, c.key.Proto})
}
