// Package core defines core types with zero external dependencies.
package core

import (
	"fmt"
	"net/netip"
)

// Direction tags a byte slice with the side of the flow that sent it.
type Direction uint8

const (
	ToServer Direction = 1 << iota
	ToClient
)

func (d Direction) String() string {
	switch d {
	case ToServer:
		return "toserver"
	case ToClient:
		return "toclient"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

// Index returns 0 for ToServer and 1 for ToClient, for per-direction arrays.
func (d Direction) Index() int {
	if d == ToClient {
		return 1
	}
	return 0
}

// Reverse returns the opposite direction.
func (d Direction) Reverse() Direction {
	if d == ToClient {
		return ToServer
	}
	return ToClient
}

// Transport is the L4 protocol a parser is registered for.
type Transport uint8

const (
	TransportTCP Transport = 6
	TransportUDP Transport = 17
)

func (t Transport) String() string {
	switch t {
	case TransportTCP:
		return "tcp"
	case TransportUDP:
		return "udp"
	default:
		return fmt.Sprintf("transport(%d)", uint8(t))
	}
}

// ParseTransport maps "tcp"/"udp" to a Transport.
func ParseTransport(s string) (Transport, error) {
	switch s {
	case "tcp":
		return TransportTCP, nil
	case "udp":
		return TransportUDP, nil
	default:
		return 0, fmt.Errorf("%w: unknown transport %q", ErrConfigInvalid, s)
	}
}

// FlowKey uniquely identifies a flow by its client->server 5-tuple.
type FlowKey struct {
	SrcIP   netip.Addr
	DstIP   netip.Addr
	SrcPort uint16
	DstPort uint16
	Proto   Transport
}

// Reverse swaps source and destination.
func (k FlowKey) Reverse() FlowKey {
	return FlowKey{
		SrcIP:   k.DstIP,
		DstIP:   k.SrcIP,
		SrcPort: k.DstPort,
		DstPort: k.SrcPort,
		Proto:   k.Proto,
	}
}

func (k FlowKey) String() string {
	return fmt.Sprintf("%s %s -> %s",
		k.Proto,
		netip.AddrPortFrom(k.SrcIP, k.SrcPort),
		netip.AddrPortFrom(k.DstIP, k.DstPort))
}
