package defrag

import (
	"bytes"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/google/gopacket/layers"

	"firestige.xyz/applayer/internal/core"
)

var (
	srcA = [4]byte{192, 168, 1, 1}
	dstA = [4]byte{192, 168, 1, 2}
	t0   = time.Unix(1700000000, 0)
)

// ipv4 builds a decoded IPv4 fragment. offset is in 8-byte units.
func ipv4(src, dst [4]byte, id, offset uint16, more bool, payload []byte) *layers.IPv4 {
	ip := &layers.IPv4{
		Version:    4,
		IHL:        5,
		Length:     uint16(20 + len(payload)),
		Id:         id,
		FragOffset: offset,
		TTL:        64,
		Protocol:   layers.IPProtocolUDP,
		SrcIP:      net.IP(src[:]),
		DstIP:      net.IP(dst[:]),
	}
	if more {
		ip.Flags = layers.IPv4MoreFragments
	}
	ip.Payload = payload
	return ip
}

func seq(from, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(from + i)
	}
	return b
}

func mustPending(t *testing.T, r *Reassembler, pkt *layers.IPv4) {
	t.Helper()
	out, ok, err := r.Process(pkt, t0)
	if err != nil || ok || out != nil {
		t.Fatalf("Process() = %v, %v, %v; want pending", out, ok, err)
	}
}

func mustComplete(t *testing.T, r *Reassembler, pkt *layers.IPv4, want []byte) {
	t.Helper()
	out, ok, err := r.Process(pkt, t0)
	if err != nil || !ok {
		t.Fatalf("Process() = ok %v, err %v; want complete", ok, err)
	}
	if !bytes.Equal(out, want) {
		t.Fatalf("reassembled %d bytes, want %d (content mismatch)", len(out), len(want))
	}
}

func TestUnfragmentedIsPassedThrough(t *testing.T) {
	r := New(Config{})
	mustComplete(t, r, ipv4(srcA, dstA, 0, 0, false, []byte("hello")), []byte("hello"))
	if r.Pending() != 0 {
		t.Error("unfragmented packet must not create state")
	}
}

func TestTwoFragments(t *testing.T) {
	r := New(Config{})
	mustPending(t, r, ipv4(srcA, dstA, 0x1234, 0, true, seq(0, 80)))
	if r.Pending() != 1 {
		t.Fatalf("Pending() = %d; want 1", r.Pending())
	}
	mustComplete(t, r, ipv4(srcA, dstA, 0x1234, 10, false, seq(80, 80)), seq(0, 160))
	if r.Pending() != 0 {
		t.Error("completed datagram must be forgotten")
	}
}

func TestOutOfOrder(t *testing.T) {
	r := New(Config{})
	mustPending(t, r, ipv4(srcA, dstA, 7, 20, false, seq(160, 40)))
	mustPending(t, r, ipv4(srcA, dstA, 7, 0, true, seq(0, 80)))
	mustComplete(t, r, ipv4(srcA, dstA, 7, 10, true, seq(80, 80)), seq(0, 200))
}

func TestOverlapKeepsFirstBytes(t *testing.T) {
	r := New(Config{})
	first := bytes.Repeat([]byte{0xAA}, 80)
	mustPending(t, r, ipv4(srcA, dstA, 9, 0, true, first))
	// Overlaps bytes 40..79 with different content.
	second := append(bytes.Repeat([]byte{0xBB}, 40), bytes.Repeat([]byte{0xCC}, 40)...)
	want := append(append([]byte{}, first...), bytes.Repeat([]byte{0xCC}, 40)...)
	mustComplete(t, r, ipv4(srcA, dstA, 9, 5, false, second), want)
}

func TestFragmentSpanningHeldFragments(t *testing.T) {
	r := New(Config{})
	mustPending(t, r, ipv4(srcA, dstA, 11, 0, true, seq(0, 8)))
	mustPending(t, r, ipv4(srcA, dstA, 11, 2, true, seq(16, 8)))
	// Covers both held fragments and the holes around them.
	mustPending(t, r, ipv4(srcA, dstA, 11, 0, true, seq(0, 32)))
	mustComplete(t, r, ipv4(srcA, dstA, 11, 4, false, seq(32, 8)), seq(0, 40))
	if r.Pending() != 0 {
		t.Errorf("Pending() = %d; want 0", r.Pending())
	}
}

func TestSpanningFragmentKeepsFirstBytes(t *testing.T) {
	r := New(Config{})
	held := bytes.Repeat([]byte{0xAA}, 8)
	mustPending(t, r, ipv4(srcA, dstA, 12, 1, true, held))
	mustPending(t, r, ipv4(srcA, dstA, 12, 3, true, held))
	last := bytes.Repeat([]byte{0xBB}, 40)
	want := bytes.Repeat([]byte{0xBB}, 40)
	copy(want[8:16], held)
	copy(want[24:32], held)
	mustComplete(t, r, ipv4(srcA, dstA, 12, 0, false, last), want)
}

func TestDuplicateFragment(t *testing.T) {
	r := New(Config{})
	pkt := ipv4(srcA, dstA, 3, 0, true, seq(0, 16))
	mustPending(t, r, pkt)
	mustPending(t, r, pkt)
	mustComplete(t, r, ipv4(srcA, dstA, 3, 2, false, seq(16, 8)), seq(0, 24))
}

func TestDifferentDatagramsAreIndependent(t *testing.T) {
	r := New(Config{})
	mustPending(t, r, ipv4(srcA, dstA, 1, 0, true, seq(0, 8)))
	mustPending(t, r, ipv4(srcA, dstA, 2, 0, true, seq(100, 8)))
	mustComplete(t, r, ipv4(srcA, dstA, 2, 1, false, seq(108, 8)), seq(100, 16))
	if r.Pending() != 1 {
		t.Errorf("Pending() = %d; want 1", r.Pending())
	}
}

func TestInvalidFragments(t *testing.T) {
	tests := []struct {
		name string
		pkt  *layers.IPv4
	}{
		{"empty fragment", ipv4(srcA, dstA, 1, 1, true, nil)},
		{"offset too large", ipv4(srcA, dstA, 1, maxFragOffset+1, true, seq(0, 8))},
		{"end past 64k", ipv4(srcA, dstA, 1, maxFragOffset, false, seq(0, 200))},
		{"ipv6 addresses", func() *layers.IPv4 {
			ip := ipv4(srcA, dstA, 1, 0, true, seq(0, 8))
			ip.SrcIP = net.ParseIP("2001:db8::1")
			return ip
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok, err := New(Config{}).Process(tt.pkt, t0)
			if ok || !errors.Is(err, core.ErrMalformed) {
				t.Errorf("Process() = %v, %v; want ErrMalformed", ok, err)
			}
		})
	}
}

func TestFragmentLimit(t *testing.T) {
	r := New(Config{MaxFragments: 2})
	mustPending(t, r, ipv4(srcA, dstA, 5, 0, true, seq(0, 8)))
	mustPending(t, r, ipv4(srcA, dstA, 5, 2, true, seq(16, 8)))
	_, _, err := r.Process(ipv4(srcA, dstA, 5, 4, true, seq(32, 8)), t0)
	if !errors.Is(err, core.ErrMalformed) {
		t.Fatalf("third fragment: err = %v; want ErrMalformed", err)
	}
	if r.Pending() != 0 {
		t.Error("datagram over the limit must be dropped")
	}
}

func TestMaxSize(t *testing.T) {
	r := New(Config{MaxSize: 64})
	mustPending(t, r, ipv4(srcA, dstA, 6, 0, true, seq(0, 48)))
	_, ok, err := r.Process(ipv4(srcA, dstA, 6, 6, false, seq(48, 48)), t0)
	if ok || !errors.Is(err, core.ErrMalformed) {
		t.Errorf("Process() = %v, %v; want ErrMalformed", ok, err)
	}
	if r.Pending() != 0 {
		t.Error("oversized datagram must be dropped")
	}
}

func TestExpire(t *testing.T) {
	r := New(Config{Timeout: time.Second})
	mustPending(t, r, ipv4(srcA, dstA, 8, 0, true, seq(0, 8)))
	if n := r.Expire(t0.Add(500 * time.Millisecond)); n != 0 {
		t.Fatalf("Expire() early dropped %d", n)
	}
	if n := r.Expire(t0.Add(2 * time.Second)); n != 1 {
		t.Fatalf("Expire() = %d; want 1", n)
	}
	if r.Pending() != 0 {
		t.Error("expired datagram still pending")
	}
}

func TestRateLimitRejectsFragments(t *testing.T) {
	r := New(Config{MaxFragsPerIP: 2, RateWindow: time.Second})
	mustPending(t, r, ipv4(srcA, dstA, 1, 0, true, seq(0, 8)))
	mustPending(t, r, ipv4(srcA, dstA, 2, 0, true, seq(0, 8)))
	if _, _, err := r.Process(ipv4(srcA, dstA, 3, 0, true, seq(0, 8)), t0); err == nil {
		t.Fatal("third fragment in the window should be rate limited")
	}
	// Unfragmented packets are never counted.
	mustComplete(t, r, ipv4(srcA, dstA, 0, 0, false, []byte("x")), []byte("x"))
}
