package core

import (
	"errors"
	"fmt"
	"net/netip"
	"testing"
)

// Test sentinel errors
func TestSentinelErrors(t *testing.T) {
	t.Run("ErrorMessages", func(t *testing.T) {
		tests := []struct {
			err     error
			message string
		}{
			{ErrIncomplete, "applayer: incomplete data"},
			{ErrMalformed, "applayer: malformed data"},
			{ErrUnsupported, "applayer: unsupported variant"},
			{ErrUnknownHandle, "applayer: unknown flow handle"},
			{ErrProtocolNotFound, "applayer: protocol not found"},
			{ErrConfigInvalid, "applayer: invalid configuration"},
		}

		for _, tt := range tests {
			if tt.err.Error() != tt.message {
				t.Errorf("expected error message %q, got %q", tt.message, tt.err.Error())
			}
		}
	})

	t.Run("ErrorWrapping", func(t *testing.T) {
		wrapped := fmt.Errorf("ike header: %w", ErrMalformed)
		if !errors.Is(wrapped, ErrMalformed) {
			t.Error("errors.Is failed for wrapped error")
		}
	})
}

func TestIncompleteError(t *testing.T) {
	err := Incomplete(7)
	if !errors.Is(err, ErrIncomplete) {
		t.Fatal("Incomplete() should match ErrIncomplete")
	}
	if errors.Is(err, ErrMalformed) {
		t.Error("Incomplete() should not match ErrMalformed")
	}
	if got := Needed(err); got != 7 {
		t.Errorf("Needed() = %d; want 7", got)
	}

	wrapped := fmt.Errorf("frame header: %w", err)
	if got := Needed(wrapped); got != 7 {
		t.Errorf("Needed(wrapped) = %d; want 7", got)
	}
	if got := Needed(ErrMalformed); got != 0 {
		t.Errorf("Needed(ErrMalformed) = %d; want 0", got)
	}
	if got := Needed(Incomplete(0)); got != 1 {
		t.Errorf("Incomplete(0) should clamp to 1, got %d", got)
	}
}

func TestDirection(t *testing.T) {
	if ToServer.Index() != 0 || ToClient.Index() != 1 {
		t.Errorf("unexpected direction indexes %d/%d", ToServer.Index(), ToClient.Index())
	}
	if ToServer.Reverse() != ToClient || ToClient.Reverse() != ToServer {
		t.Error("Reverse() should swap directions")
	}
	if ToServer.String() != "toserver" || ToClient.String() != "toclient" {
		t.Errorf("unexpected names %q/%q", ToServer, ToClient)
	}
}

func TestParseTransport(t *testing.T) {
	tr, err := ParseTransport("udp")
	if err != nil || tr != TransportUDP {
		t.Fatalf("ParseTransport(udp) = %v, %v", tr, err)
	}
	if _, err := ParseTransport("sctp"); !errors.Is(err, ErrConfigInvalid) {
		t.Errorf("expected ErrConfigInvalid, got %v", err)
	}
}

func TestFlowKeyReverse(t *testing.T) {
	k := FlowKey{
		SrcIP:   netip.MustParseAddr("10.0.0.1"),
		DstIP:   netip.MustParseAddr("10.0.0.2"),
		SrcPort: 40000,
		DstPort: 500,
		Proto:   TransportUDP,
	}
	r := k.Reverse()
	if r.SrcIP != k.DstIP || r.DstPort != k.SrcPort {
		t.Errorf("Reverse() = %+v", r)
	}
	if r.Reverse() != k {
		t.Error("double Reverse() should be identity")
	}
	if got := k.String(); got != "udp 10.0.0.1:40000 -> 10.0.0.2:500" {
		t.Errorf("String() = %q", got)
	}
}

func TestEvents(t *testing.T) {
	var ev Events
	ev.Add(3)
	ev.Add(1)
	ev.Add(3)
	if len(ev) != 3 || ev[0] != 3 || ev[1] != 1 {
		t.Errorf("events should keep insertion order, got %v", ev)
	}
	if !ev.Has(1) || ev.Has(2) {
		t.Error("Has() mismatch")
	}

	names := EventNamer{1: "malformed_data"}
	if names.Name(1) != "malformed_data" {
		t.Errorf("Name(1) = %q", names.Name(1))
	}
	if names.Name(9) != "event_9" {
		t.Errorf("Name(9) = %q", names.Name(9))
	}
}
