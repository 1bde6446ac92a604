package nfs

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"firestige.xyz/applayer/internal/core"
)

// ---------------------------------------------------------------------------
// XDR builders
// ---------------------------------------------------------------------------

func u32(dst []byte, v uint32) []byte { return binary.BigEndian.AppendUint32(dst, v) }

// opaque appends an XDR variable-length opaque with padding.
func opaque(dst, v []byte) []byte {
	dst = u32(dst, uint32(len(v)))
	dst = append(dst, v...)
	return append(dst, make([]byte, (4-len(v)%4)%4)...)
}

func testHandle(seed byte) Handle {
	var h Handle
	for i := range h {
		h[i] = seed + byte(i)
	}
	return h
}

func handleBytes(seed byte) []byte {
	h := testHandle(seed)
	return h[:]
}

func lookupArgs(h Handle, name string) []byte {
	return opaque(append([]byte(nil), h[:]...), []byte(name))
}

func readArgs(h Handle, offset, count uint32) []byte {
	b := append([]byte(nil), h[:]...)
	b = u32(b, offset)
	b = u32(b, count)
	return u32(b, 0)
}

func readResult(data []byte) []byte {
	b := u32(nil, 0)
	b = append(b, make([]byte, AttrSize)...)
	return opaque(b, data)
}

func lookupResult(h Handle) []byte {
	b := u32(nil, 0)
	b = append(b, h[:]...)
	return append(b, make([]byte, AttrSize)...)
}

// ---------------------------------------------------------------------------
// Record decoders
// ---------------------------------------------------------------------------

func TestDecodeLookupRequest(t *testing.T) {
	h := testHandle(1)
	b := lookupArgs(h, "passwd")

	req, err := DecodeLookupRequest(b)
	if err != nil {
		t.Fatalf("DecodeLookupRequest() error: %v", err)
	}
	if req.Handle != h || string(req.Name) != "passwd" {
		t.Errorf("got handle %s name %q", req.Handle, req.Name)
	}

	// Padding is not validated.
	b[len(b)-1] = 0xFF
	if _, err := DecodeLookupRequest(b); err != nil {
		t.Errorf("garbage padding rejected: %v", err)
	}
}

func TestDecodeLookupRequestErrors(t *testing.T) {
	h := testHandle(1)
	full := lookupArgs(h, "passwd")
	long := u32(append([]byte(nil), h[:]...), 4096)

	tests := []struct {
		name       string
		in         []byte
		incomplete bool
	}{
		{"empty", nil, true},
		{"short handle", full[:10], true},
		{"no name length", full[:HandleSize], true},
		{"name truncated", full[:HandleSize+6], true},
		{"name too long", long, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeLookupRequest(tt.in)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := errors.Is(err, core.ErrIncomplete); got != tt.incomplete {
				t.Errorf("incomplete = %v; want %v (err %v)", got, tt.incomplete, err)
			}
			if !tt.incomplete && !errors.Is(err, core.ErrMalformed) {
				t.Errorf("expected malformed, got %v", err)
			}
		})
	}
}

func TestDecodeReadReply(t *testing.T) {
	for _, size := range []int{0, 1, 3, 4, 100, maxData} {
		data := bytes.Repeat([]byte{0xAB}, size)
		rep, err := DecodeReadReply(readResult(data))
		if err != nil {
			t.Fatalf("size %d: %v", size, err)
		}
		if rep.Count != rep.DataLen {
			t.Errorf("size %d: count %d != data_len %d", size, rep.Count, rep.DataLen)
		}
		if int(rep.DataLen) != size || !bytes.Equal(rep.Data, data) {
			t.Errorf("size %d: data_len %d", size, rep.DataLen)
		}
		if len(rep.Attr) != AttrSize {
			t.Errorf("attr size %d", len(rep.Attr))
		}
	}
}

func TestDecodeReadReplyErrors(t *testing.T) {
	full := readResult([]byte("hello"))

	if rep, err := DecodeReadReply(u32(nil, 70)); err != nil || rep.Status != 70 {
		t.Errorf("error status: rep %+v err %v", rep, err)
	}
	if _, err := DecodeReadReply(full[:40]); !errors.Is(err, core.ErrIncomplete) {
		t.Errorf("truncated attr: %v", err)
	}
	if _, err := DecodeReadReply(full[:4+AttrSize+4+2]); !errors.Is(err, core.ErrIncomplete) {
		t.Errorf("truncated data: %v", err)
	}
	big := u32(append(u32(nil, 0), make([]byte, AttrSize)...), maxData+1)
	if _, err := DecodeReadReply(big); !errors.Is(err, core.ErrMalformed) {
		t.Errorf("oversized data: %v", err)
	}
}

func TestDecodeReadRequestAndLookupReply(t *testing.T) {
	h := testHandle(9)
	req, err := DecodeReadRequest(readArgs(h, 4096, 512))
	if err != nil || req.Handle != h || req.Offset != 4096 || req.Count != 512 {
		t.Errorf("read args %+v err %v", req, err)
	}

	rep, err := DecodeLookupReply(lookupResult(h))
	if err != nil || rep.Status != 0 || rep.Handle != h || len(rep.Attr) != AttrSize {
		t.Errorf("lookup reply %+v err %v", rep, err)
	}
	rep, err = DecodeLookupReply(u32(nil, 2))
	if err != nil || rep.Status != 2 {
		t.Errorf("NFSERR_NOENT reply %+v err %v", rep, err)
	}
}

func TestProcedure(t *testing.T) {
	if ProcLookup.String() != "LOOKUP" || ProcRead.String() != "READ" || ProcStatFS.String() != "STATFS" {
		t.Error("unexpected procedure names")
	}
	if Procedure(18).Known() || Procedure(18).String() != "PROC_18" {
		t.Error("procedure 18 is not defined by NFS2")
	}
	if ProcNull.TakesHandle() || ProcRoot.TakesHandle() || !ProcGetAttr.TakesHandle() {
		t.Error("TakesHandle mismatch")
	}
}
