package nfs

import (
	"encoding/hex"
	"fmt"

	"firestige.xyz/applayer/internal/core"
	"firestige.xyz/applayer/internal/wire"
)

const (
	// HandleSize is the fixed size of an NFS version 2 file handle.
	HandleSize = 32
	// AttrSize is the size of the fattr structure (17 XDR words).
	AttrSize = 68

	maxNameLen = 255
	maxData    = 8192
)

// Handle is an opaque NFS2 file handle.
type Handle [HandleSize]byte

func (h Handle) String() string { return hex.EncodeToString(h[:]) }

// DecodeHandle reads a file handle from the start of b.
func DecodeHandle(b []byte) (Handle, []byte, error) {
	var h Handle
	v, rest, err := wire.Take(b, HandleSize)
	if err != nil {
		return h, b, err
	}
	copy(h[:], v)
	return h, rest, nil
}

// LookupRequest is the diropargs of a LOOKUP call.
type LookupRequest struct {
	Handle Handle
	Name   []byte // view into the input
}

// DecodeLookupRequest decodes LOOKUP arguments. Whatever follows the name,
// padding included, is consumed without validation.
func DecodeLookupRequest(b []byte) (LookupRequest, error) {
	var req LookupRequest
	h, rest, err := DecodeHandle(b)
	if err != nil {
		return req, err
	}
	name, _, err := wire.LengthPrefixed32(rest, maxNameLen)
	if err != nil {
		return req, err
	}
	req.Handle = h
	req.Name = name
	return req, nil
}

// LookupReply is the diropres of a LOOKUP reply.
type LookupReply struct {
	Status uint32
	Handle Handle
	Attr   []byte
}

// DecodeLookupReply decodes LOOKUP results. Handle and attributes are only
// present when Status is zero.
func DecodeLookupReply(b []byte) (LookupReply, error) {
	var rep LookupReply
	r := wire.NewReader(b)
	rep.Status = r.U32()
	if r.Err() == nil && rep.Status == 0 {
		copy(rep.Handle[:], r.Take(HandleSize))
		rep.Attr = r.Blob(AttrSize)
	}
	return rep, r.Err()
}

// ReadRequest is the readargs of a READ call.
type ReadRequest struct {
	Handle     Handle
	Offset     uint32
	Count      uint32
	TotalCount uint32
}

// DecodeReadRequest decodes READ arguments.
func DecodeReadRequest(b []byte) (ReadRequest, error) {
	var req ReadRequest
	h, rest, err := DecodeHandle(b)
	if err != nil {
		return req, err
	}
	r := wire.NewReader(rest)
	req.Handle = h
	req.Offset = r.U32()
	req.Count = r.U32()
	req.TotalCount = r.U32()
	return req, r.Err()
}

// ReadReply is the readres of a READ reply.
//
// Count is what the reply reports as read; DataLen is the length of the data
// that follows. The record format makes them one field on the wire, so they
// are always equal after a successful decode.
type ReadReply struct {
	Status  uint32
	Attr    []byte // owned copy of the fattr blob
	Count   uint32
	DataLen uint32
	Data    []byte // view into the input
}

// DecodeReadReply decodes READ results.
func DecodeReadReply(b []byte) (ReadReply, error) {
	var rep ReadReply
	status, rest, err := wire.U32(b)
	if err != nil {
		return rep, err
	}
	rep.Status = status
	if status != 0 {
		return rep, nil
	}
	attr, rest, err := wire.Blob(rest, AttrSize)
	if err != nil {
		return rep, err
	}
	data, _, err := wire.LengthPrefixed32(rest, maxData)
	if err != nil {
		return rep, err
	}
	rep.Attr = attr
	rep.DataLen = uint32(len(data))
	rep.Count = rep.DataLen
	rep.Data = data
	return rep, nil
}

// Procedure is an NFS version 2 procedure number.
type Procedure uint32

const (
	ProcNull Procedure = iota
	ProcGetAttr
	ProcSetAttr
	ProcRoot
	ProcLookup
	ProcReadLink
	ProcRead
	ProcWriteCache
	ProcWrite
	ProcCreate
	ProcRemove
	ProcRename
	ProcLink
	ProcSymlink
	ProcMkdir
	ProcRmdir
	ProcReadDir
	ProcStatFS
)

var procNames = [...]string{
	"NULL", "GETATTR", "SETATTR", "ROOT", "LOOKUP", "READLINK", "READ", "WRITECACHE", "WRITE",
	"CREATE", "REMOVE", "RENAME", "LINK", "SYMLINK", "MKDIR", "RMDIR", "READDIR", "STATFS",
}

// Known reports whether p is defined by NFS version 2.
func (p Procedure) Known() bool { return int(p) < len(procNames) }

// TakesHandle reports whether the arguments of p start with a file handle.
func (p Procedure) TakesHandle() bool {
	return p.Known() && p != ProcNull && p != ProcRoot && p != ProcWriteCache
}

func (p Procedure) String() string {
	if p.Known() {
		return procNames[p]
	}
	return fmt.Sprintf("PROC_%d", uint32(p))
}

// errTruncated turns an incomplete decode inside a complete RPC message into
// a malformed one: the message boundary is already known.
func errTruncated(what string, err error) error {
	if err == nil {
		return nil
	}
	if core.Needed(err) > 0 {
		return fmt.Errorf("nfs: %s truncated: %w", what, core.ErrMalformed)
	}
	return fmt.Errorf("nfs: %s: %w", what, err)
}
