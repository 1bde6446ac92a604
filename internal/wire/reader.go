package wire

// Reader walks a buffer field by field, tracking how much has been consumed.
// The first error is sticky: later reads return it without touching the
// buffer, so a record decoder can read every field and check Err once.
type Reader struct {
	buf []byte
	off int
	err error
}

// NewReader returns a Reader over b.
func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

// Offset is the number of bytes consumed so far.
func (r *Reader) Offset() int { return r.off }

// Remaining is the number of bytes not yet consumed.
func (r *Reader) Remaining() int { return len(r.buf) - r.off }

// Rest returns the unconsumed bytes without consuming them.
func (r *Reader) Rest() []byte { return r.buf[r.off:] }

// Err returns the first error encountered.
func (r *Reader) Err() error { return r.err }

func (r *Reader) advance(rest []byte) {
	r.off = len(r.buf) - len(rest)
}

// Take consumes n bytes and returns a view of them.
func (r *Reader) Take(n int) []byte {
	if r.err != nil {
		return nil
	}
	h, rest, err := Take(r.Rest(), n)
	if err != nil {
		r.err = err
		return nil
	}
	r.advance(rest)
	return h
}

// Skip consumes n bytes.
func (r *Reader) Skip(n int) {
	r.Take(n)
}

// U8 consumes one byte.
func (r *Reader) U8() uint8 {
	if r.err != nil {
		return 0
	}
	v, rest, err := U8(r.Rest())
	if err != nil {
		r.err = err
		return 0
	}
	r.advance(rest)
	return v
}

// U16 consumes a big-endian uint16.
func (r *Reader) U16() uint16 {
	if r.err != nil {
		return 0
	}
	v, rest, err := U16(r.Rest())
	if err != nil {
		r.err = err
		return 0
	}
	r.advance(rest)
	return v
}

// U32 consumes a big-endian uint32.
func (r *Reader) U32() uint32 {
	if r.err != nil {
		return 0
	}
	v, rest, err := U32(r.Rest())
	if err != nil {
		r.err = err
		return 0
	}
	r.advance(rest)
	return v
}

// U64 consumes a big-endian uint64.
func (r *Reader) U64() uint64 {
	if r.err != nil {
		return 0
	}
	v, rest, err := U64(r.Rest())
	if err != nil {
		r.err = err
		return 0
	}
	r.advance(rest)
	return v
}

// Opaque consumes an XDR variable-length opaque: length, bytes, padding.
func (r *Reader) Opaque(max uint32) []byte {
	if r.err != nil {
		return nil
	}
	field, rest, err := LengthPrefixed32(r.Rest(), max)
	if err != nil {
		r.err = err
		return nil
	}
	r.advance(rest)
	r.Skip(Pad4(len(field)))
	if r.err != nil {
		return nil
	}
	return field
}

// Blob consumes n bytes and returns an owned copy.
func (r *Reader) Blob(n int) []byte {
	if r.err != nil {
		return nil
	}
	out, rest, err := Blob(r.Rest(), n)
	if err != nil {
		r.err = err
		return nil
	}
	r.advance(rest)
	return out
}
