package websocket

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
)

// windowSize is the deflate history kept for context takeover.
const windowSize = 32 * 1024

// deflateTail is removed by the sender from every compressed message
// (RFC 7692 §7.2.1) and must be put back before inflating.
var deflateTail = []byte{0x00, 0x00, 0xff, 0xff}

// inflater decompresses the messages of one direction.
type inflater struct {
	window []byte // trailing output of previous messages, nil without takeover
}

// inflate decompresses one message, returning at most limit bytes and
// whether output was cut at the limit.
func (in *inflater) inflate(msg []byte, limit uint64, takeover bool) ([]byte, bool, error) {
	src := make([]byte, 0, len(msg)+len(deflateTail))
	src = append(src, msg...)
	src = append(src, deflateTail...)

	var r io.ReadCloser
	if takeover && len(in.window) > 0 {
		r = flate.NewReaderDict(bytes.NewReader(src), in.window)
	} else {
		r = flate.NewReader(bytes.NewReader(src))
	}
	defer r.Close()

	out, err := io.ReadAll(io.LimitReader(r, int64(limit)+1))
	// A sync-flushed stream has no final block, so running out of input
	// after the flush marker is the normal end.
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, false, fmt.Errorf("websocket: inflate: %w", err)
	}
	truncated := uint64(len(out)) > limit
	if truncated {
		out = out[:limit]
	}

	if takeover && !truncated {
		in.window = appendWindow(in.window, out)
	} else {
		in.window = nil
	}
	return out, truncated, nil
}

func appendWindow(window, out []byte) []byte {
	window = append(window, out...)
	if len(window) > windowSize {
		window = append(window[:0:0], window[len(window)-windowSize:]...)
	}
	return window
}
