// Package applayer implements the per-flow transaction store shared by all
// application-layer parsers, together with the parse outcome type returned
// to the host and the handle table the host uses to address flows.
package applayer

import (
	"errors"
	"fmt"

	"firestige.xyz/applayer/internal/core"
)

// Status is the three-way result of one parse call.
type Status uint8

const (
	StatusOK Status = iota
	StatusIncomplete
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusIncomplete:
		return "incomplete"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Outcome is returned to the host for each delivered chunk.
//
// Consumed counts the leading bytes the parser is done with. On
// StatusIncomplete the host keeps Data[Consumed:] and calls again once at
// least Needed more bytes are available.
type Outcome struct {
	Status   Status
	Consumed int
	Needed   int
	Err      error
}

// OK reports that n bytes were consumed.
func OK(n int) Outcome {
	return Outcome{Status: StatusOK, Consumed: n}
}

// NeedMore reports that consumed bytes were used and needed more are required
// before anything else can be decoded.
func NeedMore(consumed, needed int) Outcome {
	if needed < 1 {
		needed = 1
	}
	return Outcome{Status: StatusIncomplete, Consumed: consumed, Needed: needed}
}

// Failed reports a malformed input.
func Failed(err error) Outcome {
	return Outcome{Status: StatusError, Err: err}
}

// FromError maps a decoder error onto an outcome. Errors matching
// core.ErrIncomplete become StatusIncomplete; anything else is an error.
func FromError(consumed int, err error) Outcome {
	if err == nil {
		return OK(consumed)
	}
	if errors.Is(err, core.ErrIncomplete) {
		return NeedMore(consumed, core.Needed(err))
	}
	return Outcome{Status: StatusError, Consumed: consumed, Err: err}
}

func (o Outcome) String() string {
	switch o.Status {
	case StatusOK:
		return fmt.Sprintf("ok(%d)", o.Consumed)
	case StatusIncomplete:
		return fmt.Sprintf("incomplete(%d,%d)", o.Consumed, o.Needed)
	default:
		return fmt.Sprintf("error(%v)", o.Err)
	}
}
