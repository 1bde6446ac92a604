// Package core defines sentinel errors.
package core

import (
	"errors"
	"strconv"
)

// Sentinel errors shared by decoders, parsers and the host engine.
var (
	// Parse outcomes
	ErrIncomplete         = errors.New("applayer: incomplete data")
	ErrMalformed          = errors.New("applayer: malformed data")
	ErrUnsupported        = errors.New("applayer: unsupported variant")
	ErrUnsupportedVersion = errors.New("applayer: unsupported protocol version")

	// Flow and transaction handles
	ErrUnknownHandle = errors.New("applayer: unknown flow handle")

	// Protocol registry errors
	ErrProtocolNotFound  = errors.New("applayer: protocol not found")
	ErrDuplicateProtocol = errors.New("applayer: protocol already registered")

	// Configuration errors
	ErrConfigInvalid = errors.New("applayer: invalid configuration")
)

// IncompleteError reports how many more bytes a decoder needs.
// It matches ErrIncomplete under errors.Is.
type IncompleteError struct {
	Needed int
}

func (e *IncompleteError) Error() string {
	return "applayer: incomplete data, need " + strconv.Itoa(e.Needed) + " more bytes"
}

func (e *IncompleteError) Is(target error) bool {
	return target == ErrIncomplete
}

// Incomplete returns an *IncompleteError for n missing bytes.
func Incomplete(n int) error {
	if n < 1 {
		n = 1
	}
	return &IncompleteError{Needed: n}
}

// Needed extracts the missing byte count from an incomplete error.
// It returns 0 when err does not carry one.
func Needed(err error) int {
	var ie *IncompleteError
	if errors.As(err, &ie) {
		return ie.Needed
	}
	return 0
}
