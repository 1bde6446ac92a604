package core

import "strconv"

// EventCode is an anomaly raised while parsing a transaction.
// Codes are namespaced per protocol by the parser that raises them.
type EventCode uint16

// Events is the ordered event list of one transaction.
// Events are only ever appended.
type Events []EventCode

// Add appends code.
func (e *Events) Add(code EventCode) {
	*e = append(*e, code)
}

// Has reports whether code was raised.
func (e Events) Has(code EventCode) bool {
	for _, c := range e {
		if c == code {
			return true
		}
	}
	return false
}

// EventNamer maps codes to display names for one protocol.
type EventNamer map[EventCode]string

// Name returns the registered name or the numeric code.
func (n EventNamer) Name(code EventCode) string {
	if s, ok := n[code]; ok {
		return s
	}
	return "event_" + strconv.Itoa(int(code))
}
