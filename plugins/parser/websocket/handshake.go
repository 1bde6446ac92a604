package websocket

import (
	"bufio"
	"bytes"
	"fmt"
	"net/http"
	"strings"

	"firestige.xyz/applayer/internal/core"
	"firestige.xyz/applayer/internal/mimeparam"
)

const maxHandshakeSize = 16 * 1024

var (
	headerEnd  = []byte("\r\n\r\n")
	prefixGet  = []byte("GET ")
	prefixHTTP = []byte("HTTP/")
)

// Handshake holds the HTTP upgrade exchange that precedes framing.
type Handshake struct {
	Method     string
	URI        string
	Host       string
	Key        string
	Version    string
	Protocols  string
	Extensions string // as offered by the client

	StatusCode int
	Accept     string
	Accepted   string // Sec-WebSocket-Extensions returned by the server
	Protocol   string
}

// Deflate is the negotiated permessage-deflate configuration.
type Deflate struct {
	Enabled bool
	// NoContextTakeover is indexed by core.Direction.Index(): the sender in
	// that direction resets its compression window after each message.
	NoContextTakeover [2]bool
}

// httpPrefix reports whether b starts (or could start) with the HTTP head
// expected in dir. partial is set when b is too short to tell.
func httpPrefix(b []byte, dir core.Direction) (match, partial bool) {
	want := prefixGet
	if dir == core.ToClient {
		want = prefixHTTP
	}
	if len(b) >= len(want) {
		return bytes.HasPrefix(b, want), false
	}
	return bytes.HasPrefix(want, b), true
}

// splitHead returns the length of the HTTP head (including the blank line)
// at the start of b.
func splitHead(b []byte) (int, error) {
	end := bytes.Index(b, headerEnd)
	if end < 0 {
		if len(b) > maxHandshakeSize {
			return 0, fmt.Errorf("websocket: handshake exceeds %d bytes: %w", maxHandshakeSize, core.ErrMalformed)
		}
		return 0, core.Incomplete(1)
	}
	return end + len(headerEnd), nil
}

func parseRequest(head []byte) (*Handshake, error) {
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(head)))
	if err != nil {
		return nil, fmt.Errorf("websocket: upgrade request: %v: %w", err, core.ErrMalformed)
	}
	return &Handshake{
		Method:     req.Method,
		URI:        req.RequestURI,
		Host:       req.Host,
		Key:        req.Header.Get("Sec-WebSocket-Key"),
		Version:    req.Header.Get("Sec-WebSocket-Version"),
		Protocols:  req.Header.Get("Sec-WebSocket-Protocol"),
		Extensions: strings.Join(req.Header.Values("Sec-WebSocket-Extensions"), ", "),
	}, nil
}

func parseResponse(head []byte, hs *Handshake) error {
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(head)), nil)
	if err != nil {
		return fmt.Errorf("websocket: upgrade response: %v: %w", err, core.ErrMalformed)
	}
	resp.Body.Close()
	hs.StatusCode = resp.StatusCode
	hs.Accept = resp.Header.Get("Sec-WebSocket-Accept")
	hs.Protocol = resp.Header.Get("Sec-WebSocket-Protocol")
	hs.Accepted = strings.Join(resp.Header.Values("Sec-WebSocket-Extensions"), ", ")
	return nil
}

// isUpgrade reports whether a request head asks for a websocket upgrade.
func isUpgrade(head []byte) bool {
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(head)))
	if err != nil {
		return false
	}
	return strings.EqualFold(req.Header.Get("Upgrade"), "websocket")
}

// negotiate extracts permessage-deflate settings from the extensions the
// server accepted. Extensions are comma separated; each is a ';' separated
// parameter list whose first token is the extension name.
func negotiate(accepted string) Deflate {
	var d Deflate
	for _, ext := range strings.Split(accepted, ",") {
		params := mimeparam.Parse(ext)
		if len(params) == 0 || !strings.EqualFold(params[0].Name, "permessage-deflate") {
			continue
		}
		d.Enabled = true
		if _, ok := mimeparam.LookupParams(params[1:], "client_no_context_takeover"); ok {
			d.NoContextTakeover[core.ToServer.Index()] = true
		}
		if _, ok := mimeparam.LookupParams(params[1:], "server_no_context_takeover"); ok {
			d.NoContextTakeover[core.ToClient.Index()] = true
		}
		break
	}
	return d
}
