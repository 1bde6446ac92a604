// Package file reads packets from a capture file. Both classic pcap and
// pcapng are accepted.
package file

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// pcapngMagic is the section header block type that starts a pcapng file.
var pcapngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
}

// Source replays a capture file.
type Source struct {
	path     string
	f        *os.File
	r        packetReader
	linkType layers.LinkType
}

// NewSource creates a file source for path. The file is opened by Start.
func NewSource(path string) (*Source, error) {
	if path == "" {
		return nil, fmt.Errorf("capture file path is required")
	}
	return &Source{path: path}, nil
}

// Start opens the capture file.
func (s *Source) Start(ctx context.Context) error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("failed to open capture file %s: %w", s.path, err)
	}
	if err := s.open(f); err != nil {
		f.Close()
		return fmt.Errorf("failed to open capture file %s: %w", s.path, err)
	}
	s.f = f
	return nil
}

// open detects the file format from its magic number.
func (s *Source) open(r io.Reader) error {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return err
	}
	if bytes.Equal(magic, pcapngMagic) {
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return err
		}
		s.r, s.linkType = ng, ng.LinkType()
		return nil
	}
	pr, err := pcapgo.NewReader(br)
	if err != nil {
		return err
	}
	s.r, s.linkType = pr, pr.LinkType()
	return nil
}

// ReadPacketData returns the next packet, io.EOF at the end of the file.
func (s *Source) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	if s.r == nil {
		return nil, gopacket.CaptureInfo{}, fmt.Errorf("file source not started")
	}
	data, ci, err := s.r.ReadPacketData()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, gopacket.CaptureInfo{}, io.EOF
		}
		return nil, gopacket.CaptureInfo{}, fmt.Errorf("failed to read packet: %w", err)
	}
	return data, ci, nil
}

// LinkType returns the link type of the file.
func (s *Source) LinkType() layers.LinkType {
	if s.r == nil {
		return layers.LinkTypeEthernet
	}
	return s.linkType
}

// Stop closes the file.
func (s *Source) Stop() error {
	s.r = nil
	if s.f != nil {
		err := s.f.Close()
		s.f = nil
		return err
	}
	return nil
}
