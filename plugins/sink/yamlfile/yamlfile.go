// Package yamlfile implements a sink that writes transactions as a stream
// of YAML documents.
package yamlfile

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"firestige.xyz/applayer/pkg/plugin"
)

// Config is the sink configuration.
type Config struct {
	Path   string `mapstructure:"path"` // empty or "-" = stdout
	Append bool   `mapstructure:"append"`
}

// document is the YAML shape of one record.
type document struct {
	Proto  string            `yaml:"proto"`
	Flow   string            `yaml:"flow"`
	TxID   uint64            `yaml:"tx_id"`
	Events []string          `yaml:"events,omitempty"`
	Labels map[string]string `yaml:"labels"`
}

// Sink encodes records to a file or stdout.
type Sink struct {
	name string
	cfg  Config

	mu    sync.Mutex
	out   io.Writer
	close func() error
	enc   *yaml.Encoder
	count int
}

// NewSink creates a YAML sink.
func NewSink() plugin.Sink {
	return &Sink{name: "yaml"}
}

// Name returns the plugin name.
func (s *Sink) Name() string { return s.name }

// Init decodes the sink configuration.
func (s *Sink) Init(config map[string]any) error {
	if err := mapstructure.WeakDecode(config, &s.cfg); err != nil {
		return fmt.Errorf("yaml sink config: %w", err)
	}
	return nil
}

// Start opens the output.
func (s *Sink) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.out == nil {
		if s.cfg.Path == "" || s.cfg.Path == "-" {
			s.out = os.Stdout
		} else {
			flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
			if s.cfg.Append {
				flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
			}
			f, err := os.OpenFile(s.cfg.Path, flags, 0644)
			if err != nil {
				return fmt.Errorf("yaml sink: %w", err)
			}
			s.out, s.close = f, f.Close
		}
	}
	s.enc = yaml.NewEncoder(s.out)
	s.enc.SetIndent(2)
	return nil
}

// Stop flushes the encoder and closes the output file.
func (s *Sink) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if s.enc != nil {
		err = s.enc.Close()
		s.enc = nil
	}
	if s.close != nil {
		if cerr := s.close(); err == nil {
			err = cerr
		}
		s.close = nil
	}
	slog.Debug("yaml sink stopped", "path", s.cfg.Path, "documents", s.count)
	return err
}

// Emit writes one YAML document.
func (s *Sink) Emit(rec plugin.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enc == nil {
		return fmt.Errorf("yaml sink not started")
	}
	doc := document{
		Proto:  rec.Proto,
		Flow:   rec.Flow.String(),
		TxID:   rec.TxID,
		Events: rec.Events,
		Labels: rec.Labels,
	}
	if err := s.enc.Encode(&doc); err != nil {
		return fmt.Errorf("yaml sink: %w", err)
	}
	s.count++
	return nil
}
