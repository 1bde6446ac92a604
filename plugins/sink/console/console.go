// Package console implements a sink that prints transactions to stdout,
// one line each, for debugging.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"firestige.xyz/applayer/pkg/plugin"
)

// Sink prints records in a human-readable format.
type Sink struct {
	name    string
	format  string // "text" or "log"
	out     io.Writer
	mu      sync.Mutex
	w       *bufio.Writer
	emitted atomic.Uint64
}

// NewSink creates a console sink.
func NewSink() plugin.Sink {
	return &Sink{
		name:   "console",
		format: "text",
		out:    os.Stdout,
	}
}

// Name returns the plugin name.
func (s *Sink) Name() string { return s.name }

// Init initializes the sink with configuration.
func (s *Sink) Init(config map[string]any) error {
	if config == nil {
		return nil
	}
	if format, ok := config["format"].(string); ok {
		if format != "text" && format != "log" {
			return fmt.Errorf("invalid format %q, must be text or log", format)
		}
		s.format = format
	}
	return nil
}

// Start starts the sink.
func (s *Sink) Start(ctx context.Context) error {
	s.w = bufio.NewWriter(s.out)
	slog.Debug("console sink started", "format", s.format)
	return nil
}

// Stop flushes buffered output.
func (s *Sink) Stop(ctx context.Context) error {
	slog.Debug("console sink stopped", "total_emitted", s.emitted.Load())
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return nil
	}
	return s.w.Flush()
}

// Emit prints one record.
func (s *Sink) Emit(rec plugin.Record) error {
	s.emitted.Add(1)
	if s.format == "log" {
		slog.Info("transaction",
			"proto", rec.Proto, "flow", rec.Flow.String(), "tx_id", rec.TxID,
			"events", rec.Events, "labels", map[string]string(rec.Labels))
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == nil {
		return fmt.Errorf("console sink not started")
	}
	_, err := io.WriteString(s.w, formatText(rec))
	return err
}

// formatText renders a record as a single line with sorted labels.
func formatText(rec plugin.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s tx=%d", rec.Proto, rec.Flow, rec.TxID)
	if len(rec.Events) > 0 {
		fmt.Fprintf(&b, " events=%s", strings.Join(rec.Events, ","))
	}
	keys := make([]string, 0, len(rec.Labels))
	for k := range rec.Labels {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%q", k, rec.Labels[k])
	}
	b.WriteByte('\n')
	return b.String()
}
