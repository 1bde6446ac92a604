package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"firestige.xyz/applayer/internal/config"
	"firestige.xyz/applayer/internal/engine"
	"firestige.xyz/applayer/internal/metrics"
	"firestige.xyz/applayer/internal/source/defrag"
	"firestige.xyz/applayer/internal/source/file"
	"firestige.xyz/applayer/internal/source/stream"
)

var replayCmd = &cobra.Command{
	Use:   "replay <capture-file>",
	Short: "Parse the flows of a pcap or pcapng file",
	Long: `Replay a capture file through protocol detection and parsing.

TCP streams are reassembled, UDP datagrams are parsed one by one. Every
completed transaction is written to the configured sink; transactions
still open when the capture ends are flushed as they are.

Examples:
  applayer replay trace.pcap
  applayer replay -o yaml --output-path out.yaml trace.pcapng
  applayer replay --metrics-listen :9091 trace.pcap`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			exitWithError("failed to load config", err)
		}
		applyReplayFlags(cfg)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := runReplay(ctx, cfg, args[0]); err != nil {
			exitWithError("replay failed", err)
		}
	},
}

var (
	replayOutput        string
	replayOutputPath    string
	replayMetricsListen string
)

func init() {
	replayCmd.Flags().StringVarP(&replayOutput, "output", "o", "",
		"sink to use (console, yaml); overrides output.sink")
	replayCmd.Flags().StringVar(&replayOutputPath, "output-path", "",
		"file written by the yaml sink (stdout when empty)")
	replayCmd.Flags().StringVar(&replayMetricsListen, "metrics-listen", "",
		"serve Prometheus metrics on this address while replaying")
}

func applyReplayFlags(cfg *config.GlobalConfig) {
	if replayOutput != "" {
		cfg.Output.Sink = replayOutput
	}
	if replayOutputPath != "" {
		if cfg.Output.Options == nil {
			cfg.Output.Options = map[string]any{}
		}
		cfg.Output.Options["path"] = replayOutputPath
	}
	if replayMetricsListen != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Listen = replayMetricsListen
	}
}

func runReplay(ctx context.Context, cfg *config.GlobalConfig, path string) error {
	protos, err := engine.LoadProtocols(cfg.Parsers)
	if err != nil {
		return err
	}
	sink, err := engine.LoadSink(cfg.Output)
	if err != nil {
		return err
	}

	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path)
		if err := srv.Start(ctx); err != nil {
			return err
		}
		defer srv.Stop(context.Background())
	}

	src, err := file.NewSource(path)
	if err != nil {
		return err
	}
	if err := src.Start(ctx); err != nil {
		return err
	}
	defer src.Stop()

	eng := engine.New(cfg.Engine, protos, sink)
	if err := eng.Start(ctx); err != nil {
		return err
	}

	d := cfg.Engine.Defrag
	replayer := stream.NewReplayer(eng, defrag.Config{
		MaxFragments:  d.MaxFragments,
		MaxSize:       d.MaxSize,
		Timeout:       d.Timeout,
		MaxFragsPerIP: d.MaxFragsPerIP,
		RateWindow:    d.RateWindow,
	})
	stats, runErr := replayer.Run(ctx, src)
	// Flush whatever is still open even when the replay was interrupted.
	if err := eng.Stop(context.Background()); err != nil {
		return err
	}
	if runErr != nil {
		return fmt.Errorf("%s: %w", path, runErr)
	}
	slog.Debug("replay stats", "path", path, "packets", stats.Packets, "segments", stats.Segments)
	return nil
}
