// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"firestige.xyz/applayer/internal/config"
	"firestige.xyz/applayer/internal/log"
	_ "firestige.xyz/applayer/plugins" // built-in parsers and sinks
)

var (
	// Global flags
	configFile string
	logLevel   string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "applayer",
	Short: "applayer - application-layer protocol analysis",
	Long: `applayer parses application-layer protocols out of reassembled network flows.
It detects the protocol of each flow by probing its first bytes, decodes
messages into transactions and emits completed transactions to a sink.

Protocols: WebSocket (with permessage-deflate), NFSv2 over ONC-RPC, IKEv1/ISAKMP.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (defaults only when empty)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"override log.level")

	// Add subcommands
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(protocolsCmd)
	rootCmd.AddCommand(validateCmd)
}

// loadConfig loads the global configuration and initializes logging.
func loadConfig() (*config.GlobalConfig, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := log.Init(cfg.Log); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	return cfg, nil
}

// exitWithError prints error message and exits with code 1
func exitWithError(msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}
