package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"firestige.xyz/applayer/internal/config"
	"firestige.xyz/applayer/internal/engine"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Validate a configuration file without replaying anything.

Besides the schema checks, every enabled parser and the configured sink are
instantiated with their options, so parser-specific mistakes are reported
too.

Examples:
  applayer validate -f applayer.yaml`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runValidate(os.Stdout, validateConfigFile); err != nil {
			fmt.Fprintf(os.Stderr, "INVALID: %v\n", err)
			os.Exit(1)
		}
	},
}

var validateConfigFile string

func init() {
	validateCmd.Flags().StringVarP(&validateConfigFile, "file", "f", "",
		"configuration file to validate (required)")
	validateCmd.MarkFlagRequired("file")
}

func runValidate(w io.Writer, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	protos, err := engine.LoadProtocols(cfg.Parsers)
	if err != nil {
		return err
	}
	if _, err := engine.LoadSink(cfg.Output); err != nil {
		return err
	}
	fmt.Fprintf(w, "VALID: %s: %d parser(s), sink %q\n", path, len(protos), cfg.Output.Sink)
	return nil
}
