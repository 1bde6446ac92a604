package cmd

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"firestige.xyz/applayer/internal/core"
	"firestige.xyz/applayer/internal/engine"
	"firestige.xyz/applayer/pkg/plugin"
)

var probeCmd = &cobra.Command{
	Use:   "probe [hex-bytes]",
	Short: "Run the protocol probes over a byte string",
	Long: `Run every enabled protocol probe over the given bytes and print the
verdicts. With --parse the bytes are also fed to each matching parser and
the resulting transactions are printed as YAML.

Bytes are given as hex (whitespace and a 0x prefix are ignored) or read
raw from --file.

Examples:
  applayer probe --transport udp 0x0102030405060708000000000000000001100200...
  applayer probe --file request.bin --parse`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			exitWithError("failed to load config", err)
		}
		data, err := probeInput(args)
		if err != nil {
			exitWithError("invalid input", err)
		}
		dir, err := parseDirection(probeDir)
		if err != nil {
			exitWithError("invalid direction", err)
		}
		transport, err := core.ParseTransport(probeTransport)
		if err != nil {
			exitWithError("invalid transport", err)
		}
		protos, err := engine.LoadProtocols(cfg.Parsers)
		if err != nil {
			exitWithError("failed to load parsers", err)
		}
		if err := runProbe(os.Stdout, protos, data, transport, dir, probeParse); err != nil {
			exitWithError("probe failed", err)
		}
	},
}

var (
	probeFile      string
	probeDir       string
	probeTransport string
	probeParse     bool
)

func init() {
	probeCmd.Flags().StringVarP(&probeFile, "file", "f", "", "read raw bytes from file")
	probeCmd.Flags().StringVarP(&probeDir, "dir", "d", "toserver", "direction (toserver, toclient)")
	probeCmd.Flags().StringVarP(&probeTransport, "transport", "t", "tcp", "transport (tcp, udp)")
	probeCmd.Flags().BoolVar(&probeParse, "parse", false, "parse the bytes with every matching parser")
}

func probeInput(args []string) ([]byte, error) {
	if probeFile != "" {
		if len(args) > 0 {
			return nil, fmt.Errorf("give either --file or hex bytes, not both")
		}
		return os.ReadFile(probeFile)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("no input bytes")
	}
	return decodeHex(args[0])
}

func decodeHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	s = strings.Join(strings.Fields(s), "")
	return hex.DecodeString(s)
}

func parseDirection(s string) (core.Direction, error) {
	switch strings.ToLower(s) {
	case "toserver", "ts":
		return core.ToServer, nil
	case "toclient", "tc":
		return core.ToClient, nil
	default:
		return 0, fmt.Errorf("%q (must be toserver or toclient): %w", s, core.ErrConfigInvalid)
	}
}

// probeDoc is the YAML shape of one parse result.
type probeDoc struct {
	Proto        string       `yaml:"proto"`
	Status       string       `yaml:"status"`
	Consumed     int          `yaml:"consumed"`
	Needed       int          `yaml:"needed,omitempty"`
	Error        string       `yaml:"error,omitempty"`
	Transactions []probeTxDoc `yaml:"transactions,omitempty"`
}

type probeTxDoc struct {
	ID     uint64            `yaml:"id"`
	Events []string          `yaml:"events,omitempty"`
	Labels map[string]string `yaml:"labels"`
}

func runProbe(w io.Writer, protos []*engine.Protocol, data []byte, transport core.Transport, dir core.Direction, parse bool) error {
	var docs []probeDoc
	for _, p := range protos {
		if p.Desc.Transport != transport {
			continue
		}
		res := plugin.ProbeNeedMore
		if len(data) >= p.Desc.MinDepth {
			res = p.Parser.Probe(data, dir)
		}
		fmt.Fprintf(w, "%-10s %s\n", p.Desc.Name, res)
		if parse && res == plugin.ProbeMatch {
			docs = append(docs, parseOnce(p, data, dir))
		}
	}
	if len(docs) == 0 {
		return nil
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(docs); err != nil {
		return err
	}
	return enc.Close()
}

// parseOnce feeds data to a fresh flow of p and collects its transactions.
func parseOnce(p *engine.Protocol, data []byte, dir core.Direction) probeDoc {
	flow := p.Parser.NewFlow()
	defer flow.Close()

	// Parsers may unmask in place.
	out := flow.Parse(append([]byte(nil), data...), dir)
	doc := probeDoc{
		Proto:    p.Desc.Name,
		Status:   out.Status.String(),
		Consumed: out.Consumed,
		Needed:   out.Needed,
	}
	if out.Err != nil {
		doc.Error = out.Err.Error()
	}
	for id := uint64(0); ; {
		cur, ok := flow.IterTx(id)
		if !ok {
			break
		}
		rec := plugin.NewRecord(p.Desc, core.FlowKey{}, cur.Tx)
		doc.Transactions = append(doc.Transactions, probeTxDoc{ID: rec.TxID, Events: rec.Events, Labels: rec.Labels})
		if !cur.HasMore {
			break
		}
		id = cur.Next
	}
	return doc
}
