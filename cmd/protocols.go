package cmd

import (
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"firestige.xyz/applayer/internal/engine"
)

var protocolsCmd = &cobra.Command{
	Use:   "protocols",
	Short: "List the enabled protocol parsers",
	Long: `List the enabled protocol parsers with their effective transport,
default ports, probing depth, completion progress and event names.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			exitWithError("failed to load config", err)
		}
		protos, err := engine.LoadProtocols(cfg.Parsers)
		if err != nil {
			exitWithError("failed to load parsers", err)
		}
		if err := runProtocols(os.Stdout, protos, protocolsFormat); err != nil {
			exitWithError("failed to list protocols", err)
		}
	},
}

var protocolsFormat string

func init() {
	protocolsCmd.Flags().StringVarP(&protocolsFormat, "format", "o", "table", "output format (table, yaml)")
}

// protocolDoc is the YAML shape of one descriptor.
type protocolDoc struct {
	Name       string   `yaml:"name"`
	Transport  string   `yaml:"transport"`
	Ports      []uint16 `yaml:"ports"`
	MinDepth   int      `yaml:"min_depth"`
	MaxDepth   int      `yaml:"max_depth"`
	Completion [2]int   `yaml:"completion,flow"`
	Events     []string `yaml:"events,omitempty"`
}

func runProtocols(w io.Writer, protos []*engine.Protocol, format string) error {
	docs := make([]protocolDoc, 0, len(protos))
	for _, p := range protos {
		d := p.Desc
		doc := protocolDoc{
			Name:       d.Name,
			Transport:  d.Transport.String(),
			Ports:      d.DefaultPorts,
			MinDepth:   d.MinDepth,
			MaxDepth:   d.MaxDepth,
			Completion: d.Completion,
		}
		for _, name := range d.Events {
			doc.Events = append(doc.Events, name)
		}
		sort.Strings(doc.Events)
		docs = append(docs, doc)
	}

	switch format {
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(docs); err != nil {
			return err
		}
		return enc.Close()
	case "table", "":
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tTRANSPORT\tPORTS\tDEPTH\tCOMPLETION\tEVENTS")
		for _, d := range docs {
			fmt.Fprintf(tw, "%s\t%s\t%v\t%d-%d\t%d/%d\t%d\n",
				d.Name, d.Transport, d.Ports, d.MinDepth, d.MaxDepth,
				d.Completion[0], d.Completion[1], len(d.Events))
		}
		return tw.Flush()
	default:
		return fmt.Errorf("unsupported format %q (must be table or yaml)", format)
	}
}
