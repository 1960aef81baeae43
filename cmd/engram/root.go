package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/joho/godotenv"
	"github.com/lexlapax/engram/pkg/config"
	"github.com/lexlapax/engram/pkg/engram"
	"github.com/lexlapax/engram/pkg/log"
	"github.com/lexlapax/engram/pkg/memory"
	"github.com/spf13/cobra"
)

// rootOptions holds the persistent flags and the configuration they resolve to.
type rootOptions struct {
	configPath string
	envFile    string
	logLevel   string
	format     string

	config *config.Config
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "engram",
		Short: "Memory engine for AI agents",
		Long: "Store, recall and maintain agent memories backed by a durable store with " +
			"similarity search, a cache and a background consolidation scheduler.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load()
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to YAML configuration file (default: built-in defaults)")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", "", "Load environment variables from this file (default: .env when present)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override the configured log level")
	cmd.PersistentFlags().StringVarP(&opts.format, "format", "f", "json", "Output format: json or text")

	cmd.AddCommand(
		newStoreCmd(opts),
		newRecallCmd(opts),
		newGetCmd(opts),
		newFeedbackCmd(opts),
		newLinkCmd(opts),
		newAnnotateCmd(opts),
		newConsolidateCmd(opts),
		newExportCmd(opts),
		newServeCmd(opts),
		newShellCmd(opts),
	)
	return cmd
}

func (o *rootOptions) load() error {
	if err := loadEnvFile(o.envFile); err != nil {
		return err
	}

	var (
		cfg *config.Config
		err error
	)
	if o.configPath != "" {
		cfg, err = config.LoadFromFile(o.configPath)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return err
	}
	if o.logLevel != "" {
		cfg.Logging.Level = log.Level(strings.ToLower(o.logLevel))
	}
	log.Setup(cfg.Logging)

	switch o.format {
	case "json", "text":
	default:
		return fmt.Errorf("unsupported output format: %s", o.format)
	}

	o.config = cfg
	return nil
}

// loadEnvFile loads path, or .env when path is empty and the file exists.
func loadEnvFile(path string) error {
	if path == "" {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// open builds the engine from the resolved configuration. One-shot
// commands never start the scheduler.
func (o *rootOptions) open(cmd *cobra.Command) (*engram.Engram, error) {
	return engram.NewFromConfig(cmd.Context(), o.config)
}

// print writes v as indented JSON, or as a table of records in text mode.
func (o *rootOptions) print(w io.Writer, v interface{}) error {
	if o.format == "text" {
		switch records := v.(type) {
		case []memory.Record:
			return printRecords(w, records)
		case memory.Record:
			return printRecords(w, []memory.Record{records})
		}
	}

	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func printRecords(w io.Writer, records []memory.Record) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSCORE\tACCESS\tSOURCE\tCONTENT")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%.3f\t%d\t%s\t%s\n", r.ID, r.FeedbackScore, r.AccessCount, r.Source, oneLine(r.Content, 60))
	}
	return tw.Flush()
}

func oneLine(s string, width int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > width {
		return string(r[:width-3]) + "..."
	}
	return s
}

// parseMeta decodes a JSON object flag value.
func parseMeta(raw string) (map[string]interface{}, error) {
	if raw == "" {
		return nil, nil
	}
	var meta map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, fmt.Errorf("metadata must be a JSON object: %w", err)
	}
	return meta, nil
}

// readContent joins args, falling back to piped stdin.
func readContent(cmd *cobra.Command, args []string) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}

	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok {
		stat, err := f.Stat()
		if err != nil || stat.Mode()&os.ModeCharDevice != 0 {
			return "", nil
		}
	}
	b, err := io.ReadAll(in)
	if err != nil {
		return "", fmt.Errorf("failed to read stdin: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}
