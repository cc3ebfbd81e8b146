// nodescoped collects storage node logs and status, and alerts on
// reputation, capacity and performance problems.
package main

import (
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/xtxerr/nodescope/internal/errors"
	"github.com/xtxerr/nodescope/internal/loader"
	"github.com/xtxerr/nodescope/internal/logging"
)

// Version is set at build time via ldflags
var Version = "dev"

var log = logging.Component("main")

// options are the flags shared by all commands.
type options struct {
	configPath string
	nodes      []string
	dbPath     string
	logLevel   string
	logFormat  string

	// daemon only
	ingestOnly    bool
	streamListen  string
	metricsListen string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "nodescoped",
		Short:         "Storage node telemetry collector",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), opts)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", "nodescope.yaml", "config file path")
	pf.StringArrayVarP(&opts.nodes, "node", "n", nil, "node spec name=path|host:port[,api=URL] (repeatable)")
	pf.StringVar(&opts.dbPath, "db", "", "database path (overrides config)")
	pf.StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error (overrides config)")
	pf.StringVar(&opts.logFormat, "log-format", "", "text, json or auto (overrides config)")

	f := root.Flags()
	f.BoolVar(&opts.ingestOnly, "ingest-only", false, "ingest historical logs from the start and exit")
	f.StringVar(&opts.streamListen, "listen", "", "live stream listen address (overrides config)")
	f.StringVar(&opts.metricsListen, "metrics-listen", "", "metrics listen address (overrides config)")

	root.AddCommand(newAlertsCmd(opts), newWatchCmd(), newCheckCmd(opts))
	return root
}

// loadConfig reads the config file, applies flag overrides and validates
// the result. A missing config file is not an error when nodes come from
// the command line.
func loadConfig(opts *options) (*loader.Config, error) {
	cfg, err := loader.Load(opts.configPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		cfg = loader.DefaultConfig()
	}

	if err := loader.ApplyNodeSpecs(cfg, opts.nodes); err != nil {
		return nil, err
	}
	if opts.dbPath != "" {
		cfg.Store.Path = opts.dbPath
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if opts.logFormat != "" {
		cfg.Logging.Format = opts.logFormat
	}
	if opts.streamListen != "" {
		cfg.Broadcast.Listen = opts.streamListen
	}
	if opts.metricsListen != "" {
		cfg.Metrics.Listen = opts.metricsListen
	}

	if err := loader.Validate(cfg); err != nil {
		return nil, err
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	return cfg, nil
}

// newCheckCmd validates the configuration without starting anything.
func newCheckCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and print the nodes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, n := range cfg.Nodes {
				fmt.Fprintln(out, n.String())
			}
			fmt.Fprintf(out, "%d node(s), configuration ok\n", len(cfg.Nodes))
			return nil
		},
	}
}
