// Package cli implements the ransched command line.
package cli

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/signalsfoundry/ran-scheduler/internal/config"
	"github.com/signalsfoundry/ran-scheduler/internal/logging"
)

// rootOptions are the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string
	debug      bool
}

// defaultConfigPath returns the config path, checking RANSCHED_CONFIG first.
func defaultConfigPath() string {
	if p := os.Getenv("RANSCHED_CONFIG"); p != "" {
		return p
	}
	return "ransched.yaml"
}

// NewRootCmd creates the root cobra command for the ransched CLI.
func NewRootCmd(version string) *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:          "ransched",
		Short:        "Slot-level MAC scheduler for NR cells",
		Long:         "ransched decides, every slot, which UEs get control and data grants on each configured cell.",
		Version:      version,
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", defaultConfigPath(), "Configuration file (or RANSCHED_CONFIG env)")
	pf.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides the config file")
	pf.StringVar(&opts.logFormat, "log-format", "", "Log format (text, json); overrides the config file")
	pf.BoolVar(&opts.debug, "debug", false, "Enable debug logging")

	root.AddCommand(
		newRunCmd(opts, version),
		newSimulateCmd(opts),
		newValidateCmd(opts),
	)
	return root
}

// load reads the configuration and builds the logger writing to w.
func (o *rootOptions) load(w io.Writer) (config.Config, logging.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, nil, err
	}
	lc := logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format}
	if o.logLevel != "" {
		lc.Level = o.logLevel
	}
	if o.logFormat != "" {
		lc.Format = o.logFormat
	}
	if o.debug {
		lc.Level = "debug"
	}
	return cfg, logging.NewWithWriter(w, lc), nil
}
