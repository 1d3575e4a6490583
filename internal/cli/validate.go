package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/signalsfoundry/ran-scheduler/internal/config"
)

func newValidateCmd(opts *rootOptions) *cobra.Command {
	var printCfg bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a configuration file without starting any cell",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := opts.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if printCfg {
				data, err := config.Marshal(cfg)
				if err != nil {
					return err
				}
				_, err = out.Write(data)
				return err
			}
			mode, _ := cfg.ClockMode()
			fmt.Fprintf(out, "%s: OK (%d cells, %d UEs, %s clock)\n", opts.configPath, len(cfg.Cells), len(cfg.UEs), mode)
			return nil
		},
	}

	cmd.Flags().BoolVar(&printCfg, "print", false, "Print the effective configuration, defaults and environment overrides applied")
	return cmd
}
