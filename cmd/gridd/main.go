package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gridlink/gridlink/internal/config"
	"github.com/gridlink/gridlink/internal/daemon"
)

func main() {
	root := &cobra.Command{
		Use:          "gridd",
		Short:        "gridlink node daemon",
		Long:         "Runs the local node: the resource registry, shared processes and terminals, the coordinator event bus, peer connections and relay tunnels. The grid CLI talks to it over a unix socket in the state directory.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			if dir == "" {
				d, err := config.Dir()
				if err != nil {
					return err
				}
				dir = d
			}
			cfg, err := config.Load(dir)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
				cfg.Logging.Level = lvl
			}
			return daemon.Run(dir, cfg)
		},
	}
	root.Flags().String("dir", "", "state directory (default $GRIDLINK_HOME or ~/.gridlink)")
	root.Flags().String("log-level", "", "override logging.level")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
