package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove stale run state left behind by crashed sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.close()

		removed, err := rt.track.Sweep(cmd.Context(), rt.cfg.Redis.SweepAge)
		if err != nil {
			return err
		}
		fmt.Printf("removed %d stale run states\n", removed)
		return nil
	},
}
