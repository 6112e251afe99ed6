package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <session-id>",
	Short: "Flag a running session for cooperative cancellation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.close()

		if err := rt.track.Cancel(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("session %s flagged for cancellation\n", args[0])
		return nil
	},
}
