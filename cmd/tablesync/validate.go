package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check rule configuration without executing anything",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.close()

		errs := rt.orch.Validate(cmd.Context())
		if len(errs) == 0 {
			fmt.Println("all active rules are valid")
			return nil
		}
		for _, e := range errs {
			fmt.Println(e)
		}
		return fmt.Errorf("%d invalid rules", len(errs))
	},
}
