package cli

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Evaluate every pending item once and print the result",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := open(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		res, err := rt.svc.Sweep(cmd.Context())
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}
