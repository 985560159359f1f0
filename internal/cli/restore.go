package cli

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/xiy/working-memory/pkg/types"
)

var restoreCmd = &cobra.Command{
	Use:   "restore <item-id>",
	Short: "Restore a faded item from the dormant archive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := open(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		res, err := rt.svc.Restore(cmd.Context(), types.RestoreInput{ItemID: args[0]})
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}
