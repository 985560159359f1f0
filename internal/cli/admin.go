package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/xiy/working-memory/internal/admin"
)

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Open the terminal dashboard",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		rt, err := open(ctx)
		if err != nil {
			return err
		}
		defer rt.Close()
		return admin.Run(ctx, rt.store)
	},
}
