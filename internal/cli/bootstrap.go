package cli

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/xiy/working-memory/internal/bootstrap"
)

var bootstrapOpts bootstrap.Options

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap-clis",
	Short: "Register the MCP server with installed agent CLIs",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := bootstrapOpts
		abs, err := filepath.Abs(configPath)
		if err != nil {
			return err
		}
		opts.ConfigPath = abs
		return bootstrap.Bootstrap(log.New(os.Stderr), opts, nil)
	},
}

func init() {
	f := bootstrapCmd.Flags()
	f.StringVar(&bootstrapOpts.Scope, "scope", "user", "Config scope: user or project")
	f.StringVar(&bootstrapOpts.ServerName, "server-name", bootstrap.DefaultServerName, "MCP server registration name")
	f.StringVar(&bootstrapOpts.ServeCmd, "serve-command", bootstrap.DefaultServeCmd, "Command used by MCP clients to launch the stdio server")
	f.StringSliceVar(&bootstrapOpts.Clients, "client", nil, "CLI to configure, repeatable ("+strings.Join(bootstrap.KnownClients(), ", ")+"); default all")
	f.BoolVar(&bootstrapOpts.DryRun, "dry-run", false, "Print intended commands without executing")
}
