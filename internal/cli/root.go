package cli

import (
	"github.com/harun/vigil/internal/daemon"
	"github.com/spf13/cobra"
)

// Persistent flags shared by every subcommand.
var (
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "vigil",
	Short: "Vigil - always-resident agent runtime",
	Long: `Vigil is an always-resident agent runtime. It keeps one gateway daemon
per host that owns sessions, runs agents on a schedule and serves a websocket
control plane to local clients. Every other subcommand talks to that daemon.`,
	Version:       daemon.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "path to vigil.json (default $HOME/.vigil/vigil.json)")
	flags.StringVar(&logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")

	rootCmd.SetVersionTemplate("vigil version {{.Version}}\n")
}

// Execute runs the command named by os.Args.
func Execute() error {
	return rootCmd.Execute()
}
