package cli

import (
	"fmt"

	"github.com/harun/vigil/internal/daemon"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "vigil version %s\n", daemon.Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
