package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	stopTimeout int
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the Vigil daemon",
	Long: `Stop the Vigil daemon gracefully.
Sends a daemon.stop request over the control plane and waits until the
listener is released.`,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().IntVar(&stopTimeout, "timeout", 30, "timeout in seconds to wait for daemon to stop")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	client := newRPCClient(cfg.Gateway, 5*time.Second)
	err = client.call(cmd.Context(), "daemon.stop", nil, nil)
	if errors.Is(err, ErrDaemonNotRunning) {
		fmt.Fprintln(cmd.OutOrStdout(), "Daemon is not running")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to request stop: %w", err)
	}

	deadline := time.Now().Add(time.Duration(stopTimeout) * time.Second)
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithTimeout(cmd.Context(), time.Second)
		err := client.call(ctx, "status", nil, nil)
		cancel()
		if errors.Is(err, ErrDaemonNotRunning) {
			fmt.Fprintln(cmd.OutOrStdout(), "Daemon stopped successfully")
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}

	return fmt.Errorf("daemon did not stop within %ds", stopTimeout)
}
