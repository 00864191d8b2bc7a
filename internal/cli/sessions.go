package cli

import (
	"fmt"
	"time"

	"github.com/harun/vigil/pkg/session"
	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and delete persisted sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions known to the daemon",
	Args:  cobra.NoArgs,
	RunE:  runSessionsList,
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <session-key>",
	Short: "Delete a session and its archive",
	Long: `Delete a session, its metadata and its cold-storage archive.
Refused while a run is active on the session.`,
	Args: cobra.ExactArgs(1),
	RunE: runSessionsDelete,
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd, sessionsDeleteCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var out struct {
		Sessions []session.Info `json:"sessions"`
	}
	if err := newRPCClient(cfg.Gateway, 10*time.Second).call(cmd.Context(), "sessions.list", nil, &out); err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if len(out.Sessions) == 0 {
		fmt.Fprintln(w, "No sessions")
		return nil
	}
	for _, s := range out.Sessions {
		fmt.Fprintf(w, "%s\tturns=%d\tcompactions=%d\tlast=%s\n",
			s.Key, s.Turns, s.Compactions, s.LastActivity.Format(time.RFC3339))
	}
	return nil
}

func runSessionsDelete(cmd *cobra.Command, args []string) error {
	key := args[0]
	if err := session.ValidateKey(key); err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	params := map[string]interface{}{"sessionKey": key}
	if err := newRPCClient(cfg.Gateway, 10*time.Second).call(cmd.Context(), "sessions.delete", params, nil); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", key, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted session %s\n", key)
	return nil
}
