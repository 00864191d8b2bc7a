package cli

import (
	"fmt"
	"time"

	"github.com/harun/vigil/pkg/cron"
	"github.com/spf13/cobra"
)

var cronCmd = &cobra.Command{
	Use:   "cron",
	Short: "Inspect and trigger scheduled jobs",
}

var cronListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scheduled jobs and their next fire time",
	Args:  cobra.NoArgs,
	RunE:  runCronList,
}

var cronRunCmd = &cobra.Command{
	Use:   "run <job-id>",
	Short: "Fire a job immediately",
	Args:  cobra.ExactArgs(1),
	RunE:  runCronRun,
}

func init() {
	cronCmd.AddCommand(cronListCmd, cronRunCmd)
	rootCmd.AddCommand(cronCmd)
}

func runCronList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var out struct {
		Jobs []cron.JobStatus `json:"jobs"`
	}
	if err := newRPCClient(cfg.Gateway, 10*time.Second).call(cmd.Context(), "cron.list", nil, &out); err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	for _, js := range out.Jobs {
		next := "-"
		if js.State.NextRunAt != nil {
			next = js.State.NextRunAt.Format(time.RFC3339)
		}
		last := js.State.LastStatus
		if last == "" {
			last = "never"
		}
		fmt.Fprintf(w, "%s\t%s\tenabled=%t\tnext=%s\tlast=%s\n", js.Job.ID, js.Job.Kind, js.Job.Enabled, next, last)
	}
	return nil
}

func runCronRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var out struct {
		RunID      string `json:"runId"`
		SessionKey string `json:"sessionKey"`
	}
	params := map[string]interface{}{"jobId": args[0]}
	if err := newRPCClient(cfg.Gateway, 10*time.Second).call(cmd.Context(), "cron.run", params, &out); err != nil {
		return fmt.Errorf("failed to run job %s: %w", args[0], err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Started %s (run %s, session %s)\n", args[0], out.RunID, out.SessionKey)
	return nil
}
