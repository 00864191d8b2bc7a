package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/harun/vigil/internal/daemon"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long:  `Show the listener, provider profile health, next scheduled fires and queue depth of the running daemon.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()

	var report daemon.StatusReport
	err = newRPCClient(cfg.Gateway, 5*time.Second).call(ctx, "status", nil, &report)
	if errors.Is(err, ErrDaemonNotRunning) {
		fmt.Fprintln(cmd.OutOrStdout(), "Status: stopped")
		return nil
	}
	if err != nil {
		return err
	}

	printStatus(cmd.OutOrStdout(), report)
	return nil
}

func printStatus(w io.Writer, r daemon.StatusReport) {
	fmt.Fprintf(w, "Status: running\n")
	fmt.Fprintf(w, "Version: %s\n", r.Version)
	fmt.Fprintf(w, "Listener: %s\n", r.Listener)
	fmt.Fprintf(w, "Uptime: %s\n", formatDuration(time.Duration(r.UptimeSec)*time.Second))
	fmt.Fprintf(w, "Clients: %d\n", r.Clients)

	fmt.Fprintln(w, "Profiles:")
	for _, p := range r.Profiles {
		line := fmt.Sprintf("  %s (%s, priority %d): %s", p.ID, p.Provider, p.Priority, p.Health)
		if p.CooldownUntil != nil {
			line += fmt.Sprintf(" until %s", p.CooldownUntil.Format(time.RFC3339))
		}
		fmt.Fprintln(w, line)
	}

	fmt.Fprintln(w, "Next fires:")
	ids := make([]string, 0, len(r.NextFires))
	for id := range r.NextFires {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintf(w, "  %s: %s\n", id, r.NextFires[id].Format(time.RFC3339))
	}

	lanes := make([]string, 0, len(r.Queue))
	for lane := range r.Queue {
		lanes = append(lanes, lane)
	}
	sort.Strings(lanes)
	fmt.Fprintln(w, "Queue:")
	for _, lane := range lanes {
		s := r.Queue[lane]
		fmt.Fprintf(w, "  %s: %d running, %d queued\n", lane, s.Running, s.Queued)
	}

	fmt.Fprintf(w, "Active runs: %d\n", len(r.ActiveRuns))
	if r.Pending > 0 {
		fmt.Fprintf(w, "Pending approvals: %d\n", r.Pending)
	}
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
