package daemon

import (
	"context"
	"fmt"
	"strings"

	"github.com/harun/vigil/internal/tracing"
	"github.com/harun/vigil/pkg/agent"
	"github.com/harun/vigil/pkg/cron"
	"github.com/harun/vigil/pkg/workspace"
	"github.com/rs/zerolog/log"
)

// EventCron carries scheduler lifecycle events to clients.
const EventCron = "cron"

// handleFire runs one scheduler fire through the session lanes and blocks
// until the run ends.
func (d *Daemon) handleFire(ctx context.Context, fire cron.Fire) error {
	kind := agent.KindCron
	prompt := fire.Job.Prompt
	if fire.Job.Kind == cron.KindHeartbeat {
		kind = agent.KindHeartbeat
		prompt = d.heartbeatPrompt(ctx, prompt)
	}

	res, err := d.dispatcher.Dispatch(ctx, Inbound{
		AgentID:    d.jobAgents[fire.Job.ID],
		SessionKey: fire.SessionKey,
		Prompt:     prompt,
		Kind:       kind,
		Chain:      fire.Job.Chain,
		Emit:       d.deliveryEmitter(fire.Job.Delivery),
		Source:     "scheduler:" + fire.Job.ID,
	})
	if err != nil {
		return err
	}
	if res.Outcome == agent.OutcomeAborted {
		return fmt.Errorf("run %s aborted", res.RunID)
	}
	return nil
}

// heartbeatPrompt appends the workspace heartbeat checklist to the prompt.
func (d *Daemon) heartbeatPrompt(ctx context.Context, prompt string) string {
	if d.workspace == nil {
		return prompt
	}
	checklist, err := d.workspace.ReadField(workspace.FieldHeartbeat)
	if err != nil {
		logger := tracing.LoggerFromContext(ctx, log.Logger)
		logger.Warn().Err(err).Msg("Failed to read heartbeat checklist")
		return prompt
	}
	checklist = strings.TrimSpace(checklist)
	if checklist == "" {
		return prompt
	}
	return prompt + "\n\nHEARTBEAT checklist:\n" + checklist
}

// deliveryEmitter returns the event sink for a scheduled run. Internal
// delivery only persists; announce forwards chat events to clients. Lifecycle
// events of scheduled runs are reported through the cron event instead.
func (d *Daemon) deliveryEmitter(delivery cron.Delivery) agent.EventFunc {
	if delivery == cron.DeliveryInternal {
		return nil
	}
	return func(ctx context.Context, event string, data map[string]any) {
		if !strings.HasPrefix(event, "chat.") {
			return
		}
		d.emit(ctx, event, data)
	}
}

func (d *Daemon) handleCronEvent(evt cron.Event) {
	data := map[string]any{
		"action": string(evt.Action),
		"job_id": evt.JobID,
		"run_id": evt.RunID,
	}
	if evt.Action == cron.EventActionFinished {
		data["status"] = evt.Status
		data["duration_ms"] = evt.DurationMs
		if evt.Error != "" {
			data["error"] = evt.Error
		}
		if evt.NextRunAt != nil {
			data["next_run_at"] = *evt.NextRunAt
		}
	}
	d.emit(context.Background(), EventCron, data)
}
