package daemon

import (
	"context"
	"time"

	"github.com/harun/vigil/internal/tracing"
	"github.com/harun/vigil/pkg/agent"
	"github.com/harun/vigil/pkg/commandqueue"
	"github.com/harun/vigil/pkg/gateway"
	"github.com/harun/vigil/pkg/router"
)

// Version is reported by the status RPC and the CLI.
const Version = "0.1.0"

// StatusReport is the operational snapshot returned by the status RPC.
type StatusReport struct {
	Version    string                            `json:"version"`
	Listener   string                            `json:"listener"`
	StartedAt  time.Time                         `json:"started_at"`
	UptimeSec  int64                             `json:"uptime_sec"`
	Clients    int                               `json:"clients"`
	Profiles   []router.ProfileStatus            `json:"profiles"`
	NextFires  map[string]time.Time              `json:"next_fires"`
	Queue      map[string]commandqueue.LaneStats `json:"queue"`
	ActiveRuns []agent.ActiveRun                 `json:"active_runs"`
	Pending    int                               `json:"pending_approvals"`
}

// ChatAccepted is the reply to a chat.send that does not wait.
type ChatAccepted struct {
	SessionKey string `json:"session_key"`
	Queued     bool   `json:"queued"`
	Busy       bool   `json:"busy"`
}

// runtime adapts the daemon to the gateway's control-plane interface.
type runtime struct {
	d *Daemon
}

var _ gateway.Runtime = (*runtime)(nil)

func (r *runtime) Send(ctx context.Context, req gateway.ChatRequest) (interface{}, error) {
	in := Inbound{
		SessionKey: req.SessionKey,
		Prompt:     req.Message,
		Kind:       agent.KindMessage,
		Emit:       r.d.emit,
		Source:     "gateway",
	}

	if req.Wait {
		res, err := r.d.dispatcher.Dispatch(ctx, in)
		if err != nil && res.RunID == "" {
			return nil, err
		}
		return res, nil
	}

	busy := r.d.dispatcher.IsRunning(req.SessionKey)
	// The run outlives the RPC; daemon shutdown cancels it through the queue.
	runCtx := tracing.Detach(ctx)
	done := r.d.dispatcher.Submit(runCtx, in)
	r.d.wg.Add(1)
	go func() {
		defer r.d.wg.Done()
		<-done
	}()
	return ChatAccepted{SessionKey: req.SessionKey, Queued: true, Busy: busy}, nil
}

func (r *runtime) Abort(sessionKey string) bool {
	return r.d.dispatcher.Abort(sessionKey)
}

func (r *runtime) IsRunning(sessionKey string) bool {
	return r.d.dispatcher.IsRunning(sessionKey)
}

func (r *runtime) Status(ctx context.Context) (interface{}, error) {
	return r.d.Report(), nil
}

func (r *runtime) Shutdown() {
	go func() {
		if err := r.d.Stop(); err != nil {
			r.d.logger.Error().Err(err).Msg("Failed to stop daemon")
		}
	}()
}
