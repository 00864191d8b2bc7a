package cron

import (
	"context"
	"time"

	"github.com/harun/vigil/pkg/router"
)

// JobKind distinguishes the heartbeat from ordinary cron jobs.
type JobKind string

const (
	KindHeartbeat JobKind = "heartbeat"
	KindCron      JobKind = "cron"
)

// SessionTarget specifies the session context for job execution
type SessionTarget string

const (
	SessionTargetMain     SessionTarget = "main"
	SessionTargetIsolated SessionTarget = "isolated"
)

// Delivery says where a job's reply goes.
type Delivery string

const (
	// DeliveryAnnounce broadcasts the reply to connected clients.
	DeliveryAnnounce Delivery = "announce"
	// DeliveryInternal only persists the reply in the session.
	DeliveryInternal Delivery = "internal"
)

// Job status values recorded in JobState.LastStatus.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// DefaultHeartbeatPrompt is sent to the main session on every heartbeat.
const DefaultHeartbeatPrompt = "Heartbeat. Review the HEARTBEAT checklist from your workspace and act on anything that needs attention. " +
	"If nothing needs attention, reply exactly HEARTBEAT_OK."

// Schedule is either a fixed interval or a cron expression.
type Schedule struct {
	// Every is the heartbeat interval.
	Every time.Duration `json:"every,omitempty"`
	// Expr is a 5-field cron rule, @every <dur>, or a descriptor like @daily.
	Expr string `json:"expr,omitempty"`
	TZ   string `json:"tz,omitempty"`
}

// Job is one scheduled job. Jobs are declared in configuration.
type Job struct {
	ID          string        `json:"id"`
	Kind        JobKind       `json:"kind"`
	Name        string        `json:"name,omitempty"`
	Enabled     bool          `json:"enabled"`
	Schedule    Schedule      `json:"schedule"`
	Target      SessionTarget `json:"target"`
	Prompt      string        `json:"prompt"`
	Chain       router.Chain  `json:"chain,omitempty"`
	Delivery    Delivery      `json:"delivery"`
	ActiveHours *ActiveHours  `json:"active_hours,omitempty"`
}

// JobState tracks runtime state of a job
type JobState struct {
	NextRunAt         *time.Time `json:"next_run_at,omitempty"`
	LastRunAt         *time.Time `json:"last_run_at,omitempty"`
	LastStatus        string     `json:"last_status,omitempty"`
	LastError         string     `json:"last_error,omitempty"`
	LastDurationMs    int64      `json:"last_duration_ms,omitempty"`
	LastRunID         string     `json:"last_run_id,omitempty"`
	ConsecutiveErrors int        `json:"consecutive_errors,omitempty"`
	Running           bool       `json:"running,omitempty"`
}

// JobStatus is a job together with its state.
type JobStatus struct {
	Job   Job      `json:"job"`
	State JobState `json:"state"`
}

// Fire is one execution of a job.
type Fire struct {
	Job        Job       `json:"job"`
	RunID      string    `json:"run_id"`
	SessionKey string    `json:"session_key"`
	Manual     bool      `json:"manual,omitempty"`
	FiredAt    time.Time `json:"fired_at"`
}

// Handler executes a fire. It blocks until the run ends.
type Handler func(ctx context.Context, fire Fire) error

// EventAction represents the type of event
type EventAction string

const (
	EventActionStarted  EventAction = "started"
	EventActionFinished EventAction = "finished"
)

// Event represents a cron system event
type Event struct {
	Action     EventAction `json:"action"`
	JobID      string      `json:"job_id"`
	RunID      string      `json:"run_id,omitempty"`
	Status     string      `json:"status,omitempty"`
	Error      string      `json:"error,omitempty"`
	DurationMs int64       `json:"duration_ms,omitempty"`
	NextRunAt  *time.Time  `json:"next_run_at,omitempty"`
}

// ServiceOptions configures the cron service
type ServiceOptions struct {
	// StorePath is where job state is persisted as JSON.
	StorePath string
	// MainSessionKey is the session main-target jobs run in (default "main").
	MainSessionKey string
	Handler        Handler
	OnEvent        func(evt Event)
	Now            func() time.Time
}
