package cron

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/vigil/internal/observability"
	"github.com/harun/vigil/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

var (
	ErrJobNotFound    = errors.New("job not found")
	ErrJobRunning     = errors.New("job is already running")
	ErrServiceStopped = errors.New("service is stopped")
)

type entry struct {
	job   Job
	sched compiled
	state JobState
	timer *time.Timer
}

// Service fires configured jobs. A failed or skipped run never triggers a
// catch-up: the job simply waits for its next natural fire time.
type Service struct {
	options ServiceOptions

	mu      sync.Mutex
	jobs    map[string]*entry
	started bool
	stopped bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewService validates jobs and restores their persisted state.
func NewService(jobs []Job, opts ServiceOptions) (*Service, error) {
	observability.EnsureRegistered()

	if opts.Handler == nil {
		return nil, fmt.Errorf("job handler is required")
	}
	if opts.MainSessionKey == "" {
		opts.MainSessionKey = "main"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		options: opts,
		jobs:    make(map[string]*entry, len(jobs)),
		ctx:     ctx,
		cancel:  cancel,
	}

	for _, j := range jobs {
		if err := j.Validate(); err != nil {
			cancel()
			return nil, err
		}
		if _, dup := s.jobs[j.ID]; dup {
			cancel()
			return nil, fmt.Errorf("duplicate job id %q", j.ID)
		}
		sched, _ := compile(j.Schedule)
		s.jobs[j.ID] = &entry{job: j, sched: sched}
	}

	if err := s.loadState(); err != nil {
		log.Warn().Err(err).Msg("Failed to load job state, starting fresh")
	}

	log.Info().Int("jobCount", len(s.jobs)).Msg("Cron service initialized")
	return s, nil
}

// Start arms timers for all enabled jobs.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return ErrServiceStopped
	}
	if s.started {
		return nil
	}
	s.started = true

	for _, e := range s.jobs {
		if e.job.Enabled {
			s.scheduleLocked(e)
		}
	}
	if err := s.persistLocked(); err != nil {
		log.Warn().Err(err).Msg("Failed to persist job state")
	}
	return nil
}

// Stop cancels timers and in-flight runs, waits for them, and persists state.
func (s *Service) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	for _, e := range s.jobs {
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.persistLocked(); err != nil {
		return err
	}
	log.Info().Msg("Cron service stopped")
	return nil
}

// RunJob fires a job now, outside its schedule. The run proceeds in the
// background; the returned Fire names its run and session.
func (s *Service) RunJob(id string) (Fire, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return Fire{}, ErrServiceStopped
	}
	e, ok := s.jobs[id]
	if !ok {
		return Fire{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if e.state.Running {
		return Fire{}, fmt.Errorf("%w: %s", ErrJobRunning, id)
	}

	fire := s.newFire(e.job, true)
	s.beginLocked(e)
	go s.execute(e, fire)
	return fire, nil
}

// Jobs returns every job with its state, sorted by id.
func (s *Service) Jobs() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]JobStatus, 0, len(s.jobs))
	for _, e := range s.jobs {
		out = append(out, JobStatus{Job: e.job, State: e.state})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Job.ID < out[j].Job.ID })
	return out
}

// Job returns one job.
func (s *Service) Job(id string) (JobStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.jobs[id]
	if !ok {
		return JobStatus{}, false
	}
	return JobStatus{Job: e.job, State: e.state}, true
}

// NextFireTimes maps each armed job to its next fire time.
func (s *Service) NextFireTimes() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]time.Time, len(s.jobs))
	for id, e := range s.jobs {
		if e.state.NextRunAt != nil {
			out[id] = *e.state.NextRunAt
		}
	}
	return out
}

// SessionKey returns the session a fire of job runs in.
func (s *Service) SessionKey(job Job, runID string) string {
	if job.Target == SessionTargetMain {
		return s.options.MainSessionKey
	}
	return fmt.Sprintf("cron:%s:%s", job.ID, runID)
}

func (s *Service) newFire(job Job, manual bool) Fire {
	runID := uuid.NewString()
	return Fire{
		Job:        job,
		RunID:      runID,
		SessionKey: s.SessionKey(job, runID),
		Manual:     manual,
		FiredAt:    s.options.Now(),
	}
}

// scheduleLocked arms the job's timer for its next natural fire time.
func (s *Service) scheduleLocked(e *entry) {
	now := s.options.Now()
	next := e.sched.Next(now)
	if next.IsZero() {
		log.Warn().Str("jobId", e.job.ID).Msg("Schedule has no future fire time")
		e.state.NextRunAt = nil
		return
	}
	e.state.NextRunAt = &next

	delay := next.Sub(now)
	if delay < 0 {
		delay = 0
	}
	e.timer = time.AfterFunc(delay, func() { s.onTimer(e.job.ID) })

	log.Debug().
		Str("jobId", e.job.ID).
		Dur("delay", delay).
		Time("nextRun", next).
		Msg("Job scheduled")
}

func (s *Service) onTimer(id string) {
	s.mu.Lock()
	e, ok := s.jobs[id]
	if !ok || s.stopped {
		s.mu.Unlock()
		return
	}
	e.timer = nil

	now := s.options.Now()
	switch {
	case e.state.Running:
		s.skipLocked(e, now, "previous run still in progress")
	case e.job.ActiveHours != nil && !e.job.ActiveHours.Contains(now):
		s.skipLocked(e, now, "outside active hours")
	default:
		fire := s.newFire(e.job, false)
		s.beginLocked(e)
		go s.execute(e, fire)
	}

	s.scheduleLocked(e)
	s.mu.Unlock()
}

func (s *Service) skipLocked(e *entry, now time.Time, reason string) {
	log.Debug().Str("jobId", e.job.ID).Str("reason", reason).Msg("Job fire skipped")
	observability.RecordSchedulerFire(string(e.job.Kind), StatusSkipped)
	if !e.state.Running {
		e.state.LastStatus = StatusSkipped
		e.state.LastError = reason
		e.state.LastRunAt = &now
	}
}

func (s *Service) beginLocked(e *entry) {
	e.state.Running = true
	s.wg.Add(1)
}

func (s *Service) execute(e *entry, fire Fire) {
	defer s.wg.Done()

	ctx := tracing.WithJobID(s.ctx, fire.Job.ID)
	ctx, span := tracing.StartSpan(ctx, "vigil.cron", "cron.fire",
		attribute.String("job_id", fire.Job.ID),
		attribute.String("kind", string(fire.Job.Kind)),
		attribute.String("session_key", fire.SessionKey),
	)
	logger := tracing.LoggerFromContext(ctx, log.Logger)

	logger.Info().
		Str("jobId", fire.Job.ID).
		Str("runId", fire.RunID).
		Str("sessionKey", fire.SessionKey).
		Bool("manual", fire.Manual).
		Msg("Executing job")
	s.emit(Event{Action: EventActionStarted, JobID: fire.Job.ID, RunID: fire.RunID})

	start := time.Now()
	err := s.run(ctx, fire)
	duration := time.Since(start)
	tracing.EndSpan(span, err)

	s.mu.Lock()
	e.state.Running = false
	e.state.LastRunAt = &fire.FiredAt
	e.state.LastDurationMs = duration.Milliseconds()
	e.state.LastRunID = fire.RunID
	if err != nil {
		e.state.LastStatus = StatusError
		e.state.LastError = err.Error()
		e.state.ConsecutiveErrors++
		logger.Error().
			Str("jobId", fire.Job.ID).
			Err(err).
			Int("consecutiveErrors", e.state.ConsecutiveErrors).
			Msg("Job execution failed")
	} else {
		e.state.LastStatus = StatusOK
		e.state.LastError = ""
		e.state.ConsecutiveErrors = 0
		logger.Info().
			Str("jobId", fire.Job.ID).
			Dur("duration", duration).
			Msg("Job execution completed")
	}
	observability.RecordSchedulerFire(string(fire.Job.Kind), e.state.LastStatus)
	if err := s.persistLocked(); err != nil {
		logger.Error().Err(err).Msg("Failed to persist job state")
	}
	evt := Event{
		Action:     EventActionFinished,
		JobID:      fire.Job.ID,
		RunID:      fire.RunID,
		Status:     e.state.LastStatus,
		Error:      e.state.LastError,
		DurationMs: duration.Milliseconds(),
		NextRunAt:  e.state.NextRunAt,
	}
	s.mu.Unlock()

	s.emit(evt)
}

// run calls the handler, turning a panic into an error.
func (s *Service) run(ctx context.Context, fire Fire) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return s.options.Handler(ctx, fire)
}

func (s *Service) emit(evt Event) {
	if s.options.OnEvent != nil {
		s.options.OnEvent(evt)
	}
}

// loadState restores persisted state for configured jobs.
func (s *Service) loadState() error {
	if s.options.StorePath == "" {
		return nil
	}
	data, err := os.ReadFile(s.options.StorePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read job state: %w", err)
	}

	var states map[string]JobState
	if err := json.Unmarshal(data, &states); err != nil {
		return fmt.Errorf("failed to parse job state: %w", err)
	}
	for id, st := range states {
		if e, ok := s.jobs[id]; ok {
			st.Running = false
			st.NextRunAt = nil
			e.state = st
		}
	}
	log.Info().Int("count", len(states)).Msg("Loaded job state")
	return nil
}

// persistLocked writes job state atomically.
func (s *Service) persistLocked() error {
	if s.options.StorePath == "" {
		return nil
	}

	states := make(map[string]JobState, len(s.jobs))
	for id, e := range s.jobs {
		states[id] = e.state
	}
	data, err := json.MarshalIndent(states, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal job state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.options.StorePath), 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tempFile := s.options.StorePath + ".tmp"
	if err := os.WriteFile(tempFile, data, 0600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tempFile, s.options.StorePath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
