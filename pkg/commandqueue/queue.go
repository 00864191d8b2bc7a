package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/harun/vigil/internal/observability"
	"github.com/harun/vigil/internal/tracing"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const tracerName = "vigil.commandqueue"

var ErrQueueClosed = errors.New("command queue is closed")

// Task is one unit of lane work.
type Task func(ctx context.Context) (interface{}, error)

// TaskOptions tune a single submission.
type TaskOptions struct {
	// WarnAfter fires OnWait (and a warning log) once if the task is still
	// queued after this long.
	WarnAfter time.Duration
	OnWait    func(wait time.Duration, queuePos int)
}

// Result is the outcome of a submitted task.
type Result struct {
	Value interface{}
	Err   error
}

// SessionLane returns the lane that serializes runs of one session.
func SessionLane(sessionKey string) string {
	return "session:" + sessionKey
}

// laneKind is the metrics label for a lane: the part before the first colon.
func laneKind(lane string) string {
	kind, _, _ := strings.Cut(lane, ":")
	return kind
}

type job struct {
	id       string
	ctx      context.Context
	fn       Task
	queuedAt time.Time
	warn     *time.Timer
	out      chan Result
}

func (j *job) finish(r Result) {
	if j.warn != nil {
		j.warn.Stop()
	}
	j.out <- r
}

// lane is alive from its first submission until its backlog drains. A single
// drain goroutine owns execution.
type lane struct {
	name    string
	backlog []*job
	current *job
}

// LaneStats is a snapshot of one live lane.
type LaneStats struct {
	Queued  int `json:"queued"`
	Running int `json:"running"`
}

// Queue runs tasks one at a time per lane.
type Queue struct {
	mu     sync.Mutex
	lanes  map[string]*lane
	seq    uint64
	closed bool
	// idle is closed whenever the last lane drains.
	idle chan struct{}

	base context.Context
	halt context.CancelFunc
	wg   sync.WaitGroup
}

func New() *Queue {
	observability.EnsureRegistered()

	base, halt := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)
	return &Queue{
		lanes: make(map[string]*lane),
		idle:  idle,
		base:  base,
		halt:  halt,
	}
}

// Enqueue submits a task and waits for its result.
func (q *Queue) Enqueue(ctx context.Context, name string, fn Task, opts *TaskOptions) (interface{}, error) {
	r := <-q.Submit(ctx, name, fn, opts)
	return r.Value, r.Err
}

// Submit queues fn on the named lane and returns a channel that receives its
// result. The task is queued before Submit returns, so submissions from one
// goroutine keep their order.
func (q *Queue) Submit(ctx context.Context, name string, fn Task, opts *TaskOptions) <-chan Result {
	if ctx == nil {
		ctx = context.Background()
	}
	j := &job{ctx: ctx, fn: fn, queuedAt: time.Now(), out: make(chan Result, 1)}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		j.out <- Result{Err: ErrQueueClosed}
		return j.out
	}
	q.seq++
	j.id = name + "#" + strconv.FormatUint(q.seq, 10)

	l, live := q.lanes[name]
	if !live {
		if len(q.lanes) == 0 {
			q.idle = make(chan struct{})
		}
		l = &lane{name: name}
		q.lanes[name] = l
	}
	l.backlog = append(l.backlog, j)
	depth := len(l.backlog)
	if opts != nil && opts.WarnAfter > 0 {
		o := *opts
		j.warn = time.AfterFunc(o.WarnAfter, func() { q.warnWaiting(l, j, o) })
	}
	if !live {
		q.wg.Add(1)
		go q.drain(l)
	}
	q.mu.Unlock()

	observability.RecordLaneEnqueue(laneKind(name))
	observability.SetLaneDepth(laneKind(name), depth)
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().
		Str("lane", name).
		Str("task_id", j.id).
		Int("depth", depth).
		Msg("Task queued")

	return j.out
}

// drain runs l's backlog until it is empty, then retires the lane.
func (q *Queue) drain(l *lane) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		if len(l.backlog) == 0 {
			delete(q.lanes, l.name)
			if len(q.lanes) == 0 {
				close(q.idle)
			}
			q.mu.Unlock()
			observability.SetLaneDepth(laneKind(l.name), 0)
			return
		}
		j := l.backlog[0]
		l.backlog[0] = nil
		l.backlog = l.backlog[1:]
		if err := j.ctx.Err(); err != nil {
			// the submitter gave up while queued
			q.mu.Unlock()
			j.finish(Result{Err: err})
			continue
		}
		l.current = j
		depth := len(l.backlog)
		q.mu.Unlock()

		observability.SetLaneDepth(laneKind(l.name), depth)
		r := q.execute(l.name, j)

		q.mu.Lock()
		l.current = nil
		q.mu.Unlock()
		j.finish(r)
	}
}

func (q *Queue) execute(name string, j *job) Result {
	ctx, span := tracing.StartSpan(j.ctx, tracerName, "commandqueue.run",
		attribute.String("lane", name),
		attribute.String("task_id", j.id),
	)
	ctx, cancel := context.WithCancel(ctx)
	unlink := context.AfterFunc(q.base, cancel)
	lg := tracing.LoggerFromContext(ctx, log.Logger)

	start := time.Now()
	lg.Debug().Str("lane", name).Str("task_id", j.id).Dur("waited", start.Sub(j.queuedAt)).Msg("Task started")

	v, err := safeRun(ctx, j.fn)
	took := time.Since(start)

	unlink()
	cancel()
	tracing.EndSpan(span, err)

	status := "success"
	if err != nil {
		status = "error"
		lg.Error().Err(err).Str("lane", name).Str("task_id", j.id).Dur("took", took).Msg("Task failed")
	} else {
		lg.Debug().Str("lane", name).Str("task_id", j.id).Dur("took", took).Msg("Task finished")
	}
	observability.RecordLaneCompletion(laneKind(name), status, took)
	return Result{Value: v, Err: err}
}

// safeRun turns a panic into an error so the lane keeps moving.
func safeRun(ctx context.Context, fn Task) (v interface{}, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task panicked: %v", p)
		}
	}()
	return fn(ctx)
}

func (q *Queue) warnWaiting(l *lane, j *job, o TaskOptions) {
	q.mu.Lock()
	pos := -1
	for i, queued := range l.backlog {
		if queued == j {
			pos = i
			break
		}
	}
	q.mu.Unlock()
	if pos < 0 {
		return
	}

	wait := time.Since(j.queuedAt)
	logger := tracing.LoggerFromContext(j.ctx, log.Logger)
	logger.Warn().
		Str("lane", l.name).
		Str("task_id", j.id).
		Dur("waited", wait).
		Int("position", pos).
		Msg("Task still queued")
	if o.OnWait != nil {
		o.OnWait(wait, pos)
	}
}

// Stats returns a snapshot of every live lane.
func (q *Queue) Stats() map[string]LaneStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make(map[string]LaneStats, len(q.lanes))
	for name, l := range q.lanes {
		s := LaneStats{Queued: len(l.backlog)}
		if l.current != nil {
			s.Running = 1
		}
		out[name] = s
	}
	return out
}

// Busy reports whether the lane has a task running or queued.
func (q *Queue) Busy(name string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.lanes[name]
	return ok
}

// WaitForActive blocks until every lane has drained or timeout passes.
func (q *Queue) WaitForActive(timeout time.Duration) bool {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-idle:
		return true
	default:
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-idle:
		return true
	case <-t.C:
		return false
	}
}

// Close rejects queued tasks, cancels running ones and waits for them.
// Close is idempotent.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	var rejected []*job
	for _, l := range q.lanes {
		rejected = append(rejected, l.backlog...)
		l.backlog = nil
	}
	q.mu.Unlock()

	for _, j := range rejected {
		j.finish(Result{Err: ErrQueueClosed})
	}
	q.halt()
	q.wg.Wait()
	return nil
}
