// Package scheduler polls for due tasks, runs them on the worker pool and
// records their outcome.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"taskpilot/internal/clock"
	"taskpilot/internal/domain"
	"taskpilot/internal/executor"
	"taskpilot/internal/metrics"
	"taskpilot/internal/retry"
	"taskpilot/internal/store"
	"taskpilot/internal/taskerr"
	"taskpilot/internal/worker"
)

var ErrNotRunning = errors.New("execution is not running in this process")

const (
	DefaultPollInterval     = 15 * time.Second
	DefaultExecutionTimeout = 5 * time.Minute
	DefaultStoreTimeout     = 5 * time.Second
	DefaultWorkers          = 8
)

type Options struct {
	PollInterval     time.Duration
	ExecutionTimeout time.Duration
	StoreTimeout     time.Duration
	Workers          int
	Policy           retry.Policy
	// DeactivateAfter deactivates a task after this many consecutive failed
	// cycles. Zero disables it.
	DeactivateAfter int
	Location        *time.Location
	Clock           clock.Clock
	Metrics         *metrics.Metrics
	// Gate, when set, must return true for a poll to run (leader election).
	Gate func() bool
}

type Dispatcher struct {
	store    store.Repository
	registry *executor.Registry
	opts     Options
	clock    clock.Clock
	pool     *worker.Pool

	pollMu  sync.Mutex
	mu      sync.Mutex
	running map[string]context.CancelCauseFunc
	manual  sync.WaitGroup

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	started  bool
}

func NewDispatcher(repo store.Repository, registry *executor.Registry, opts Options) *Dispatcher {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.ExecutionTimeout <= 0 {
		opts.ExecutionTimeout = DefaultExecutionTimeout
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = DefaultStoreTimeout
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.System{}
	}
	return &Dispatcher{
		store:    repo,
		registry: registry,
		opts:     opts,
		clock:    clk,
		pool:     worker.NewPool(opts.Workers),
		running:  make(map[string]context.CancelCauseFunc),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the poll loop until ctx is done or Stop is called.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()

	go func() {
		defer close(d.done)
		ticker := time.NewTicker(d.opts.PollInterval)
		defer ticker.Stop()

		log.Info().
			Dur("interval", d.opts.PollInterval).
			Int("workers", d.opts.Workers).
			Msg("dispatcher started")

		d.RunOnce(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-d.stop:
				return
			case <-ticker.C:
				d.RunOnce(ctx)
			}
		}
	}()
}

// Stop ends polling. In-flight executions keep running; use Wait or Shutdown.
// Safe to call more than once.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
}

// Wait blocks until the poll loop has exited and all executions finished.
func (d *Dispatcher) Wait() {
	d.mu.Lock()
	started := d.started
	d.mu.Unlock()
	if started {
		<-d.done
	}
	d.pool.Wait()
	d.manual.Wait()
}

// Shutdown stops polling and waits for in-flight executions. When ctx expires
// first the remaining executions are cancelled and awaited.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.Stop()
	finished := make(chan struct{})
	go func() {
		d.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
	}
	d.mu.Lock()
	for id, cancel := range d.running {
		log.Warn().Str("execution_id", id).Msg("cancelling execution on shutdown")
		cancel(taskerr.ErrCancelled)
	}
	d.mu.Unlock()
	<-finished
	return ctx.Err()
}

// RunOnce performs a single poll and returns how many tasks were handed to the
// pool. It never blocks on a full pool; leftover due tasks wait for the next
// tick.
func (d *Dispatcher) RunOnce(ctx context.Context) int {
	if d.opts.Gate != nil && !d.opts.Gate() {
		return 0
	}
	d.pollMu.Lock()
	defer d.pollMu.Unlock()

	start := time.Now()
	defer func() { d.opts.Metrics.ObservePoll(time.Since(start)) }()

	tasks, err := d.PollDue(ctx, d.clock.Now())
	if err != nil {
		log.Error().Err(err).Msg("failed to poll due tasks")
		return 0
	}

	launched := 0
	for _, task := range tasks {
		if d.pool.Free() == 0 {
			log.Debug().Int("waiting", len(tasks)-launched).Msg("worker pool full")
			break
		}
		exec, err := d.Claim(ctx, task, domain.TriggerSchedule)
		if err != nil {
			if !errors.Is(err, store.ErrAlreadyClaimed) {
				log.Error().Err(err).Str("task_id", task.ID).Msg("failed to claim task")
			}
			continue
		}
		task := task
		// Only RunOnce fills the pool and it holds pollMu, so the slot counted
		// above is still free.
		if !d.pool.TryGo(func() { d.execute(task, exec) }) {
			d.finish(task, exec, nil, errors.New("worker pool full"))
			continue
		}
		launched++
	}
	return launched
}

// PollDue lists active tasks with next_run <= now and no running execution.
func (d *Dispatcher) PollDue(ctx context.Context, now time.Time) ([]domain.ScheduledTask, error) {
	sctx, cancel := context.WithTimeout(ctx, d.opts.StoreTimeout)
	defer cancel()
	return d.store.ListDueTasks(sctx, now)
}

// Claim creates the running execution for task. A lost race returns
// store.ErrAlreadyClaimed and is counted, not logged as an error.
func (d *Dispatcher) Claim(ctx context.Context, task domain.ScheduledTask, trigger domain.Trigger) (domain.TaskExecution, error) {
	sctx, cancel := context.WithTimeout(ctx, d.opts.StoreTimeout)
	defer cancel()
	exec, err := d.store.TryClaim(sctx, task.ID, d.clock.Now(), trigger)
	if errors.Is(err, store.ErrAlreadyClaimed) {
		d.opts.Metrics.ClaimConflict()
		log.Debug().Str("task_id", task.ID).Msg("task already claimed")
	}
	return exec, err
}

// ExecuteNow claims and runs the task immediately, bypassing its schedule, and
// returns the finished execution. An inactive task runs but stays inactive.
func (d *Dispatcher) ExecuteNow(ctx context.Context, taskID string) (domain.TaskExecution, error) {
	sctx, cancel := context.WithTimeout(ctx, d.opts.StoreTimeout)
	task, err := d.store.GetTask(sctx, taskID)
	cancel()
	if err != nil {
		return domain.TaskExecution{}, err
	}
	exec, err := d.Claim(ctx, task, domain.TriggerManual)
	if err != nil {
		return domain.TaskExecution{}, err
	}
	d.manual.Add(1)
	defer d.manual.Done()
	return d.execute(task, exec), nil
}

// Cancel signals a running execution. The executor observes it at its next
// checkpoint and the execution ends as cancelled.
func (d *Dispatcher) Cancel(executionID string) error {
	d.mu.Lock()
	cancel, ok := d.running[executionID]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", executionID, ErrNotRunning)
	}
	cancel(taskerr.ErrCancelled)
	log.Info().Str("execution_id", executionID).Msg("execution cancel requested")
	return nil
}

// Running reports the number of executions in progress in this process.
func (d *Dispatcher) Running() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.running)
}

func (d *Dispatcher) execute(task domain.ScheduledTask, exec domain.TaskExecution) domain.TaskExecution {
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	d.mu.Lock()
	d.running[exec.ID] = cancel
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.running, exec.ID)
		d.mu.Unlock()
	}()

	d.opts.Metrics.ExecutionStarted()
	defer d.opts.Metrics.ExecutionDone()

	logger := log.With().
		Str("task_id", task.ID).
		Str("execution_id", exec.ID).
		Str("task_type", string(task.TaskType)).
		Int("attempt", exec.Attempt).
		Logger()
	logger.Info().Str("trigger", string(exec.Trigger)).Msg("execution started")

	tctx, tcancel := context.WithTimeoutCause(ctx, d.opts.ExecutionTimeout, taskerr.ErrTimeout)
	summary, err := d.run(tctx, task)
	if err != nil && tctx.Err() != nil {
		if cause := context.Cause(tctx); cause != nil {
			err = fmt.Errorf("%w: %v", cause, err)
		}
	}
	tcancel()

	exec = d.finish(task, exec, summary, err)

	ev := logger.Info()
	if exec.Status == domain.StatusFailed || exec.Status == domain.StatusRetrying {
		ev = logger.Warn().Err(err)
	}
	ev.Str("status", string(exec.Status)).Dur("duration", exec.Duration()).Msg("execution finished")
	return exec
}

func (d *Dispatcher) run(ctx context.Context, task domain.ScheduledTask) (summary []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = taskerr.Permanent(fmt.Errorf("executor panic: %v", r))
		}
	}()
	ex, err := d.registry.Lookup(task.TaskType)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return ex.Execute(ctx, task)
}

// finish applies the outcome to the execution and the task's run state.
func (d *Dispatcher) finish(task domain.ScheduledTask, exec domain.TaskExecution, summary []byte, err error) domain.TaskExecution {
	now := d.clock.Now()
	exec.FinishedAt = &now
	upd := domain.RunUpdate{
		TaskID:              task.ID,
		LastRun:             now,
		ConsecutiveFailures: task.ConsecutiveFailures,
	}

	class := taskerr.Classify(err)
	switch {
	case err == nil:
		exec.Status = domain.StatusSuccess
		exec.ResultSummary = summary
		upd.NextRun = d.scheduledNext(task, now)
		upd.ConsecutiveFailures = 0

	case class == taskerr.ClassCancelled:
		exec.Status = domain.StatusCancelled
		exec.Error = errString(err)
		upd.NextRun = d.scheduledNext(task, now)

	default:
		exec.Error = errString(err)
		dec := d.opts.Policy.Decide(exec.Attempt, class)
		exec.Status = dec.Status
		if dec.Retry {
			next := now.Add(dec.Delay)
			upd.NextRun = &next
			upd.RetryAttempts = exec.Attempt
			break
		}
		upd.ConsecutiveFailures++
		if d.opts.DeactivateAfter > 0 && upd.ConsecutiveFailures >= d.opts.DeactivateAfter {
			upd.Deactivate = true
			log.Warn().
				Str("task_id", task.ID).
				Int("consecutive_failures", upd.ConsecutiveFailures).
				Msg("deactivating task after repeated failures")
			break
		}
		upd.NextRun = d.scheduledNext(task, now)
	}

	d.opts.Metrics.ObserveExecution(string(task.TaskType), string(exec.Status))

	sctx, cancel := context.WithTimeout(context.Background(), d.opts.StoreTimeout)
	defer cancel()
	if err := d.store.FinishExecution(sctx, exec, upd); err != nil {
		log.Error().Err(err).
			Str("task_id", task.ID).
			Str("execution_id", exec.ID).
			Msg("failed to record execution outcome")
	}
	return exec
}

func (d *Dispatcher) scheduledNext(task domain.ScheduledTask, now time.Time) *time.Time {
	next, err := NextRun(task, now, d.opts.Location)
	if err != nil {
		log.Error().Err(err).Str("task_id", task.ID).Msg("failed to compute next run")
		return nil
	}
	return next
}

func errString(err error) *string {
	if err == nil {
		return nil
	}
	s := err.Error()
	return &s
}
