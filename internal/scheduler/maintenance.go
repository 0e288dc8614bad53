package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"taskpilot/internal/clock"
	"taskpilot/internal/store"
)

const (
	DefaultRetention = 30 * 24 * time.Hour

	recoverSpec = "@every 1m"
	pruneSpec   = "@daily"
	repairSpec  = "@every 5m"
)

type MaintenanceOptions struct {
	// StaleAfter is how long an execution may stay running before it is
	// considered abandoned.
	StaleAfter   time.Duration
	Retention    time.Duration
	StoreTimeout time.Duration
	Location     *time.Location
	Clock        clock.Clock
	Gate         func() bool
}

// Maintenance runs the periodic store upkeep jobs on a cron.
type Maintenance struct {
	store store.Repository
	opts  MaintenanceOptions
	clock clock.Clock
	cron  *cron.Cron
}

func NewMaintenance(repo store.Repository, opts MaintenanceOptions) *Maintenance {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 2 * DefaultExecutionTimeout
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = DefaultStoreTimeout
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.System{}
	}
	return &Maintenance{store: repo, opts: opts, clock: clk, cron: cron.New(cron.WithLocation(opts.Location))}
}

func (m *Maintenance) Start() error {
	jobs := []struct {
		spec string
		name string
		run  func(context.Context) (int, error)
	}{
		{recoverSpec, "recover_stale", m.RecoverStale},
		{pruneSpec, "prune_executions", m.Prune},
		{repairSpec, "repair_schedules", m.RepairSchedules},
	}
	for _, j := range jobs {
		j := j
		if _, err := m.cron.AddFunc(j.spec, func() { m.runJob(j.name, j.run) }); err != nil {
			return err
		}
	}
	m.cron.Start()
	log.Info().Int("jobs", len(jobs)).Msg("maintenance started")
	return nil
}

// Stop waits for a job in progress to return.
func (m *Maintenance) Stop() {
	<-m.cron.Stop().Done()
}

func (m *Maintenance) runJob(name string, run func(context.Context) (int, error)) {
	if m.opts.Gate != nil && !m.opts.Gate() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.StoreTimeout)
	defer cancel()
	n, err := run(ctx)
	if err != nil {
		log.Error().Err(err).Str("job", name).Msg("maintenance job failed")
		return
	}
	if n > 0 {
		log.Info().Str("job", name).Int("affected", n).Msg("maintenance job completed")
	}
}

// RecoverStale marks executions running longer than StaleAfter as failed.
func (m *Maintenance) RecoverStale(ctx context.Context) (int, error) {
	now := m.clock.Now()
	return m.store.RecoverStale(ctx, now.Add(-m.opts.StaleAfter), now)
}

// Prune deletes finished executions older than Retention.
func (m *Maintenance) Prune(ctx context.Context) (int, error) {
	return m.store.PruneExecutions(ctx, m.clock.Now().Add(-m.opts.Retention))
}

// RepairSchedules gives active tasks without a next_run one computed from now.
func (m *Maintenance) RepairSchedules(ctx context.Context) (int, error) {
	tasks, err := m.store.ListUnscheduledTasks(ctx)
	if err != nil {
		return 0, err
	}
	now := m.clock.Now()
	repaired := 0
	for _, t := range tasks {
		next, err := NextRun(t, now, m.opts.Location)
		if err != nil || next == nil {
			log.Warn().Err(err).Str("task_id", t.ID).Msg("cannot repair task schedule")
			continue
		}
		ok, err := m.store.RepairNextRun(ctx, t.ID, *next)
		if err != nil {
			return repaired, err
		}
		if ok {
			repaired++
		}
	}
	return repaired, nil
}
