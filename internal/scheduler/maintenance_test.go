package scheduler

import (
	"context"
	"testing"
	"time"

	"taskpilot/internal/clock"
	"taskpilot/internal/domain"
)

func TestMaintenanceRecoverStale(t *testing.T) {
	repo := newRepo(t)
	task := createTask(t, repo, nil)
	if _, err := repo.TryClaim(context.Background(), task.ID, t0, domain.TriggerSchedule); err != nil {
		t.Fatal(err)
	}

	clk := clock.NewFake(t0.Add(5 * time.Minute))
	m := NewMaintenance(repo, MaintenanceOptions{Clock: clk, StaleAfter: 10 * time.Minute})
	if n, err := m.RecoverStale(context.Background()); err != nil || n != 0 {
		t.Fatalf("early recover = %d, %v", n, err)
	}

	clk.Advance(10 * time.Minute)
	n, err := m.RecoverStale(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("recover = %d, %v", n, err)
	}
	exec := latestExecution(t, repo, task.ID)
	if exec.Status != domain.StatusFailed || exec.Error == nil || *exec.Error != "abandoned" {
		t.Errorf("execution = %+v", exec)
	}

	due, err := repo.ListDueTasks(context.Background(), clk.Now())
	if err != nil || len(due) != 1 {
		t.Errorf("recovered task should be due again: %v, %v", due, err)
	}
}

func TestMaintenancePrune(t *testing.T) {
	repo := newRepo(t)
	task := createTask(t, repo, nil)
	d := NewDispatcher(repo, registryWith(succeed), Options{Clock: clock.NewFake(t0)})
	d.RunOnce(context.Background())
	d.Wait()

	m := NewMaintenance(repo, MaintenanceOptions{Clock: clock.NewFake(t0.Add(31 * 24 * time.Hour))})
	n, err := m.Prune(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("prune = %d, %v", n, err)
	}
	execs, _ := repo.ListExecutions(context.Background(), task.ID, 10, 0)
	if len(execs) != 0 {
		t.Errorf("executions left: %d", len(execs))
	}
}

func TestMaintenanceRepairSchedules(t *testing.T) {
	repo := newRepo(t)
	lost := createTask(t, repo, func(tk *domain.ScheduledTask) {
		tk.NextRun = nil
		tk.Frequency = domain.FrequencyDaily
		tk.ScheduleTime = "10:00"
	})
	createTask(t, repo, func(tk *domain.ScheduledTask) {
		tk.NextRun = nil
		tk.IsActive = false
	})

	m := NewMaintenance(repo, MaintenanceOptions{Clock: clock.NewFake(t0)})
	n, err := m.RepairSchedules(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("repair = %d, %v", n, err)
	}
	got := getTask(t, repo, lost.ID)
	want := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	if got.NextRun == nil || !got.NextRun.Equal(want) {
		t.Errorf("next_run = %v, want %v", got.NextRun, want)
	}
}

func TestMaintenanceStartStop(t *testing.T) {
	m := NewMaintenance(newRepo(t), MaintenanceOptions{})
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	m.Stop()
}
