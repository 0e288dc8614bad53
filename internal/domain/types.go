package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type TaskType string

const (
	TaskTypeWebSearch        TaskType = "web_search"
	TaskTypeDataAnalysis     TaskType = "data_analysis"
	TaskTypeReportGeneration TaskType = "report_generation"
	TaskTypeAgentInteraction TaskType = "agent_interaction"
)

func (t TaskType) Valid() bool {
	switch t {
	case TaskTypeWebSearch, TaskTypeDataAnalysis, TaskTypeReportGeneration, TaskTypeAgentInteraction:
		return true
	}
	return false
}

type Frequency string

const (
	FrequencyMinutely Frequency = "minutely"
	FrequencyHourly   Frequency = "hourly"
	FrequencyDaily    Frequency = "daily"
	FrequencyWeekly   Frequency = "weekly"
	FrequencyMonthly  Frequency = "monthly"
)

func (f Frequency) Valid() bool {
	switch f {
	case FrequencyMinutely, FrequencyHourly, FrequencyDaily, FrequencyWeekly, FrequencyMonthly:
		return true
	}
	return false
}

// TimeOfDay reports whether the frequency is anchored to ScheduleTime.
func (f Frequency) TimeOfDay() bool {
	return f == FrequencyDaily || f == FrequencyWeekly || f == FrequencyMonthly
}

type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusRunning   ExecutionStatus = "running"
	StatusSuccess   ExecutionStatus = "success"
	StatusFailed    ExecutionStatus = "failed"
	StatusRetrying  ExecutionStatus = "retrying"
	StatusCancelled ExecutionStatus = "cancelled"
)

type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
)

// ScheduledTask is a recurring task definition.
//
// ScheduleDays holds weekdays (0=Sunday .. 6=Saturday) for weekly tasks; when
// empty the weekday of CreatedAt is used.
type ScheduledTask struct {
	ID                  string          `json:"id"`
	OwnerID             string          `json:"owner_id"`
	Name                string          `json:"name"`
	Description         string          `json:"description,omitempty"`
	TaskType            TaskType        `json:"task_type"`
	Frequency           Frequency       `json:"frequency"`
	ScheduleTime        string          `json:"schedule_time,omitempty"`
	ScheduleDays        []int           `json:"schedule_days,omitempty"`
	TaskConfig          json.RawMessage `json:"task_config"`
	IsActive            bool            `json:"is_active"`
	LastRun             *time.Time      `json:"last_run"`
	NextRun             *time.Time      `json:"next_run"`
	RetryAttempts       int             `json:"retry_attempts"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

func (t ScheduledTask) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return errors.New("name is required")
	}
	if strings.TrimSpace(t.OwnerID) == "" {
		return errors.New("owner_id is required")
	}
	if !t.TaskType.Valid() {
		return fmt.Errorf("invalid task_type %q", t.TaskType)
	}
	if !t.Frequency.Valid() {
		return fmt.Errorf("invalid frequency %q", t.Frequency)
	}
	if t.Frequency.TimeOfDay() {
		if t.ScheduleTime == "" {
			return fmt.Errorf("schedule_time is required for %s tasks", t.Frequency)
		}
		if _, _, err := ParseScheduleTime(t.ScheduleTime); err != nil {
			return err
		}
	}
	for _, d := range t.ScheduleDays {
		if d < 0 || d > 6 {
			return fmt.Errorf("schedule_days: weekday %d out of range 0-6", d)
		}
	}
	if len(t.TaskConfig) > 0 && !json.Valid(t.TaskConfig) {
		return errors.New("task_config must be valid JSON")
	}
	return nil
}

// ParseScheduleTime parses an HH:MM time of day.
func ParseScheduleTime(s string) (hour, minute int, err error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid schedule_time %q: use HH:MM", s)
	}
	hour, err = strconv.Atoi(hh)
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid schedule_time %q: hour out of range", s)
	}
	minute, err = strconv.Atoi(mm)
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid schedule_time %q: minute out of range", s)
	}
	return hour, minute, nil
}

type TaskExecution struct {
	ID            string          `json:"id"`
	TaskID        string          `json:"task_id"`
	StartedAt     time.Time       `json:"started_at"`
	FinishedAt    *time.Time      `json:"finished_at"`
	Status        ExecutionStatus `json:"status"`
	Attempt       int             `json:"attempt"`
	ResultSummary json.RawMessage `json:"result_summary,omitempty"`
	Error         *string         `json:"error"`
	Trigger       Trigger         `json:"trigger"`
}

// Duration is zero while the execution is still running.
func (e TaskExecution) Duration() time.Duration {
	if e.FinishedAt == nil {
		return 0
	}
	return e.FinishedAt.Sub(e.StartedAt)
}

// RunUpdate carries the dispatcher-owned task fields written when an execution finishes.
type RunUpdate struct {
	TaskID              string
	LastRun             time.Time
	NextRun             *time.Time
	RetryAttempts       int
	ConsecutiveFailures int
	Deactivate          bool
}
