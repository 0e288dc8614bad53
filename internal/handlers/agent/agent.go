// Package agent runs the non-search task types through an AgentExecutor.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"taskpilot/internal/domain"
	"taskpilot/internal/executor"
	"taskpilot/internal/taskerr"
)

var ErrNotConfigured = errors.New("agent executor not configured")

// Executor adapts an AgentExecutor to executor.Executor. The task type and
// name are added to the task_config object before it is handed over.
type Executor struct {
	Agent executor.AgentExecutor
}

func (e *Executor) Execute(ctx context.Context, task domain.ScheduledTask) (json.RawMessage, error) {
	cfg, err := withTaskFields(task)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.Agent.Run(ctx, cfg)
}

func withTaskFields(task domain.ScheduledTask) (json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	if len(task.TaskConfig) > 0 {
		if err := json.Unmarshal(task.TaskConfig, &fields); err != nil {
			return nil, taskerr.Permanent(fmt.Errorf("task_config must be a JSON object: %w", err))
		}
	}
	typ, _ := json.Marshal(task.TaskType)
	name, _ := json.Marshal(task.Name)
	fields["task_type"] = typ
	if _, ok := fields["task_name"]; !ok {
		fields["task_name"] = name
	}
	return json.Marshal(fields)
}

// Unconfigured fails every run permanently. It stands in when no API key is set.
type Unconfigured struct{}

func (Unconfigured) Run(context.Context, json.RawMessage) (json.RawMessage, error) {
	return nil, taskerr.Permanent(ErrNotConfigured)
}
