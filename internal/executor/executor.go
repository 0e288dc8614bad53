// Package executor maps task types onto the code that runs them.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"taskpilot/internal/domain"
	"taskpilot/internal/taskerr"
)

var ErrUnknownTaskType = errors.New("unknown task type")

// Executor runs one execution of a task and returns an opaque result summary.
// Errors should be classified with taskerr.Permanent where retrying is futile.
type Executor interface {
	Execute(ctx context.Context, task domain.ScheduledTask) (json.RawMessage, error)
}

type Func func(ctx context.Context, task domain.ScheduledTask) (json.RawMessage, error)

func (f Func) Execute(ctx context.Context, task domain.ScheduledTask) (json.RawMessage, error) {
	return f(ctx, task)
}

// AgentExecutor is the reasoning layer behind the non-search task types.
type AgentExecutor interface {
	Run(ctx context.Context, taskConfig json.RawMessage) (json.RawMessage, error)
}

// Registry is filled at startup and read-only afterwards.
type Registry struct {
	executors map[domain.TaskType]Executor
}

func NewRegistry() *Registry {
	return &Registry{executors: make(map[domain.TaskType]Executor)}
}

func (r *Registry) Register(t domain.TaskType, e Executor) {
	r.executors[t] = e
}

// Lookup returns a permanent error for unregistered types.
func (r *Registry) Lookup(t domain.TaskType) (Executor, error) {
	e, ok := r.executors[t]
	if !ok {
		return nil, taskerr.Permanent(fmt.Errorf("%w: %q", ErrUnknownTaskType, t))
	}
	return e, nil
}

func (r *Registry) Types() []domain.TaskType {
	out := make([]domain.TaskType, 0, len(r.executors))
	for t := range r.executors {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
