// Package websearch runs web_search tasks through the fetch pipeline.
package websearch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"taskpilot/internal/domain"
	"taskpilot/internal/fetch"
	"taskpilot/internal/taskerr"
)

const DefaultResourceKey = "serpapi"

// Config is the task_config of a web_search task.
type Config struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
	SearchType string `json:"search_type"` // general (default), news, academic
}

func ParseConfig(raw json.RawMessage) (Config, error) {
	var c Config
	if len(raw) == 0 {
		return c, taskerr.Permanent(errors.New("task_config is required"))
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		return c, taskerr.Permanent(fmt.Errorf("invalid task_config: %w", err))
	}
	c.Query = strings.TrimSpace(c.Query)
	if c.Query == "" {
		return c, taskerr.Permanent(errors.New("task_config.query is required"))
	}
	if c.MaxResults <= 0 {
		c.MaxResults = fetch.DefaultMaxResults
	}
	switch c.SearchType {
	case "":
		c.SearchType = "general"
	case "general", "news", "academic":
	default:
		return c, taskerr.Permanent(fmt.Errorf("unsupported search_type %q", c.SearchType))
	}
	return c, nil
}

type Searcher interface {
	Search(ctx context.Context, p fetch.Params, resourceKey string) ([]fetch.Result, error)
}

type Executor struct {
	Searcher    Searcher
	ResourceKey string
}

type Summary struct {
	Query       string         `json:"query"`
	SearchType  string         `json:"search_type"`
	ResultCount int            `json:"result_count"`
	Results     []fetch.Result `json:"results"`
}

func (e *Executor) Execute(ctx context.Context, task domain.ScheduledTask) (json.RawMessage, error) {
	cfg, err := ParseConfig(task.TaskConfig)
	if err != nil {
		return nil, err
	}
	key := e.ResourceKey
	if key == "" {
		key = DefaultResourceKey
	}
	results, err := e.Searcher.Search(ctx, fetch.Params{
		Query:      cfg.Query,
		MaxResults: cfg.MaxResults,
		SearchType: cfg.SearchType,
	}, key)
	if err != nil {
		return nil, err
	}
	if results == nil {
		results = []fetch.Result{}
	}
	return json.Marshal(Summary{
		Query:       cfg.Query,
		SearchType:  cfg.SearchType,
		ResultCount: len(results),
		Results:     results,
	})
}
