package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"

	"taskpilot/internal/domain"
	"taskpilot/internal/taskerr"
)

const (
	DefaultModel     = "claude-sonnet-4-5"
	defaultMaxTokens = 1024
)

var systemPrompts = map[domain.TaskType]string{
	domain.TaskTypeDataAnalysis:     "You analyse the data provided and report trends, anomalies and concrete findings. Be concise.",
	domain.TaskTypeReportGeneration: "You write a short structured report from the material provided, with a summary first.",
	domain.TaskTypeAgentInteraction: "You are an assistant completing a scheduled task on behalf of its owner.",
}

// Anthropic implements executor.AgentExecutor with the Messages API.
type Anthropic struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

type AnthropicConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	MaxTokens  int64
	HTTPClient *http.Client
	// MaxRetries overrides the SDK default when non-negative.
	MaxRetries int
}

func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("anthropic api key is required")
	}
	opts := []anthropicoption.RequestOption{anthropicoption.WithAPIKey(apiKey)}
	if base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); base != "" {
		opts = append(opts, anthropicoption.WithBaseURL(base+"/"))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, anthropicoption.WithHTTPClient(cfg.HTTPClient))
	}
	if cfg.MaxRetries >= 0 {
		opts = append(opts, anthropicoption.WithMaxRetries(cfg.MaxRetries))
	}
	a := &Anthropic{
		client:    anthropic.NewClient(opts...),
		model:     strings.TrimSpace(cfg.Model),
		maxTokens: cfg.MaxTokens,
	}
	if a.model == "" {
		a.model = DefaultModel
	}
	if a.maxTokens <= 0 {
		a.maxTokens = defaultMaxTokens
	}
	return a, nil
}

type runConfig struct {
	TaskType  domain.TaskType `json:"task_type"`
	TaskName  string          `json:"task_name"`
	Prompt    string          `json:"prompt"`
	System    string          `json:"system"`
	Model     string          `json:"model"`
	MaxTokens int64           `json:"max_tokens"`
	Data      json.RawMessage `json:"data"`
}

type Result struct {
	Model        string `json:"model"`
	Output       string `json:"output"`
	StopReason   string `json:"stop_reason,omitempty"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
}

func (a *Anthropic) Run(ctx context.Context, taskConfig json.RawMessage) (json.RawMessage, error) {
	var rc runConfig
	if err := json.Unmarshal(taskConfig, &rc); err != nil {
		return nil, taskerr.Permanent(fmt.Errorf("invalid task_config: %w", err))
	}
	prompt := strings.TrimSpace(rc.Prompt)
	if prompt == "" {
		return nil, taskerr.Permanent(errors.New("task_config.prompt is required"))
	}
	if len(rc.Data) > 0 && string(rc.Data) != "null" {
		prompt += "\n\nData:\n" + string(rc.Data)
	}

	model := strings.TrimSpace(rc.Model)
	if model == "" {
		model = a.model
	}
	maxTokens := rc.MaxTokens
	if maxTokens <= 0 {
		maxTokens = a.maxTokens
	}
	system := strings.TrimSpace(rc.System)
	if system == "" {
		system = systemPrompts[rc.TaskType]
	}

	params := anthropic.MessageNewParams{
		MaxTokens: maxTokens,
		Model:     anthropic.Model(model),
		Messages:  []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(prompt))},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, classify(ctx, err)
	}

	var out strings.Builder
	for _, block := range msg.Content {
		switch v := block.AsAny().(type) {
		case anthropic.TextBlock:
			if out.Len() > 0 {
				out.WriteString("\n")
			}
			out.WriteString(v.Text)
		}
	}
	return json.Marshal(Result{
		Model:        string(msg.Model),
		Output:       out.String(),
		StopReason:   string(msg.StopReason),
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
	})
}

// classify treats 4xx other than 408/409/429 as permanent.
func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch code := apiErr.StatusCode; {
		case code == http.StatusRequestTimeout, code == http.StatusConflict, code == http.StatusTooManyRequests:
			return taskerr.Transient(err)
		case code >= 400 && code < 500:
			return taskerr.Permanent(err)
		}
	}
	return taskerr.Transient(err)
}
