// Package config loads taskpilot settings from a YAML file overlaid with
// environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration written as a Go duration string ("15s", "30m").
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	v, err := parseDuration(raw)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(v)
	return nil
}

func parseDuration(raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %q must be >= 0", raw)
	}
	return d, nil
}

type Config struct {
	Addr        string   `yaml:"addr"`
	DBPath      string   `yaml:"db_path"`
	Debug       bool     `yaml:"debug"`
	Timezone    string   `yaml:"timezone"`
	CORSOrigins []string `yaml:"cors_origins"`

	Log         LogConfig         `yaml:"log"`
	Dispatcher  DispatcherConfig  `yaml:"dispatcher"`
	Retry       RetryConfig       `yaml:"retry"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Search      SearchConfig      `yaml:"search"`
	Agent       AgentConfig       `yaml:"agent"`
	Redis       RedisConfig       `yaml:"redis"`
}

type LogConfig struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

// ZerologLevel parses Level, falling back to info for empty or unknown values.
func (l LogConfig) ZerologLevel() zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(l.Level)))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

type DispatcherConfig struct {
	PollInterval     Duration `yaml:"poll_interval"`
	Workers          int      `yaml:"workers"`
	ExecutionTimeout Duration `yaml:"execution_timeout"`
	StoreTimeout     Duration `yaml:"store_timeout"`
	DeactivateAfter  int      `yaml:"deactivate_after"`
}

type RetryConfig struct {
	MaxAttempts int      `yaml:"max_attempts"`
	Base        Duration `yaml:"base"`
	Cap         Duration `yaml:"cap"`
}

type MaintenanceConfig struct {
	StaleAfter Duration `yaml:"stale_after"`
	Retention  Duration `yaml:"retention"`
}

type SearchConfig struct {
	APIKey           string   `yaml:"api_key"`
	BaseURL          string   `yaml:"base_url"`
	PerMinute        int      `yaml:"per_minute"`
	PerDay           int      `yaml:"per_day"`
	MinInterval      Duration `yaml:"min_interval"`
	DedupCapacity    int      `yaml:"dedup_capacity"`
	PersistDedup     bool     `yaml:"persist_dedup"`
	MinSnippetLength int      `yaml:"min_snippet_length"`
	BlockedDomains   []string `yaml:"blocked_domains"`
}

type AgentConfig struct {
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url"`
	Model     string `yaml:"model"`
	MaxTokens int64  `yaml:"max_tokens"`
}

type RedisConfig struct {
	URL string   `yaml:"url"`
	Key string   `yaml:"key"`
	TTL Duration `yaml:"ttl"`
}

func Default() Config {
	return Config{
		Addr:     ":8080",
		DBPath:   "taskpilot.db",
		Timezone: "UTC",
		Log:      LogConfig{Level: "info", Console: true},
		Dispatcher: DispatcherConfig{
			PollInterval:     Duration(15 * time.Second),
			Workers:          8,
			ExecutionTimeout: Duration(5 * time.Minute),
			StoreTimeout:     Duration(5 * time.Second),
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			Base:        Duration(30 * time.Second),
			Cap:         Duration(30 * time.Minute),
		},
		Maintenance: MaintenanceConfig{
			StaleAfter: Duration(10 * time.Minute),
			Retention:  Duration(30 * 24 * time.Hour),
		},
		Search: SearchConfig{
			PerMinute:        10,
			PerDay:           100,
			MinInterval:      Duration(time.Second),
			DedupCapacity:    10000,
			PersistDedup:     true,
			MinSnippetLength: 50,
		},
		Agent: AgentConfig{MaxTokens: 1024},
		Redis: RedisConfig{TTL: Duration(30 * time.Second)},
	}
}

// Load reads path (optional) over the defaults, applies the environment and
// validates the result. Unknown YAML keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := decode(data, &cfg); err != nil {
			return cfg, fmt.Errorf("%s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
		return nil
	}
	dur := func(key string, dst *Duration) error {
		v, ok := lookup(key)
		if !ok {
			return nil
		}
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		if d > 0 {
			*dst = Duration(d)
		}
		return nil
	}

	str("TASKPILOT_ADDR", &cfg.Addr)
	str("TASKPILOT_DB", &cfg.DBPath)
	str("TASKPILOT_TIMEZONE", &cfg.Timezone)
	str("TASKPILOT_LOG_LEVEL", &cfg.Log.Level)
	str("SERPAPI_API_KEY", &cfg.Search.APIKey)
	str("ANTHROPIC_API_KEY", &cfg.Agent.APIKey)
	str("ANTHROPIC_BASE_URL", &cfg.Agent.BaseURL)
	str("ANTHROPIC_MODEL", &cfg.Agent.Model)
	str("REDIS_URL", &cfg.Redis.URL)

	for _, err := range []error{
		num("TASKPILOT_WORKERS", &cfg.Dispatcher.Workers),
		num("TASKPILOT_SEARCH_PER_MINUTE", &cfg.Search.PerMinute),
		num("TASKPILOT_SEARCH_PER_DAY", &cfg.Search.PerDay),
		dur("TASKPILOT_POLL_INTERVAL", &cfg.Dispatcher.PollInterval),
		dur("TASKPILOT_EXECUTION_TIMEOUT", &cfg.Dispatcher.ExecutionTimeout),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.DBPath) == "" {
		errs = append(errs, errors.New("db_path is required"))
	}
	if c.Dispatcher.Workers <= 0 {
		errs = append(errs, errors.New("dispatcher.workers must be > 0"))
	}
	if c.Dispatcher.PollInterval.Std() <= 0 {
		errs = append(errs, errors.New("dispatcher.poll_interval must be > 0"))
	}
	if c.Dispatcher.ExecutionTimeout.Std() <= 0 {
		errs = append(errs, errors.New("dispatcher.execution_timeout must be > 0"))
	}
	if c.Dispatcher.DeactivateAfter < 0 {
		errs = append(errs, errors.New("dispatcher.deactivate_after must be >= 0"))
	}
	if c.Retry.MaxAttempts <= 0 {
		errs = append(errs, errors.New("retry.max_attempts must be > 0"))
	}
	if c.Retry.Cap.Std() < c.Retry.Base.Std() {
		errs = append(errs, errors.New("retry.cap must be >= retry.base"))
	}
	if c.Search.PerMinute < 0 || c.Search.PerDay < 0 {
		errs = append(errs, errors.New("search rate limits must be >= 0"))
	}
	if c.Search.DedupCapacity <= 0 {
		errs = append(errs, errors.New("search.dedup_capacity must be > 0"))
	}
	if ms := c.Maintenance.StaleAfter.Std(); ms > 0 && ms <= c.Dispatcher.ExecutionTimeout.Std() {
		errs = append(errs, errors.New("maintenance.stale_after must exceed dispatcher.execution_timeout"))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c Config) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Timezone)
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", tz, err)
	}
	return loc, nil
}
