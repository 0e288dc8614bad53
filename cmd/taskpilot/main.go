package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"taskpilot/internal/api"
	"taskpilot/internal/clock"
	"taskpilot/internal/config"
	"taskpilot/internal/domain"
	"taskpilot/internal/executor"
	"taskpilot/internal/fetch"
	"taskpilot/internal/fetch/serpapi"
	"taskpilot/internal/handlers/agent"
	"taskpilot/internal/handlers/websearch"
	"taskpilot/internal/lock"
	"taskpilot/internal/metrics"
	"taskpilot/internal/retry"
	"taskpilot/internal/scheduler"
	"taskpilot/internal/store"
)

func main() {
	var (
		cfgPath = flag.String("config", "", "YAML config file (optional)")
		addr    = flag.String("addr", "", "HTTP bind address (overrides config)")
		dbPath  = flag.String("db", "", "SQLite DB path (overrides config)")
		debug   = flag.Bool("debug", false, "enable pprof routes and debug logging")
	)
	flag.Parse()

	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *debug {
		cfg.Debug = true
		cfg.Log.Level = "debug"
	}
	setupLogging(cfg.Log)

	loc, err := cfg.Location()
	if err != nil {
		log.Fatal().Err(err).Msg("timezone")
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	repo := store.NewSQLiteRepo(db)

	m := metrics.New()
	clk := clock.System{}

	// Fetch pipeline
	limiter := fetch.NewRateLimiter(fetch.Limits{PerMinute: cfg.Search.PerMinute, PerDay: cfg.Search.PerDay}, clk)
	dedup, err := fetch.NewDedupCache(cfg.Search.DedupCapacity, clk)
	if err != nil {
		log.Fatal().Err(err).Msg("dedup cache")
	}
	if cfg.Search.PersistDedup {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Dispatcher.StoreTimeout.Std())
		fps, err := repo.LoadFingerprints(ctx)
		cancel()
		if err != nil {
			log.Warn().Err(err).Msg("load dedup snapshot")
		} else {
			dedup.Restore(fps)
			log.Info().Int("fingerprints", dedup.Len()).Msg("restored dedup cache")
		}
	}

	serp := serpapi.New(cfg.Search.APIKey, cfg.Search.MinInterval.Std())
	serp.BaseURL = cfg.Search.BaseURL
	blocked := cfg.Search.BlockedDomains
	if len(blocked) == 0 {
		blocked = fetch.DefaultBlockedDomains
	}
	pipeline := fetch.NewPipeline(serp, limiter, dedup,
		fetch.WithFilter(fetch.Filter{MinSnippetLength: cfg.Search.MinSnippetLength, BlockedDomains: blocked}),
		fetch.WithClock(clk),
		fetch.WithMetrics(m),
	)

	// Executors registry
	registry := executor.NewRegistry()
	registry.Register(domain.TaskTypeWebSearch, &websearch.Executor{Searcher: pipeline, ResourceKey: websearch.DefaultResourceKey})

	var llm executor.AgentExecutor = agent.Unconfigured{}
	if strings.TrimSpace(cfg.Agent.APIKey) != "" {
		a, err := agent.NewAnthropic(agent.AnthropicConfig{
			APIKey:     cfg.Agent.APIKey,
			BaseURL:    cfg.Agent.BaseURL,
			Model:      cfg.Agent.Model,
			MaxTokens:  cfg.Agent.MaxTokens,
			MaxRetries: 2,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("anthropic client")
		}
		llm = a
	} else {
		log.Warn().Msg("ANTHROPIC_API_KEY not set; agent tasks will fail permanently")
	}
	for _, t := range []domain.TaskType{domain.TaskTypeDataAnalysis, domain.TaskTypeReportGeneration, domain.TaskTypeAgentInteraction} {
		registry.Register(t, &agent.Executor{Agent: llm})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Leader election across replicas
	var gate func() bool
	if strings.TrimSpace(cfg.Redis.URL) != "" {
		client, err := lock.Dial(cfg.Redis.URL)
		if err != nil {
			log.Fatal().Err(err).Msg("redis")
		}
		defer client.Close()
		elector := lock.NewElector(client, cfg.Redis.Key, cfg.Redis.TTL.Std())
		go elector.Run(ctx)
		gate = elector.IsLeader
		log.Info().Str("instance", elector.ID()).Msg("leader election enabled")
	}

	d := scheduler.NewDispatcher(repo, registry, scheduler.Options{
		PollInterval:     cfg.Dispatcher.PollInterval.Std(),
		ExecutionTimeout: cfg.Dispatcher.ExecutionTimeout.Std(),
		StoreTimeout:     cfg.Dispatcher.StoreTimeout.Std(),
		Workers:          cfg.Dispatcher.Workers,
		Policy: retry.Policy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			Base:        cfg.Retry.Base.Std(),
			Cap:         cfg.Retry.Cap.Std(),
		},
		DeactivateAfter: cfg.Dispatcher.DeactivateAfter,
		Location:        loc,
		Clock:           clk,
		Metrics:         m,
		Gate:            gate,
	})

	maint := scheduler.NewMaintenance(repo, scheduler.MaintenanceOptions{
		StaleAfter:   cfg.Maintenance.StaleAfter.Std(),
		Retention:    cfg.Maintenance.Retention.Std(),
		StoreTimeout: cfg.Dispatcher.StoreTimeout.Std(),
		Location:     loc,
		Clock:        clk,
		Gate:         gate,
	})
	// Reclaim executions orphaned by a previous crash before the first poll.
	if n, err := maint.RecoverStale(ctx); err == nil {
		log.Info().Int("recovered", n).Msg("recovered stale running executions")
	}
	if err := maint.Start(); err != nil {
		log.Fatal().Err(err).Msg("maintenance")
	}
	d.Start(ctx)

	if *cfgPath != "" {
		go func() {
			err := config.Watch(ctx, *cfgPath, func(c config.Config) {
				limiter.SetLimits(fetch.Limits{PerMinute: c.Search.PerMinute, PerDay: c.Search.PerDay})
				// The logger itself is only built at startup; the level is atomic.
				zerolog.SetGlobalLevel(c.Log.ZerologLevel())
			})
			if err != nil {
				log.Warn().Err(err).Msg("config watch stopped")
			}
		}()
	}

	// HTTP server
	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: api.NewServer(repo, api.Options{
			Engine:      d,
			Metrics:     m,
			Location:    loc,
			Clock:       clk,
			Debug:       cfg.Debug,
			CORSOrigins: cfg.CORSOrigins,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")

	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
	maint.Stop()
	if err := d.Shutdown(ctxTimeout); err != nil {
		log.Warn().Err(err).Msg("executions cancelled at shutdown")
	}
	cancel()

	if cfg.Search.PersistDedup {
		saveCtx, cancelSave := context.WithTimeout(context.Background(), cfg.Dispatcher.StoreTimeout.Std())
		if err := repo.SaveFingerprints(saveCtx, dedup.Snapshot()); err != nil {
			log.Warn().Err(err).Msg("save dedup snapshot")
		}
		cancelSave()
	}
}

func setupLogging(lc config.LogConfig) {
	zerolog.SetGlobalLevel(lc.ZerologLevel())
	if lc.Console {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	} else {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
}
