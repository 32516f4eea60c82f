// Package app builds the running service from a Config: storage, the tool
// registry, reasoning, the queue and its workers, retention, and the HTTP
// handler.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"path"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"scamprobe/internal/cache"
	"scamprobe/internal/classify"
	"scamprobe/internal/config"
	"scamprobe/internal/db"
	"scamprobe/internal/domain"
	"scamprobe/internal/engine"
	"scamprobe/internal/extract"
	"scamprobe/internal/llm"
	"scamprobe/internal/migrate"
	"scamprobe/internal/progress"
	"scamprobe/internal/queue"
	"scamprobe/internal/reasoner"
	"scamprobe/internal/repo"
	"scamprobe/internal/retention"
	"scamprobe/internal/router"
	"scamprobe/internal/server"
	"scamprobe/internal/telemetry"
	"scamprobe/internal/tools"
)

// Options override pieces New would otherwise build from the config.
type Options struct {
	Version string
	// Provider replaces the configured LLM provider.
	Provider llm.Provider
	// Redis replaces the client built from config.redis.
	Redis redis.UniversalClient
	// CertProbe replaces the TLS dialer used by domain reputation.
	CertProbe tools.CertProbe
}

// Roles selects which background parts Start runs.
type Roles struct {
	Workers  bool
	Janitor  bool
	Webhooks bool
}

type App struct {
	Config   *config.Config
	DB       *sql.DB
	Repo     repo.Repo
	Redis    redis.UniversalClient
	Cache    cache.Store
	Registry *tools.Registry
	Progress progress.Broker
	Queue    queue.Queue
	Engine   engine.Engine
	Pool     *queue.Pool
	Router   *router.Router
	Janitor  *retention.Janitor
	Webhooks *server.WebhookDispatcher
	Handler  http.Handler

	ownRedis    bool
	stopTracing func(context.Context) error
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

// New opens storage, runs migrations and wires every component. Nothing
// runs in the background until Start.
func New(ctx context.Context, cfg *config.Config, opts Options) (_ *App, err error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &App{Config: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.stopTracing, err = telemetry.Setup(cfg.Telemetry.ServiceName, opts.Version, cfg.Telemetry.Enabled)
	if err != nil {
		return nil, err
	}
	a.DB, err = db.Open(db.Config{Workspace: cfg.Storage.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(ctx, a.DB); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	a.Repo = repo.New(a.DB)

	redisBacked := cfg.Queue.Backend == "redis"
	if redisBacked {
		a.Redis = opts.Redis
		if a.Redis == nil {
			a.Redis = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
			a.ownRedis = true
		}
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		a.Cache = cache.NewRedis(a.Redis)
		a.Progress = progress.NewRedisBroker(a.Redis, cfg.Progress.HistorySize, cfg.Orchestrator.Retention)
		a.Queue = queue.NewRedis(a.Redis)
	} else {
		a.Cache = cache.SQL{DB: a.DB}
		a.Progress = progress.NewHub(cfg.Progress.HistorySize, cfg.Progress.SubscriberBuffer)
		a.Queue = queue.NewMemory()
	}
	if rb, ok := a.Progress.(*progress.RedisBroker); ok {
		rb.Buffer = cfg.Progress.SubscriberBuffer
	}

	a.Registry, err = buildRegistry(cfg, a.Repo, a.Cache, opts.CertProbe)
	if err != nil {
		return nil, err
	}
	if err := cfg.ValidateDeadline(a.Registry.MaxRouteLen()); err != nil {
		return nil, err
	}

	reason, classifier := buildReasoning(cfg, opts.Provider)
	x := extract.New(cfg.Extract.DefaultRegion)
	o := cfg.Orchestrator
	a.Engine = engine.Engine{
		Extractor:  x,
		Registry:   a.Registry,
		Reasoner:   reason,
		Classifier: classifier,
		Store:      a.Repo,
		Progress:   a.Progress,
		Limits: engine.Limits{
			PerTask:         o.PerTaskConcurrency,
			ToolTimeout:     o.ToolTimeout,
			TaskDeadline:    o.TaskDeadline,
			ReasonerTimeout: o.ReasonerTimeout,
		},
		Global: semaphore.NewWeighted(int64(o.GlobalConcurrency)),
	}
	a.Pool = queue.NewPool(a.Queue, a.Repo, a.Engine, a.Progress, queue.PoolConfig{
		Workers:      cfg.Queue.Workers,
		MaxAttempts:  cfg.Queue.MaxAttempts,
		BackoffBase:  cfg.Queue.BackoffBase,
		BackoffMax:   cfg.Queue.BackoffMax,
		Heartbeat:    cfg.Queue.Heartbeat,
		ProbeTimeout: cfg.Queue.ProbeTimeout,
	})

	basePath := cfg.Server.BasePath
	a.Router = &router.Router{
		Extractor:  x,
		Classifier: classifier,
		Pool:       a.Pool,
		Queue:      a.Queue,
		Tasks:      a.Repo,
		Progress:   a.Progress,
		StreamURL: func(id string) string {
			return path.Join("/", basePath, "tasks", id, "stream")
		},
		Calls:        a.calls,
		PerTask:      o.PerTaskConcurrency,
		ToolTimeout:  o.ToolTimeout,
		TaskDeadline: o.TaskDeadline,
	}

	a.Janitor = &retention.Janitor{
		Tasks:      a.Repo,
		Recoverer:  a.Pool,
		Retention:  o.Retention,
		StaleAfter: cfg.Queue.StaleAfter,
	}
	if sw, ok := a.Cache.(retention.CacheSweeper); ok {
		a.Janitor.Cache = sw
	}
	if ts, ok := a.Progress.(retention.TopicSweeper); ok {
		a.Janitor.Topics = ts
	}
	a.Webhooks = server.NewWebhookDispatcher(a.DB, cfg.Webhooks)

	auth := server.AuthConfig{JWTSecret: cfg.Server.JWTSecret}
	if cfg.Server.APIKeys {
		auth.Keys = a.Repo
	}
	a.Handler, err = server.New(server.Config{
		Router:    a.Router,
		Tasks:     a.Repo,
		Progress:  a.Progress,
		Health:    a.healthChecks(),
		BasePath:  basePath,
		Auth:      auth,
		Heartbeat: cfg.Progress.Heartbeat,
		Version:   opts.Version,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func buildRegistry(cfg *config.Config, r repo.Repo, store cache.Store, probe tools.CertProbe) (*tools.Registry, error) {
	ttl := func(specific time.Duration) time.Duration {
		if specific > 0 {
			return specific
		}
		return cfg.Tools.CacheTTL
	}
	var adapters []tools.Adapter
	if cfg.ToolEnabled(tools.ScamRecordName) {
		adapters = append(adapters, tools.ScamRecord{Store: r})
	}
	if cfg.ToolEnabled(tools.DomainReputationName) {
		dr := cfg.Tools.DomainReputation
		if probe == nil && dr.TLSProbe {
			probe = tools.TLSProbe{}
		}
		adapters = append(adapters, tools.Cached(tools.NewDomainReputation(probe, dr.NewCertDays), store, ttl(dr.CacheTTL)))
	}
	if ws := cfg.Tools.WebSearch; cfg.ToolEnabled(tools.WebSearchName) {
		if ws.Endpoint == "" {
			log.Warn().Msg("web_search has no endpoint; tool disabled")
		} else {
			adapters = append(adapters, tools.Cached(tools.NewWebSearch(ws.Endpoint, ws.APIKey, ws.RatePerSecond, ws.Burst), store, ttl(ws.CacheTTL)))
		}
	}
	if cfg.ToolEnabled(tools.NumberFormatName) {
		adapters = append(adapters, tools.NumberFormat{HomeRegion: cfg.Extract.DefaultRegion})
	}
	if cfg.ToolEnabled(tools.BusinessRegistryName) {
		adapters = append(adapters, tools.BusinessRegistry{Store: r})
	}
	reg, err := tools.NewRegistry(tools.DefaultRoutes(adapters...)...)
	if err != nil {
		return nil, fmt.Errorf("tool registry: %w", err)
	}
	return reg, nil
}

func buildReasoning(cfg *config.Config, provider llm.Provider) (reasoner.Reasoner, classify.Classifier) {
	if provider == nil && cfg.LLM.Enabled() {
		provider = llm.NewOpenAIProvider(cfg.LLM.APIKey, cfg.LLM.BaseURL)
	}
	if provider == nil {
		log.Info().Msg("no llm configured; using heuristic reasoning and keyword classification")
		return reasoner.Heuristic{}, classify.Keywords{}
	}
	temp := float64(cfg.LLM.Temperature)
	r := reasoner.LLM{Provider: provider, Model: cfg.LLM.Model, Temperature: temp, MaxTokens: cfg.LLM.MaxTokens}
	c := classify.Chain{
		Primary:   classify.LLM{Provider: provider, Model: cfg.LLM.Model, Temperature: temp, MaxTokens: cfg.LLM.MaxTokens},
		Secondary: classify.Keywords{},
		Timeout:   cfg.Orchestrator.ReasonerTimeout,
	}
	return r, c
}

// calls counts the tool calls an entity set routes to.
func (a *App) calls(set domain.EntitySet) int {
	n := 0
	for _, e := range set.Investigable() {
		n += len(a.Registry.For(e.Type))
	}
	return n
}

func (a *App) healthChecks() []server.HealthCheck {
	checks := []server.HealthCheck{
		{Name: "store", Critical: true, Check: a.DB.PingContext},
		{Name: "queue", Check: a.Queue.Ping},
		{Name: "workers", Check: func(ctx context.Context) error {
			if !a.Pool.Alive(ctx) {
				return errors.New("no live workers")
			}
			return nil
		}},
	}
	if a.Redis != nil {
		checks = append(checks, server.HealthCheck{Name: "redis", Check: func(ctx context.Context) error {
			return a.Redis.Ping(ctx).Err()
		}})
	}
	return checks
}

// Start runs the selected background roles until ctx ends or Close. Workers
// first recover work a previous process abandoned.
func (a *App) Start(ctx context.Context, roles Roles) error {
	ctx, a.cancel = context.WithCancel(ctx)
	if roles.Workers {
		if n, err := a.Pool.Recover(ctx, a.Config.Queue.StaleAfter); err != nil {
			log.Warn().Err(err).Int("recovered", n).Msg("startup recovery incomplete")
		}
		a.Pool.Start(ctx)
	}
	if roles.Janitor {
		if err := a.Janitor.Start(a.Config.Orchestrator.PurgeSchedule); err != nil {
			return err
		}
	}
	if roles.Webhooks && len(a.Config.Webhooks) > 0 {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.Webhooks.Run(ctx)
		}()
	}
	return nil
}

// Close stops background work and releases storage. Safe to call twice.
func (a *App) Close() error {
	var firstErr error
	a.closeOnce.Do(func() {
		if a.cancel != nil {
			a.cancel()
		}
		if a.Pool != nil {
			a.Pool.Stop()
		}
		if a.Janitor != nil {
			a.Janitor.Stop()
		}
		a.wg.Wait()
		if a.Queue != nil {
			if err := a.Queue.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if a.ownRedis && a.Redis != nil {
			if err := a.Redis.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if a.DB != nil {
			if err := a.DB.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		if a.stopTracing != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := a.stopTracing(ctx); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	})
	return firstErr
}
