// Package engine assembles the work order scheduler with its collaborators
// and runs the background jobs around it.
package engine

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ramiqadoumi/tbwo/internal/agent"
	"github.com/ramiqadoumi/tbwo/internal/blob"
	"github.com/ramiqadoumi/tbwo/internal/domain"
	"github.com/ramiqadoumi/tbwo/internal/events"
	"github.com/ramiqadoumi/tbwo/internal/kafka"
	"github.com/ramiqadoumi/tbwo/internal/llm"
	"github.com/ramiqadoumi/tbwo/internal/memory"
	"github.com/ramiqadoumi/tbwo/internal/notify"
	"github.com/ramiqadoumi/tbwo/internal/planner"
	"github.com/ramiqadoumi/tbwo/internal/pool"
	"github.com/ramiqadoumi/tbwo/internal/postgres"
	"github.com/ramiqadoumi/tbwo/internal/prompt"
	redisstore "github.com/ramiqadoumi/tbwo/internal/redis"
	"github.com/ramiqadoumi/tbwo/internal/router"
	"github.com/ramiqadoumi/tbwo/internal/scheduler"
	"github.com/ramiqadoumi/tbwo/internal/sqlite"
	"github.com/ramiqadoumi/tbwo/internal/store"
	"github.com/ramiqadoumi/tbwo/internal/tools"
	"github.com/ramiqadoumi/tbwo/services/engine/config"
)

//go:embed routing.default.yaml
var defaultRouting []byte

const (
	leaderKey      = "tbwo:watchdog:leader"
	answersGroup   = "tbwo-engine"
	eventQueueSize = 1024
)

// Engine is a fully wired scheduler plus the jobs that keep it running.
type Engine struct {
	Scheduler *scheduler.Scheduler
	Status    redisstore.StatusStore

	repo      store.Repository
	pool      *pool.Pool
	redis     *goredis.Client
	producer  kafka.Producer
	answers   kafka.Consumer
	publisher *events.Async
	watchdog  *Watchdog
	logger    *slog.Logger
}

// New connects to every configured backend and builds the scheduler.
// Optional backends are skipped when their address is empty.
func New(ctx context.Context, cfg config.Config, instanceID string, logger *slog.Logger) (*Engine, error) {
	e := &Engine{logger: logger}
	ok := false
	defer func() {
		if !ok {
			e.closeBackends()
		}
	}()

	repo, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	e.repo = repo

	var (
		stats   router.StatsStore = router.NewMemoryStats(cfg.RouterWindow)
		limiter llm.Limiter
		leader  Elector
	)
	if cfg.RedisAddr != "" {
		e.redis = redisstore.NewClient(cfg.RedisAddr)
		if err := e.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		e.Status = redisstore.NewStatusStore(e.redis)
		stats = redisstore.NewRouterStats(e.redis, cfg.RouterWindow)
		if limits := modelLimits(cfg); limits.Enabled() {
			limiter = redisstore.NewModelLimiter(e.redis, limits, time.Minute)
		}
		leader = redisstore.NewLeader(e.redis, leaderKey, instanceID, cfg.LeaderTTL)
	}

	rt, err := loadRouter(cfg.RoutingFile)
	if err != nil {
		return nil, err
	}
	adaptive := router.NewAdaptive(rt, stats, router.WithLogger(logger))

	providers := make([]llm.Provider, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		providers = append(providers, llm.Provider{Name: p.Name, BaseURL: p.BaseURL, APIKey: p.APIKey})
	}
	llmOpts := []llm.Option{llm.WithLogger(logger)}
	if limiter != nil {
		llmOpts = append(llmOpts, llm.WithLimiter(limiter))
	}
	client := llm.NewHTTPClient(providers, llmOpts...)

	ws, err := tools.NewWorkspace(cfg.Workspace)
	if err != nil {
		return nil, err
	}
	var mem memory.Client
	if cfg.MemoryURL != "" {
		mem = memory.NewHTTPClient(cfg.MemoryURL, memory.WithAPIKey(cfg.MemoryAPIKey))
	}
	registry := tools.Standard(ws, tools.StandardConfig{
		SearchEndpoint: cfg.SearchEndpoint,
		Memory:         mem,
		ExecAllow:      cfg.CodeExec.Allow,
		ExecTimeout:    cfg.CodeExec.Timeout,
	}, tools.WithLogger(logger))

	var catalog prompt.Catalog
	if cfg.RolesFile != "" {
		if catalog, err = prompt.LoadCatalog(cfg.RolesFile); err != nil {
			return nil, err
		}
	}

	sinks := events.Multi{events.NewLog(logger)}
	if brokers := cfg.Brokers(); len(brokers) > 0 {
		e.producer = kafka.NewProducer(brokers)
		sinks = append(sinks, events.NewKafka(e.producer))
		e.answers = kafka.NewConsumer(brokers, kafka.TopicAnswers, answersGroup, logger)
	}
	if cfg.SMTP.Host != "" {
		sinks = append(sinks, events.NewEscalator(notify.NewEmail(notify.EmailConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			From:     cfg.SMTP.From,
			To:       cfg.SMTP.To,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
		})))
	}
	if cfg.Webhook.URL != "" {
		sinks = append(sinks, events.NewEscalator(notify.NewWebhook(notify.WebhookConfig{
			URL:     cfg.Webhook.URL,
			Headers: cfg.Webhook.Headers,
		})))
	}
	e.publisher = events.NewAsync(sinks, eventQueueSize, logger)

	opts := []scheduler.Option{
		scheduler.WithLogger(logger),
		scheduler.WithRepository(repo),
		scheduler.WithPublisher(e.publisher),
		scheduler.WithPlanner(planner.NewLLM(client, adaptive, planner.WithLogger(logger))),
		scheduler.WithPromptBuilder(prompt.NewBuilder(catalog, cfg.PromptCeiling)),
		scheduler.WithMaxConcurrent(cfg.MaxConcurrent),
		scheduler.WithStaleAfter(cfg.StaleAfter),
	}
	if cfg.MinTaskTimeout > 0 {
		opts = append(opts, scheduler.WithMinTaskTimeout(cfg.MinTaskTimeout))
	}
	if e.Status != nil {
		opts = append(opts, scheduler.WithStatusSink(e.Status))
	}
	if cfg.Blob.Endpoint != "" {
		exp, err := blob.NewMinIO(blob.Config{
			Endpoint:  cfg.Blob.Endpoint,
			AccessKey: cfg.Blob.AccessKey,
			SecretKey: cfg.Blob.SecretKey,
			Bucket:    cfg.Blob.Bucket,
			UseSSL:    cfg.Blob.UseSSL,
		}, blob.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		opts = append(opts, scheduler.WithExporter(exp))
	}

	agentOpts := []agent.Option{agent.WithLogger(logger)}
	if cfg.MaxIterations > 0 {
		agentOpts = append(agentOpts, agent.WithMaxIterations(cfg.MaxIterations))
	}
	runner := agent.New(client, adaptive, registry, agentOpts...)

	for role := range cfg.RoleTools {
		if !domain.Role(role).Valid() {
			logger.Warn("role_tools names an unknown role", slog.String("role", role))
		}
	}
	e.pool = pool.New(
		pool.WithLogger(logger),
		pool.WithCapacity(cfg.PoolCapacity),
		pool.WithRoleTools(tools.MergeRoleTools(cfg.RoleTools)),
	)
	e.Scheduler = scheduler.New(e.pool, runner, opts...)

	wdOpts := []WatchdogOption{
		WithSchedule(cfg.WatchdogTick, cfg.WatchdogRecover),
		WithWatchdogLogger(logger),
	}
	if leader != nil {
		wdOpts = append(wdOpts, WithElector(leader))
	}
	e.watchdog = NewWatchdog(e.Scheduler, wdOpts...)

	ok = true
	return e, nil
}

// OpenStore opens the configured repository backend.
func OpenStore(ctx context.Context, cfg config.Config) (store.Repository, error) {
	switch cfg.Store {
	case config.StoreMemory, "":
		return store.NewMemory(), nil
	case config.StoreSQLite:
		path := cfg.SQLitePath
		if path == "" {
			path = "tbwo.db"
		}
		return sqlite.Open(ctx, path)
	case config.StorePostgres:
		pg, err := postgres.NewPool(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		if _, err := postgres.Migrate(ctx, pg); err != nil {
			pg.Close()
			return nil, err
		}
		return postgres.NewRepository(pg), nil
	}
	return nil, fmt.Errorf("unknown store %q (want memory, sqlite or postgres)", cfg.Store)
}

// modelLimits turns provider_rpm and the per-provider overrides into
// per-minute call limits.
func modelLimits(cfg config.Config) redisstore.ModelLimits {
	limits := redisstore.ModelLimits{Default: cfg.ProviderRPM, ByKey: map[string]int{}}
	for _, p := range cfg.Providers {
		if p.RPM != nil {
			limits.ByKey[p.Name] = *p.RPM
		}
		for model, n := range p.ModelRPM {
			limits.ByKey[p.Name+"/"+model] = n
		}
	}
	return limits
}

func loadRouter(path string) (*router.Router, error) {
	var (
		rc  router.Config
		err error
	)
	if path != "" {
		rc, err = router.LoadFile(path)
	} else {
		rc, err = router.Parse(defaultRouting)
	}
	if err != nil {
		return nil, err
	}
	return router.New(rc)
}

// Run consumes human answers and runs the watchdog until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if e.answers != nil {
		handler := events.AnswerHandler(e.resume, e.logger)
		go func() {
			if err := e.answers.Subscribe(ctx, handler); err != nil && !errors.Is(err, context.Canceled) {
				e.logger.Error("answers consumer stopped", slog.String("error", err.Error()))
			}
		}()
	}
	return e.watchdog.Run(ctx)
}

func (e *Engine) resume(ctx context.Context, workOrderID string, ans domain.HumanAnswer) error {
	_, err := e.Scheduler.Resume(ctx, workOrderID, scheduler.ResumeRequest{Answer: &ans, By: ans.AnsweredBy})
	return err
}

// Ready checks the repository and Redis.
func (e *Engine) Ready(ctx context.Context) error {
	if _, err := e.repo.ListWorkOrders(ctx, store.Filter{Limit: 1}); err != nil {
		return fmt.Errorf("repository: %w", err)
	}
	if e.redis != nil {
		if err := e.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// Close interrupts running tasks, flushes queued events and disconnects.
func (e *Engine) Close(ctx context.Context) error {
	err := e.Scheduler.Shutdown(ctx)
	e.closeBackends()
	return err
}

func (e *Engine) closeBackends() {
	if e.answers != nil {
		_ = e.answers.Close()
	}
	if e.publisher != nil {
		e.publisher.Close()
	}
	if e.producer != nil {
		_ = e.producer.Close()
	}
	if e.repo != nil {
		_ = e.repo.Close()
	}
	if e.redis != nil {
		_ = e.redis.Close()
	}
}
