package bootstrap

import (
	"context"
	"time"

	chclient "switchyard/internal/adapters/clickhouse"
	"switchyard/internal/adapters/config"
	errnoop "switchyard/internal/adapters/errors/noop"
	"switchyard/internal/adapters/errors/sentry"
	"switchyard/internal/adapters/invoker"
	"switchyard/internal/adapters/kafka"
	pgclient "switchyard/internal/adapters/postgres"
	redisclient "switchyard/internal/adapters/redis"
	"switchyard/internal/adapters/telegram"
	"switchyard/internal/api"
	"switchyard/internal/api/handlers"
	"switchyard/internal/api/health"
	"switchyard/internal/api/stream"
	"switchyard/internal/domain/budget"
	"switchyard/internal/domain/execution"
	"switchyard/internal/domain/tool"
	"switchyard/internal/events"
	"switchyard/internal/metrics"
	chrepo "switchyard/internal/repository/clickhouse"
	pgrepo "switchyard/internal/repository/postgres"
	redisrepo "switchyard/internal/repository/redis"
	"switchyard/internal/services/admission"
	budgetsvc "switchyard/internal/services/budget"
	"switchyard/internal/services/cache"
	execsvc "switchyard/internal/services/execution"
	"switchyard/internal/services/queue"
	"switchyard/internal/services/retry"
	"switchyard/pkg/crypto"
	"switchyard/pkg/errors"
	"switchyard/pkg/logger"
)

// Version is stamped at build time with -ldflags
var Version = "dev"

// ========================================
// Phase 1: Configuration & Logging
// ========================================

// MustInitConfig loads configuration, the policy file and the logger
func (c *Container) MustInitConfig() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}
	c.Config = cfg

	if err := logger.Init(cfg.App.LogLevel, cfg.App.Env); err != nil {
		panic("failed to init logger: " + err.Error())
	}

	c.Log = logger.Get()
	c.Log.Infof("Starting %s in %s mode", cfg.App.Name, cfg.App.Env)

	c.ErrorTracker = provideErrorTracker(cfg, c.Log)
	logger.SetErrorTracker(c.ErrorTracker)

	c.Policies, err = config.LoadPolicies(cfg.Engine.PolicyFile)
	if err != nil {
		c.Log.Fatalf("failed to load policies: %v", err)
	}
	c.Log.Infow("✓ Policies loaded", "file", cfg.Engine.PolicyFile, "tools", len(c.Policies.Tools))

	metrics.Init()
}

// ========================================
// Phase 2: Infrastructure Layer
// ========================================

// MustInitInfrastructure connects data stores. Postgres is required;
// ClickHouse and Redis are used when configured.
func (c *Container) MustInitInfrastructure() {
	var err error

	c.Log.Info("Connecting to PostgreSQL...")
	c.PG, err = pgclient.NewClient(c.Config.Postgres)
	if err != nil {
		c.Log.Fatalf("failed to connect postgres: %v", err)
	}

	ctx, cancel := context.WithTimeout(c.Context, 30*time.Second)
	defer cancel()
	if err := pgrepo.Migrate(ctx, c.PG.DB()); err != nil {
		c.Log.Fatalf("failed to migrate postgres: %v", err)
	}
	c.Log.Info("✓ PostgreSQL connected and migrated")

	if c.Config.ClickHouse.Enabled() {
		c.Log.Info("Connecting to ClickHouse...")
		c.CH, err = chclient.NewClient(c.Config.ClickHouse)
		if err != nil {
			c.Log.Fatalf("failed to connect clickhouse: %v", err)
		}
		c.Log.Info("✓ ClickHouse connected")
	}

	if c.Config.Redis.Enabled() {
		c.Log.Info("Connecting to Redis...")
		c.Redis, err = redisclient.NewClient(c.Config.Redis)
		if err != nil {
			c.Log.Fatalf("failed to connect redis: %v", err)
		}
		c.Log.Info("✓ Redis connected")
	}
}

// ========================================
// Phase 3: Repositories
// ========================================

// MustInitRepositories initializes the durable stores
func (c *Container) MustInitRepositories() {
	sealer, err := crypto.NewSealer(c.Config.Crypto.EncryptionKey)
	if err != nil {
		c.Log.Fatalf("failed to initialize credential sealer: %v", err)
	}

	db := c.PG.DB()
	c.Repos.QueueMirror = pgrepo.NewQueueMirrorRepository(db)
	c.Repos.Budget = pgrepo.NewBudgetRepository(db)
	c.Repos.Credentials = pgrepo.NewCredentialRepository(db, sealer)

	if c.CH != nil {
		c.Repos.ExecutionMetrics = chrepo.NewExecutionMetricsRepository(
			c.CH.Conn(),
			c.Config.ClickHouse.BatchSize,
			c.Config.ClickHouse.FlushInterval,
		)
		ctx, cancel := context.WithTimeout(c.Context, 30*time.Second)
		defer cancel()
		if err := c.Repos.ExecutionMetrics.EnsureSchema(ctx); err != nil {
			c.Log.Fatalf("failed to create execution_metrics table: %v", err)
		}
	}

	c.Log.Info("✓ Repositories initialized")
}

// ========================================
// Phase 4: External Adapters
// ========================================

// MustInitAdapters initializes the tool router, event publishing, alert
// delivery and the live stream
func (c *Container) MustInitAdapters() {
	c.Adapters.Router = invoker.NewRouter()
	c.Adapters.Stream = stream.NewHub(c.Log)

	if c.Config.Kafka.Enabled() {
		c.Adapters.Producer = provideKafkaProducer(c.Config, c.Log)
		c.Adapters.Publisher = events.NewPublisher(c.Adapters.Producer, events.Topics{
			Executions:   c.Config.Kafka.ExecutionsTopic,
			BudgetAlerts: c.Config.Kafka.BudgetAlertTopic,
		}, 0, c.Log)
	}

	if c.Config.Telegram.Enabled() {
		bot, err := telegram.NewBotAPI(c.Config.Telegram.BotToken, 10*time.Second)
		if err != nil {
			c.Log.Fatalf("failed to create telegram bot: %v", err)
		}
		c.Adapters.Notifier = telegram.NewAlertNotifier(bot,
			c.Config.Telegram.MessagesPerSec,
			c.Config.Telegram.AlertChatIDs,
			c.Log,
		)
		c.Log.Info("✓ Telegram alerts enabled")
	}
}

// ========================================
// Phase 5: Execution pipeline
// ========================================

// MustInitServices builds the pipeline, applies policies and restores
// budget state from Postgres
func (c *Container) MustInitServices() {
	p := c.Policies

	c.Services.Admission = admission.NewController(admission.Limit(p.DefaultRateLimit), nil, c.Log)
	c.Services.Retry = retry.NewCoordinator(p.DefaultRetry, nil)
	c.Services.Catalog = tool.NewCatalog()
	c.Services.Budget = budgetsvc.NewGuard(c.Repos.Budget, c.Clock, c.Log, c.alertSinks()...)
	c.Services.Cache = c.provideCache()
	c.Services.Queue = queue.New(c.Repos.QueueMirror, c.Clock, c.Log)

	ctx, cancel := context.WithTimeout(c.Context, 30*time.Second)
	defer cancel()
	if err := c.Services.Budget.Rebuild(ctx); err != nil {
		c.Log.Fatalf("failed to rebuild budget ledgers: %v", err)
	}

	err := applyPolicies(p, policyTargets{
		Admission: c.Services.Admission,
		Retry:     c.Services.Retry,
		Budget:    c.Services.Budget,
		Router:    c.Adapters.Router,
		Catalog:   c.Services.Catalog,
	}, c.Log)
	if err != nil {
		c.Log.Fatalf("failed to apply policies: %v", err)
	}

	deps := execsvc.Deps{
		Admission:   c.Services.Admission,
		Budget:      c.Services.Budget,
		Cache:       c.Services.Cache,
		Retry:       c.Services.Retry,
		Queue:       c.Services.Queue,
		Catalog:     c.Services.Catalog,
		Invoker:     c.Adapters.Router,
		Credentials: c.Repos.Credentials,
		Observer:    c.observers(),
		Clock:       c.Clock,
	}
	if c.Repos.ExecutionMetrics != nil {
		deps.Metrics = c.Repos.ExecutionMetrics
	}

	c.Services.Engine, err = execsvc.NewEngine(execsvc.Config{
		CacheTTL:        c.Config.Engine.CacheTTL,
		ResultRetention: c.Config.Engine.ResultRetention,
	}, deps, c.Log)
	if err != nil {
		c.Log.Fatalf("failed to create execution engine: %v", err)
	}

	metrics.RegisterCollector(metrics.NewEngineCollector(c.metricSources()))
	c.Log.Info("✓ Execution engine initialized")
}

func (c *Container) alertSinks() []budget.AlertSink {
	var sinks []budget.AlertSink
	if c.Adapters.Publisher != nil {
		sinks = append(sinks, c.Adapters.Publisher)
	}
	if c.Adapters.Notifier != nil {
		sinks = append(sinks, c.Adapters.Notifier)
	}
	return sinks
}

func (c *Container) observers() execution.Observer {
	obs := execution.Observers{c.Adapters.Stream}
	if c.Adapters.Publisher != nil {
		obs = append(obs, c.Adapters.Publisher)
	}
	return obs
}

func (c *Container) provideCache() cache.Cache {
	if c.Config.Engine.CacheBackend == "redis" && c.Redis != nil {
		c.Log.Info("✓ Result cache backed by Redis")
		return redisrepo.NewResultCache(c.Redis.Client())
	}
	return cache.NewMemoryCache(c.Clock)
}

func (c *Container) metricSources() metrics.Sources {
	src := metrics.Sources{
		QueueDepth: func() map[string]int {
			out := make(map[string]int)
			for p, n := range c.Services.Queue.Stats().ByPriority {
				out[string(p)] = n
			}
			return out
		},
		QueueDelayed: func() int { return c.Services.Queue.Stats().Delayed },
		Running:      c.Services.Engine.Running,
		RateWindows:  c.Services.Admission.Size,
		BudgetLedgers: func() []metrics.ToolSpend {
			snapshot := c.Services.Budget.Snapshot()
			out := make([]metrics.ToolSpend, 0, len(snapshot))
			for _, a := range snapshot {
				remaining := -1.0
				if !a.DailyUnlimited {
					remaining = a.DailyRemaining.InexactFloat64()
				}
				out = append(out, metrics.ToolSpend{
					ToolID:           a.ToolID,
					Daily:            a.Daily.InexactFloat64(),
					Monthly:          a.Monthly.InexactFloat64(),
					DailyRemaining:   remaining,
					ProjectedMonthly: a.ProjectedMonthly.InexactFloat64(),
				})
			}
			return out
		},
	}
	if mem, ok := c.Services.Cache.(*cache.MemoryCache); ok {
		src.CacheEntries = mem.Len
	}
	return src
}

// ========================================
// Phase 6: Application Layer
// ========================================

// MustInitApplication builds the HTTP API
func (c *Container) MustInitApplication() {
	var stats handlers.StatsSource
	if c.Repos.ExecutionMetrics != nil {
		stats = c.Repos.ExecutionMetrics
	}

	routes := api.Routes{
		Health:     health.New(c.Log, c.Config.App.Name, Version, c.healthChecks()...),
		Executions: handlers.NewExecutionHandler(c.Services.Engine, c.Log),
		Budgets:    handlers.NewBudgetHandler(c.Services.Budget, c.Log).WithAlertHistory(c.Repos.Budget),
		Queue:      handlers.NewQueueHandler(c.Services.Engine, c.Background.WorkerScheduler, stats),
		Stream:     c.Adapters.Stream,
	}

	c.Application.HTTPServer = api.NewServer(api.ServerConfig{
		Port:         c.Config.HTTP.Port,
		ServiceName:  c.Config.App.Name,
		Version:      Version,
		ReadTimeout:  c.Config.HTTP.ReadTimeout,
		WriteTimeout: c.Config.HTTP.WriteTimeout,
	}, routes, c.Log)
}

func (c *Container) healthChecks() []health.Check {
	checks := []health.Check{{Name: "postgres", Required: true, Ping: c.PG.Health}}
	if c.CH != nil {
		checks = append(checks, health.Check{Name: "clickhouse", Ping: c.CH.Health})
	}
	if c.Redis != nil {
		checks = append(checks, health.Check{
			Name:     "redis",
			Required: c.Config.Engine.CacheBackend == "redis",
			Ping:     c.Redis.Health,
		})
	}
	return checks
}

// ========================================
// Providers
// ========================================

func provideErrorTracker(cfg *config.Config, log *logger.Logger) errors.Tracker {
	if !cfg.ErrorTracking.Enabled || cfg.ErrorTracking.SentryDSN == "" {
		log.Info("Error tracking disabled")
		return errnoop.New()
	}

	tracker, err := sentry.New(cfg.ErrorTracking.SentryDSN, cfg.ErrorTracking.Environment)
	if err != nil {
		log.Warnf("Failed to initialize Sentry: %v", err)
		return errnoop.New()
	}

	log.Info("✓ Error tracking initialized (Sentry)")
	return tracker
}

func provideKafkaProducer(cfg *config.Config, log *logger.Logger) *kafka.Producer {
	producer := kafka.NewProducer(kafka.ProducerConfig{
		Brokers: cfg.Kafka.Brokers,
		Async:   false,
	})
	log.Infow("✓ Kafka producer initialized", "brokers", cfg.Kafka.Brokers)
	return producer
}
