package bootstrap

import (
	"context"
	"sync"

	chclient "switchyard/internal/adapters/clickhouse"
	"switchyard/internal/adapters/config"
	"switchyard/internal/adapters/invoker"
	"switchyard/internal/adapters/kafka"
	pgclient "switchyard/internal/adapters/postgres"
	redisclient "switchyard/internal/adapters/redis"
	"switchyard/internal/adapters/telegram"
	"switchyard/internal/api"
	"switchyard/internal/api/stream"
	"switchyard/internal/domain/tool"
	"switchyard/internal/events"
	chrepo "switchyard/internal/repository/clickhouse"
	pgrepo "switchyard/internal/repository/postgres"
	"switchyard/internal/services/admission"
	budgetsvc "switchyard/internal/services/budget"
	"switchyard/internal/services/cache"
	execsvc "switchyard/internal/services/execution"
	"switchyard/internal/services/queue"
	"switchyard/internal/services/retry"
	"switchyard/internal/workers"
	"switchyard/pkg/clock"
	"switchyard/pkg/errors"
	"switchyard/pkg/logger"
)

// Container holds all application dependencies and their lifecycle
// Components are organized in initialization order
type Container struct {
	// Core configuration & logging
	Config       *config.Config
	Policies     *config.Policies
	Log          *logger.Logger
	ErrorTracker errors.Tracker
	Clock        clock.Clock

	// Infrastructure Layer (Data stores). CH and Redis are optional.
	PG    *pgclient.Client
	CH    *chclient.Client
	Redis *redisclient.Client

	Repos       *Repositories
	Adapters    *Adapters
	Services    *Services
	Application *Application
	Background  *Background

	// Lifecycle management
	Lifecycle *Lifecycle
	WG        *sync.WaitGroup
	Context   context.Context
	Cancel    context.CancelFunc
}

// Repositories groups the durable stores
type Repositories struct {
	QueueMirror      *pgrepo.QueueMirrorRepository
	Budget           *pgrepo.BudgetRepository
	Credentials      *pgrepo.CredentialRepository
	ExecutionMetrics *chrepo.ExecutionMetricsRepository // nil without ClickHouse
}

// Adapters groups all external adapters. Producer, Publisher and
// Notifier are nil when their backends are not configured.
type Adapters struct {
	Router    *invoker.Router
	Producer  *kafka.Producer
	Publisher *events.Publisher
	Notifier  *telegram.AlertNotifier
	Stream    *stream.Hub
}

// Services groups the execution pipeline
type Services struct {
	Admission *admission.Controller
	Budget    *budgetsvc.Guard
	Cache     cache.Cache
	Retry     *retry.Coordinator
	Queue     *queue.Queue
	Catalog   *tool.Catalog
	Engine    *execsvc.Engine
}

// Application groups application layer components
type Application struct {
	HTTPServer *api.Server
}

// Background groups all background processing components
type Background struct {
	Pool            *workers.Pool
	WorkerScheduler *workers.Scheduler
}

// NewContainer creates a new dependency container
func NewContainer() *Container {
	ctx, cancel := context.WithCancel(context.Background())

	return &Container{
		Clock:       clock.Real(),
		Repos:       &Repositories{},
		Adapters:    &Adapters{},
		Services:    &Services{},
		Application: &Application{},
		Background:  &Background{},
		Lifecycle:   NewLifecycle(),
		WG:          &sync.WaitGroup{},
		Context:     ctx,
		Cancel:      cancel,
	}
}

// MustInit initializes all components in the correct order
// Panics on any initialization error (fail-fast at startup)
func (c *Container) MustInit() {
	c.MustInitConfig()
	c.MustInitInfrastructure()
	c.MustInitRepositories()
	c.MustInitAdapters()
	c.MustInitServices()
	c.MustInitBackground()
	c.MustInitApplication()
}

// Start recovers queued work and starts all background components
func (c *Container) Start() error {
	c.Log.Info("Starting all systems...")

	if c.Adapters.Publisher != nil {
		c.Adapters.Publisher.Start(c.Context)
	}
	if c.Repos.ExecutionMetrics != nil {
		c.Repos.ExecutionMetrics.Start(c.Context)
	}

	// Anything still mirrored was queued or in flight when the last
	// process stopped. It runs again (at-least-once).
	restored, err := c.Services.Engine.Rehydrate(c.Context)
	if err != nil {
		return errors.Wrap(err, "failed to rehydrate queue")
	}
	if restored > 0 {
		c.Log.Infow("✓ Queue rehydrated", "records", restored)
	}

	if err := c.Background.Pool.Start(c.Context); err != nil {
		return errors.Wrap(err, "failed to start execution pool")
	}
	if err := c.Background.WorkerScheduler.Start(c.Context); err != nil {
		return errors.Wrap(err, "failed to start workers")
	}

	// Start HTTP server
	c.WG.Add(1)
	go func() {
		defer c.WG.Done()
		if err := c.Application.HTTPServer.Start(); err != nil {
			c.Log.Errorf("HTTP server failed: %v", err)
			c.Cancel() // Trigger shutdown on fatal HTTP error
		}
	}()

	c.Log.Infow("✓ All systems operational",
		"workers", c.Config.Engine.Workers,
		"tools", len(c.Services.Catalog.Tools()),
	)
	return nil
}

// Shutdown performs graceful shutdown in the correct order
func (c *Container) Shutdown() {
	c.Log.Info("Initiating graceful shutdown...")
	c.Lifecycle.Shutdown(c)
	c.Cancel()
}
