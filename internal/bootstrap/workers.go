package bootstrap

import (
	"switchyard/internal/services/cache"
	execsvc "switchyard/internal/services/execution"
	"switchyard/internal/workers"
	"switchyard/internal/workers/maintenance"
)

// MustInitBackground builds the execution pool and the maintenance
// scheduler
func (c *Container) MustInitBackground() {
	ec := c.Config.Engine
	c.Background.Pool = workers.NewPool(workers.PoolConfig{
		Size:            ec.Workers,
		IdleBackoff:     ec.IdleBackoff,
		ErrorBackoff:    ec.ErrorBackoff,
		ShutdownTimeout: ec.ShutdownTimeout,
	}, c.Services.Queue, c.Services.Engine, c.Log)

	c.Background.WorkerScheduler = provideScheduler(c)
	c.Log.Infow("✓ Background workers initialized", "pool_size", ec.Workers)
}

func provideScheduler(c *Container) *workers.Scheduler {
	wc := c.Config.Workers
	scheduler := workers.NewScheduler()
	scheduler.SetShutdownTimeout(c.Config.Engine.ShutdownTimeout)

	scheduler.RegisterWorker(maintenance.NewWindowSweeper(c.Services.Admission, c.Clock, wc.WindowSweepInterval))
	scheduler.RegisterWorker(maintenance.NewRolloverWorker(c.Services.Budget, c.Clock, wc.RolloverInterval))
	scheduler.RegisterWorker(maintenance.NewResultPruner(c.Services.Engine, c.Clock, wc.ResultPruneInterval))
	scheduler.RegisterWorker(maintenance.NewStatusBroadcaster[execsvc.QueueStatus](c.Services.Engine, c.Adapters.Stream, wc.StatusBroadcastInterval))

	// Redis expires its own keys
	if mem, ok := c.Services.Cache.(*cache.MemoryCache); ok {
		scheduler.RegisterWorker(maintenance.NewCacheSweeper(mem, c.Clock, wc.CacheSweepInterval))
	}

	return scheduler
}
