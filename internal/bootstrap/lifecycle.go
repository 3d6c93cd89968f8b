package bootstrap

import (
	"context"
	"sync"
	"time"

	"switchyard/pkg/errors"
	"switchyard/pkg/logger"
)

// Lifecycle manages graceful shutdown of components
type Lifecycle struct {
	shutdownTimeout time.Duration
}

// NewLifecycle creates a new lifecycle manager
func NewLifecycle() *Lifecycle {
	return &Lifecycle{
		shutdownTimeout: 90 * time.Second,
	}
}

// Shutdown stops components in dependency order:
// 1. Engine stops admitting and releases blocked Execute callers
// 2. HTTP server drains
// 3. Execution pool finishes in-flight attempts
// 4. Queue closes; delayed records stay mirrored for the next start
// 5. Maintenance workers stop
// 6. Stream clients disconnect
// 7. Event publisher drains, then the producer closes
// 8. ClickHouse batch writer flushes
// 9. Error tracker and logs flush
// 10. Database connections close last
func (l *Lifecycle) Shutdown(c *Container) {
	log := c.Log
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), l.shutdownTimeout)
	defer shutdownCancel()

	log.Info("[1/10] Stopping execution engine...")
	if c.Services.Engine != nil {
		c.Services.Engine.Stop()
		log.Info("✓ Engine stopped accepting requests")
	}

	log.Info("[2/10] Stopping HTTP server...")
	if c.Application.HTTPServer != nil {
		httpCtx, httpCancel := context.WithTimeout(shutdownCtx, c.Config.HTTP.ShutdownTimeout)
		if err := c.Application.HTTPServer.Shutdown(httpCtx); err != nil {
			log.Errorw("HTTP server shutdown failed", "error", err)
		}
		httpCancel()
	}

	log.Info("[3/10] Stopping execution pool...")
	if c.Background.Pool != nil {
		if err := c.Background.Pool.Stop(); err != nil {
			log.Warnw("Execution pool shutdown incomplete", "error", err)
		} else {
			log.Info("✓ Execution pool stopped")
		}
	}

	log.Info("[4/10] Closing queue...")
	if c.Services.Queue != nil {
		c.Services.Queue.Close()
		log.Infow("✓ Queue closed", "left_mirrored", c.Services.Queue.Len())
	}

	log.Info("[5/10] Stopping background workers...")
	if c.Background.WorkerScheduler != nil {
		if err := c.Background.WorkerScheduler.Stop(); err != nil {
			log.Errorw("Workers shutdown failed", "error", err)
		} else {
			log.Info("✓ Workers stopped")
		}
	}

	log.Info("[6/10] Closing stream clients...")
	if c.Adapters.Stream != nil {
		c.Adapters.Stream.Close()
	}

	log.Info("[7/10] Draining event publisher...")
	if c.Adapters.Publisher != nil {
		if err := c.Adapters.Publisher.Stop(shutdownCtx); err != nil {
			log.Errorw("Event publisher drain failed", "error", err)
		}
	}
	if c.Adapters.Producer != nil {
		if err := c.Adapters.Producer.Close(); err != nil {
			log.Errorw("Kafka producer close failed", "error", err)
		} else {
			log.Info("✓ Kafka producer closed")
		}
	}

	log.Info("[8/10] Flushing execution metrics...")
	if c.Repos.ExecutionMetrics != nil {
		if err := c.Repos.ExecutionMetrics.Stop(shutdownCtx); err != nil {
			log.Errorw("Execution metrics flush failed", "error", err)
		}
	}

	l.waitForGoroutines(c.WG, 5*time.Second, log)

	log.Info("[9/10] Flushing error tracker and logs...")
	l.flushErrorTracker(shutdownCtx, c.ErrorTracker, log)
	if err := logger.Sync(); err != nil {
		log.Debugw("Log sync completed with warnings", "error", err)
	}

	log.Info("[10/10] Closing database connections...")
	l.closeDatabases(c, log)

	log.Info("✅ Graceful shutdown complete")
}

// waitForGoroutines waits for all goroutines with a timeout
func (l *Lifecycle) waitForGoroutines(wg *sync.WaitGroup, timeout time.Duration, log *logger.Logger) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		log.Warnw("⚠ Some goroutines did not finish within timeout", "timeout", timeout)
	}
}

// flushErrorTracker flushes the error tracker (Sentry, etc.)
func (l *Lifecycle) flushErrorTracker(ctx context.Context, tracker errors.Tracker, log *logger.Logger) {
	if tracker == nil {
		return
	}

	flushCtx, flushCancel := context.WithTimeout(ctx, 3*time.Second)
	defer flushCancel()

	if err := tracker.Flush(flushCtx); err != nil {
		log.Errorw("Error tracker flush failed", "error", err)
	}
}

// closeDatabases closes all database connections
func (l *Lifecycle) closeDatabases(c *Container, log *logger.Logger) {
	var dbErrors []error

	if c.PG != nil {
		if err := c.PG.Close(); err != nil {
			dbErrors = append(dbErrors, errors.Wrap(err, "postgres"))
		}
	}
	if c.CH != nil {
		if err := c.CH.Close(); err != nil {
			dbErrors = append(dbErrors, errors.Wrap(err, "clickhouse"))
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			dbErrors = append(dbErrors, errors.Wrap(err, "redis"))
		}
	}

	if err := errors.Join(dbErrors...); err != nil {
		log.Errorw("Database close errors", "error", err)
	} else {
		log.Info("✓ Database connections closed")
	}
}
