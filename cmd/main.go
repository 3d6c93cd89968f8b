package main

import (
	"os"
	"os/signal"
	"syscall"

	"switchyard/internal/bootstrap"
	"switchyard/pkg/logger"
)

func main() {
	c := bootstrap.NewContainer()
	c.MustInit()
	defer func() { _ = logger.Sync() }()

	if err := c.Start(); err != nil {
		c.Log.Errorf("Startup failed: %v", err)
		c.Shutdown()
		os.Exit(1)
	}

	waitForShutdown(c)
}

// waitForShutdown blocks until a signal arrives or a component cancels the
// application context, then shuts down gracefully
func waitForShutdown(c *bootstrap.Container) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		c.Log.Infow("Shutdown signal received", "signal", sig.String())
	case <-c.Context.Done():
		c.Log.Warn("Application context canceled, shutting down")
	}

	c.Shutdown()
}
