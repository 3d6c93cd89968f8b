// Package maintenance holds the periodic housekeeping workers: admission
// window sweeping, cache sweeping, budget rollover, result pruning and the
// queue status broadcast for stream clients.
package maintenance

import (
	"context"
	"time"

	"switchyard/internal/workers"
	"switchyard/pkg/clock"
)

// Default run intervals
const (
	WindowSweepInterval = 30 * time.Second
	CacheSweepInterval  = time.Minute
	RolloverInterval    = time.Minute
	PruneInterval       = 5 * time.Minute
	BroadcastInterval   = 5 * time.Second
)

// Sweeper drops state that expired before now
type Sweeper interface {
	Sweep(now time.Time) int
}

// Roller resets budget periods that ended before now
type Roller interface {
	Rollover(now time.Time) int
}

// Pruner drops terminal results older than cutoff
type Pruner interface {
	PruneResults(cutoff time.Time) int
	Retention() time.Duration
}

// StatusSource reports the current engine load
type StatusSource[T any] interface {
	QueueStatus() T
}

// Broadcaster fans a status snapshot out to connected clients
type Broadcaster interface {
	Clients() int
	BroadcastStatus(status any)
}

// SweepWorker runs a Sweeper on an interval
type SweepWorker struct {
	*workers.BaseWorker
	target Sweeper
	clock  clock.Clock
	what   string
}

// NewWindowSweeper removes idle admission windows
func NewWindowSweeper(target Sweeper, clk clock.Clock, interval time.Duration) *SweepWorker {
	return newSweepWorker("admission_window_sweeper", "windows", target, clk, interval, WindowSweepInterval)
}

// NewCacheSweeper removes expired in-memory cache entries
func NewCacheSweeper(target Sweeper, clk clock.Clock, interval time.Duration) *SweepWorker {
	return newSweepWorker("cache_sweeper", "entries", target, clk, interval, CacheSweepInterval)
}

func newSweepWorker(name, what string, target Sweeper, clk clock.Clock, interval, fallback time.Duration) *SweepWorker {
	if interval <= 0 {
		interval = fallback
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &SweepWorker{
		BaseWorker: workers.NewBaseWorker(name, interval, true),
		target:     target,
		clock:      clk,
		what:       what,
	}
}

func (w *SweepWorker) Run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if n := w.target.Sweep(w.clock.Now()); n > 0 {
		w.Log().Debugw("Swept expired state", w.what, n)
	}
	return nil
}

// RolloverWorker resets daily and monthly budget totals when the period
// changes. Rollovers never happen on the request path.
type RolloverWorker struct {
	*workers.BaseWorker
	target Roller
	clock  clock.Clock
}

func NewRolloverWorker(target Roller, clk clock.Clock, interval time.Duration) *RolloverWorker {
	if interval <= 0 {
		interval = RolloverInterval
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &RolloverWorker{
		BaseWorker: workers.NewBaseWorker("budget_rollover", interval, true),
		target:     target,
		clock:      clk,
	}
}

func (w *RolloverWorker) Run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if n := w.target.Rollover(w.clock.Now()); n > 0 {
		w.Log().Infow("Budget periods rolled over", "ledgers", n)
	}
	return nil
}

// ResultPruner drops async results past their retention
type ResultPruner struct {
	*workers.BaseWorker
	target Pruner
	clock  clock.Clock
}

func NewResultPruner(target Pruner, clk clock.Clock, interval time.Duration) *ResultPruner {
	if interval <= 0 {
		interval = PruneInterval
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &ResultPruner{
		BaseWorker: workers.NewBaseWorker("result_pruner", interval, true),
		target:     target,
		clock:      clk,
	}
}

func (w *ResultPruner) Run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cutoff := w.clock.Now().Add(-w.target.Retention())
	if n := w.target.PruneResults(cutoff); n > 0 {
		w.Log().Debugw("Pruned finished results", "results", n)
	}
	return nil
}

// StatusBroadcaster pushes queue status to stream clients. It skips the
// snapshot entirely when nobody is connected.
type StatusBroadcaster[T any] struct {
	*workers.BaseWorker
	source StatusSource[T]
	hub    Broadcaster
}

func NewStatusBroadcaster[T any](source StatusSource[T], hub Broadcaster, interval time.Duration) *StatusBroadcaster[T] {
	if interval <= 0 {
		interval = BroadcastInterval
	}
	return &StatusBroadcaster[T]{
		BaseWorker: workers.NewBaseWorker("queue_status_broadcaster", interval, true),
		source:     source,
		hub:        hub,
	}
}

func (w *StatusBroadcaster[T]) Run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if w.hub.Clients() == 0 {
		return nil
	}
	w.hub.BroadcastStatus(w.source.QueueStatus())
	return nil
}
