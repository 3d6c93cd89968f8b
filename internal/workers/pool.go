package workers

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"switchyard/internal/domain/execution"
	"switchyard/internal/metrics"
	"switchyard/pkg/errors"
	"switchyard/pkg/logger"
)

// Source is where pool workers take records from
type Source interface {
	Dequeue(ctx context.Context, toolFilter string) (*execution.Record, bool)
	Complete(ctx context.Context, id uuid.UUID) error
	Ready() <-chan struct{}
}

// Processor runs one attempt of a record. terminal=true means the record
// is finished and its mirror row can go.
type Processor interface {
	Process(ctx context.Context, rec *execution.Record) (terminal bool, err error)
}

// PoolConfig sizes the execution pool
type PoolConfig struct {
	Size            int           // default 5
	IdleBackoff     time.Duration // default 1s
	ErrorBackoff    time.Duration // default 5s
	ShutdownTimeout time.Duration // default 30s
	ToolFilter      string        // restrict this pool to one tool
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.Size <= 0 {
		c.Size = 5
	}
	if c.IdleBackoff <= 0 {
		c.IdleBackoff = time.Second
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = 5 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return c
}

// Pool runs N execution workers against a queue. A failing or panicking
// record never stops the pool; the worker backs off and continues.
type Pool struct {
	cfg  PoolConfig
	src  Source
	proc Processor

	// loopCtx gates dequeueing; workCtx is handed to in-flight attempts and
	// only canceled when Stop gives up waiting.
	loopCtx    context.Context
	loopCancel context.CancelFunc
	workCtx    context.Context
	workCancel context.CancelFunc

	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool

	busy      atomic.Int64
	processed atomic.Int64

	log *logger.Logger
}

// NewPool creates an execution worker pool
func NewPool(cfg PoolConfig, src Source, proc Processor, log *logger.Logger) *Pool {
	return &Pool{
		cfg:  cfg.withDefaults(),
		src:  src,
		proc: proc,
		log:  log.With("component", "worker_pool"),
	}
}

// Start launches the workers
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return errors.Wrapf(errors.ErrInternal, "worker pool already started")
	}
	p.started = true

	p.workCtx, p.workCancel = context.WithCancel(context.WithoutCancel(ctx))
	p.loopCtx, p.loopCancel = context.WithCancel(ctx)

	for i := 0; i < p.cfg.Size; i++ {
		p.wg.Add(1)
		go p.run(i)
	}

	p.log.Infow("Worker pool started", "workers", p.cfg.Size, "tool_filter", p.cfg.ToolFilter)
	return nil
}

// Stop stops dequeueing and waits for in-flight attempts. Attempts still
// running after the shutdown timeout are canceled and left in the mirror.
func (p *Pool) Stop() error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return errors.Wrapf(errors.ErrInternal, "worker pool not started")
	}
	p.started = false
	p.mu.Unlock()

	p.loopCancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.workCancel()
		p.log.Infow("Worker pool stopped", "processed", p.processed.Load())
		return nil
	case <-time.After(p.cfg.ShutdownTimeout):
	}

	p.log.Warnw("Worker pool shutdown timed out, canceling in-flight attempts",
		"timeout", p.cfg.ShutdownTimeout,
		"busy", p.busy.Load(),
	)
	p.workCancel()
	<-done
	return errors.Wrapf(errors.ErrTimeout, "worker pool shutdown after %s", p.cfg.ShutdownTimeout)
}

// Busy returns how many workers are processing a record
func (p *Pool) Busy() int {
	return int(p.busy.Load())
}

// Size returns the configured worker count
func (p *Pool) Size() int {
	return p.cfg.Size
}

// Processed returns how many attempts the pool has run
func (p *Pool) Processed() int64 {
	return p.processed.Load()
}

func (p *Pool) run(n int) {
	defer p.wg.Done()
	log := p.log.With("worker", n)

	for p.loopCtx.Err() == nil {
		rec, ok := p.src.Dequeue(p.loopCtx, p.cfg.ToolFilter)
		if !ok {
			p.idle()
			continue
		}

		terminal, err := p.process(rec)
		p.processed.Add(1)
		if err != nil {
			if p.workCtx.Err() != nil {
				return
			}
			log.Errorw("Processing failed, backing off",
				"execution_id", rec.ID,
				"tool_id", rec.Request.ToolID,
				"error", err,
			)
			p.sleep(p.cfg.ErrorBackoff)
			continue
		}

		if terminal {
			if err := p.src.Complete(p.workCtx, rec.ID); err != nil {
				log.Warnw("Failed to remove finished record from mirror",
					"execution_id", rec.ID,
					"error", err,
				)
			}
		}
	}
}

func (p *Pool) process(rec *execution.Record) (terminal bool, err error) {
	p.busy.Add(1)
	defer p.busy.Add(-1)

	defer func() {
		if r := recover(); r != nil {
			metrics.PoolPanics.Inc()
			p.log.Errorw("Worker panicked while processing",
				"execution_id", rec.ID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			terminal, err = false, errors.Newf("panic processing %s: %v", rec.ID, r)
		}
	}()

	return p.proc.Process(p.workCtx, rec)
}

// idle waits for new work or the idle backoff, whichever comes first
func (p *Pool) idle() {
	t := time.NewTimer(p.cfg.IdleBackoff)
	defer t.Stop()
	select {
	case <-p.loopCtx.Done():
	case <-p.src.Ready():
	case <-t.C:
	}
}

func (p *Pool) sleep(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-p.loopCtx.Done():
	case <-t.C:
	}
}
