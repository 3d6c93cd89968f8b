package events

import (
	"context"
	"sync"
	"time"

	"switchyard/internal/domain/budget"
	"switchyard/internal/domain/execution"
	"switchyard/internal/metrics"
	"switchyard/pkg/errors"
	"switchyard/pkg/logger"
)

var (
	_ execution.Observer = (*Publisher)(nil)
	_ budget.AlertSink   = (*Publisher)(nil)
)

// Producer is the Kafka write side
type Producer interface {
	Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error
}

// Topics names where each event family goes
type Topics struct {
	Executions   string
	BudgetAlerts string
}

// Publisher forwards lifecycle events and budget alerts to Kafka.
// Lifecycle events are buffered and written by a background goroutine so
// Observe never blocks the engine; when the buffer is full the event is
// dropped and counted.
type Publisher struct {
	producer Producer
	topics   Topics
	log      *logger.Logger

	buffer chan execution.Event
	mu     sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewPublisher creates a publisher with room for bufferSize pending events
func NewPublisher(producer Producer, topics Topics, bufferSize int, log *logger.Logger) *Publisher {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	return &Publisher{
		producer: producer,
		topics:   topics,
		log:      log.With("component", "event_publisher"),
		buffer:   make(chan execution.Event, bufferSize),
	}
}

// Start launches the background writer
func (p *Publisher) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopCh != nil {
		return
	}
	p.stopCh = make(chan struct{})

	p.wg.Add(1)
	go p.loop(context.WithoutCancel(ctx), p.stopCh)
}

// Stop drains buffered events and waits for the writer to exit, bounded by ctx
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	stopCh := p.stopCh
	p.stopCh = nil
	p.mu.Unlock()
	if stopCh == nil {
		return nil
	}
	close(stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(errors.ErrTimeout, "event publisher drain")
	}
}

// Observe queues a lifecycle event
func (p *Publisher) Observe(_ context.Context, ev execution.Event) {
	select {
	case p.buffer <- ev:
	default:
		metrics.KafkaMessages.WithLabelValues(p.topics.Executions, "dropped").Inc()
		p.log.Warnw("Event buffer full, dropping event",
			"type", ev.Type,
			"execution_id", ev.ExecutionID,
		)
	}
}

// Send publishes a budget alert synchronously
func (p *Publisher) Send(ctx context.Context, a budget.Alert) error {
	msg, err := EncodeAlert(a)
	if err != nil {
		return err
	}
	return p.producer.Publish(ctx, p.topics.BudgetAlerts, msg.Key, msg.Value, msg.Headers)
}

func (p *Publisher) loop(ctx context.Context, stopCh <-chan struct{}) {
	defer p.wg.Done()

	for {
		select {
		case ev := <-p.buffer:
			p.write(ctx, ev)
		case <-stopCh:
			for {
				select {
				case ev := <-p.buffer:
					p.write(ctx, ev)
				default:
					return
				}
			}
		}
	}
}

func (p *Publisher) write(ctx context.Context, ev execution.Event) {
	msg, err := EncodeExecutionEvent(ev)
	if err != nil {
		p.log.Errorw("Failed to encode execution event", "type", ev.Type, "error", err)
		return
	}

	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := p.producer.Publish(writeCtx, p.topics.Executions, msg.Key, msg.Value, msg.Headers); err != nil {
		p.log.Warnw("Failed to publish execution event",
			"type", ev.Type,
			"execution_id", ev.ExecutionID,
			"error", err,
		)
	}
}
