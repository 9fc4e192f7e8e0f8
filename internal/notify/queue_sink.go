package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tradecore/safetycore/internal/libs/queue"
)

// notificationTopic is the single topic every QueueSink publishes onto and
// every Dispatcher consumes from.
const notificationTopic = "notifications"

// QueueSink publishes events onto an in-process queue.Bus instead of
// pushing them synchronously, decoupling signal production (the
// orchestrator's tick) from notification delivery (spec.md §1's
// notification_sink transport, generalized from the teacher's
// internal/libs/queue.Queue trade-intent topic per SPEC_FULL.md §3.6).
type QueueSink struct {
	bus *queue.Bus
	ttl time.Duration
}

// NewQueueSink wraps bus. ttl bounds how long an unconsumed event survives
// on the topic before the bus's cleanup loop evicts it.
func NewQueueSink(bus *queue.Bus, ttl time.Duration) *QueueSink {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &QueueSink{bus: bus, ttl: ttl}
}

// Notify publishes event onto the shared notifications topic.
func (q *QueueSink) Notify(ctx context.Context, event Event) error {
	return q.bus.Publish(ctx, notificationTopic, event, q.ttl)
}

// Dispatcher drains the notifications topic under a fixed consumer group
// and forwards each event to an underlying Sink, the same poll-and-commit
// shape the teacher's Orderer uses over its own queue.
type Dispatcher struct {
	logger   *zap.Logger
	bus      *queue.Bus
	groupID  string
	sink     Sink
	interval time.Duration
	quit     chan struct{}
}

// NewDispatcher builds a Dispatcher forwarding to sink under groupID.
func NewDispatcher(logger *zap.Logger, bus *queue.Bus, groupID string, sink Sink) *Dispatcher {
	return &Dispatcher{
		logger:   logger,
		bus:      bus,
		groupID:  groupID,
		sink:     sink,
		interval: 500 * time.Millisecond,
		quit:     make(chan struct{}),
	}
}

// Run polls the notifications topic until ctx is canceled or Stop is
// called.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.quit:
			return
		case <-ticker.C:
			d.drain(ctx)
		}
	}
}

// Stop signals Run to exit on its next wake.
func (d *Dispatcher) Stop() {
	close(d.quit)
}

func (d *Dispatcher) drain(ctx context.Context) {
	for {
		msg, err := d.bus.Consume(ctx, notificationTopic, d.groupID)
		if err != nil {
			return
		}

		event, ok := msg.Data.(Event)
		if !ok {
			msg.Commit()
			continue
		}

		if err := d.sink.Notify(ctx, event); err != nil {
			d.logger.Warn("notify: dispatcher failed to push event",
				zap.String("kind", string(event.Kind)), zap.Error(err))
		}
		msg.Commit()
	}
}
