// Package events fans work order lifecycle events out to Kafka, e-mail and
// the log, and feeds human answers from Kafka back into the scheduler.
package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ramiqadoumi/tbwo/internal/domain"
	"github.com/ramiqadoumi/tbwo/internal/kafka"
	"github.com/ramiqadoumi/tbwo/internal/notify"
	"github.com/ramiqadoumi/tbwo/pkg/telemetry"
)

// Publisher delivers lifecycle events. Publish must not block on slow
// sinks for longer than ctx allows.
type Publisher interface {
	Publish(ctx context.Context, ev domain.Event) error
}

// Multi publishes to every sink and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev domain.Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Kafka writes every event to the events topic, keyed by work order, and
// pause requests to the escalations topic as well.
type Kafka struct {
	producer kafka.Producer
}

func NewKafka(p kafka.Producer) *Kafka { return &Kafka{producer: p} }

func (k *Kafka) Publish(ctx context.Context, ev domain.Event) error {
	err := kafka.PublishJSON(ctx, k.producer, kafka.TopicEvents, ev.WorkOrderID, ev)
	observe("kafka", err)
	if err != nil {
		return err
	}
	if ev.Type == domain.EventPauseRequested {
		err = kafka.PublishJSON(ctx, k.producer, kafka.TopicEscalations, ev.WorkOrderID, ev)
		observe("kafka_escalation", err)
	}
	return err
}

// Escalator e-mails pause requests and ignores every other event.
type Escalator struct {
	notifier notify.Notifier
}

func NewEscalator(n notify.Notifier) *Escalator { return &Escalator{notifier: n} }

func (e *Escalator) Publish(ctx context.Context, ev domain.Event) error {
	if ev.Type != domain.EventPauseRequested || ev.Pause == nil {
		return nil
	}
	err := e.notifier.Escalate(ctx, ev.WorkOrderID, *ev.Pause)
	observe("email", err)
	return err
}

// Log writes events to a structured logger.
type Log struct {
	logger *slog.Logger
}

func NewLog(l *slog.Logger) *Log { return &Log{logger: l} }

func (l *Log) Publish(ctx context.Context, ev domain.Event) error {
	attrs := []slog.Attr{
		slog.String("event", string(ev.Type)),
		slog.String("work_order_id", ev.WorkOrderID),
	}
	if ev.TaskID != "" {
		attrs = append(attrs, slog.String("task_id", ev.TaskID))
	}
	if ev.PodID != "" {
		attrs = append(attrs, slog.String("pod_id", ev.PodID))
	}
	if ev.Status != "" {
		attrs = append(attrs, slog.String("status", string(ev.Status)))
	}
	if ev.Message != "" {
		attrs = append(attrs, slog.String("message", ev.Message))
	}
	l.logger.LogAttrs(ctx, slog.LevelInfo, "work order event", attrs...)
	return nil
}

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *Recorder) Publish(_ context.Context, ev domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Event(nil), r.events...)
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []domain.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

// Async decouples the scheduler from slow sinks: events are queued and
// published by one goroutine, in order, each with its own timeout.
type Async struct {
	next    Publisher
	queue   chan domain.Event
	timeout time.Duration
	logger  *slog.Logger
	done    chan struct{}
}

// NewAsync starts the publishing goroutine. Close drains the queue.
func NewAsync(next Publisher, size int, logger *slog.Logger) *Async {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Async{
		next:    next,
		queue:   make(chan domain.Event, size),
		timeout: 10 * time.Second,
		logger:  logger,
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

// Publish enqueues ev. A full queue drops the event. It must not be called
// after Close.
func (a *Async) Publish(_ context.Context, ev domain.Event) error {
	select {
	case a.queue <- ev:
		return nil
	default:
		observe("async_queue", errQueueFull)
		return errQueueFull
	}
}

var errQueueFull = errors.New("event queue full")

func (a *Async) run() {
	defer close(a.done)
	for ev := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := a.next.Publish(ctx, ev); err != nil {
			a.logger.Warn("publish event",
				slog.String("event", string(ev.Type)),
				slog.String("work_order_id", ev.WorkOrderID),
				slog.String("error", err.Error()),
			)
		}
		cancel()
	}
}

// Close stops accepting events and waits for the queue to drain.
func (a *Async) Close() {
	close(a.queue)
	<-a.done
}

func observe(sink string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	telemetry.EventsPublished.WithLabelValues(sink, outcome).Inc()
}
