// Package worker owns the long-running loops of the messaging core: the
// outbox drain, one queue consumer per configured queue, one stream consumer
// per topic declared in the registry, and the one-shot startup announcement.
// Workers start with the process and stop cooperatively on the shutdown
// signal; in-flight deliveries that have not acknowledged simply redeliver.
package worker

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/madcok-co/relay/core/pkg/codec"
	"github.com/madcok-co/relay/core/pkg/contracts"
	"github.com/madcok-co/relay/core/pkg/outbox"
)

// Worker is one long-running loop. Run blocks until ctx is cancelled or the
// loop fails.
type Worker interface {
	Name() string
	Run(ctx context.Context) error
}

// Group starts workers together and stops them on signal or cancellation.
type Group struct {
	workers []Worker
	logger  contracts.Logger
}

// NewGroup creates an empty group.
func NewGroup(logger contracts.Logger) *Group {
	if logger == nil {
		logger = contracts.NopLogger{}
	}
	return &Group{logger: logger.Named("worker")}
}

// Add appends workers to the group.
func (g *Group) Add(workers ...Worker) *Group {
	g.workers = append(g.workers, workers...)
	return g
}

// Run starts every worker and blocks until the context is cancelled or a
// termination signal arrives, then waits for the loops to drain out.
func (g *Group) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	for _, w := range g.workers {
		wg.Add(1)
		go func(w Worker) {
			defer wg.Done()
			g.logger.Info("worker started", "name", w.Name())
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				g.logger.WithError(err).Error("worker stopped with error", "name", w.Name())
				return
			}
			g.logger.Info("worker stopped", "name", w.Name())
		}(w)
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

// Drainer is the outbox operation the outbox worker invokes.
type Drainer interface {
	Drain(ctx context.Context) error
}

// Outbox runs the outbox drain on a fixed interval.
type Outbox struct {
	drainer  Drainer
	interval time.Duration
	logger   contracts.Logger
}

// NewOutbox creates the outbox worker.
func NewOutbox(d Drainer, interval time.Duration, logger contracts.Logger) *Outbox {
	if logger == nil {
		logger = contracts.NopLogger{}
	}
	return &Outbox{drainer: d, interval: interval, logger: logger.Named("outbox-worker")}
}

func (o *Outbox) Name() string { return "outbox" }

func (o *Outbox) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := o.drainer.Drain(ctx); err != nil && !errors.Is(err, context.Canceled) {
				// The pass rolled back; the next tick retries from scratch.
				o.logger.WithError(err).Error("outbox pass failed")
			}
		}
	}
}

// Queue owns one queue subscription lifecycle.
type Queue struct {
	subscriber contracts.QueueSubscriber
	sub        contracts.QueueSubscription
}

// NewQueue creates a queue consumer worker.
func NewQueue(s contracts.QueueSubscriber, sub contracts.QueueSubscription) *Queue {
	return &Queue{subscriber: s, sub: sub}
}

func (q *Queue) Name() string { return "queue:" + q.sub.Queue }

func (q *Queue) Run(ctx context.Context) error {
	return q.subscriber.Consume(ctx, q.sub)
}

// Stream owns one stream topic subscription lifecycle.
type Stream struct {
	subscriber contracts.StreamSubscriber
	topic      string
}

// NewStream creates a stream consumer worker.
func NewStream(s contracts.StreamSubscriber, topic string) *Stream {
	return &Stream{subscriber: s, topic: topic}
}

func (s *Stream) Name() string { return "stream:" + s.topic }

func (s *Stream) Run(ctx context.Context) error {
	return s.subscriber.Consume(ctx, s.topic)
}

// Announce publishes one ServiceStatus record at startup and exits.
type Announce struct {
	stream contracts.StreamPublisher
	topic  string
	status contracts.ServiceStatus
	logger contracts.Logger
}

// NewAnnounce creates the announcement worker.
func NewAnnounce(stream contracts.StreamPublisher, topic string, status contracts.ServiceStatus, logger contracts.Logger) *Announce {
	if logger == nil {
		logger = contracts.NopLogger{}
	}
	return &Announce{stream: stream, topic: topic, status: status, logger: logger.Named("announce")}
}

func (a *Announce) Name() string { return "announce" }

func (a *Announce) Run(ctx context.Context) error {
	body, err := codec.Encode(a.status)
	if err != nil {
		return err
	}
	headers := map[string]string{
		contracts.HeaderGroupID:      "",
		contracts.HeaderCountOfRetry: "0",
	}
	if err := a.stream.Publish(ctx, a.topic, "ServiceStatus", body, headers); err != nil {
		return err
	}
	a.logger.Info("service announced", "name", a.status.Name, "host", a.status.Host)
	return nil
}

var _ Drainer = (*outbox.Publisher)(nil)
