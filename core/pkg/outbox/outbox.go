// Package outbox drains pending Event rows to the wire. Rows are written by
// application code inside the same business transaction as the state change
// they represent; one recurring drain pass publishes Active rows, flips them
// to Inactive, and removes Inactive rows on a later pass. A row is never
// lost: it is either still Active (retried next pass) or Inactive (deleted
// next pass).
package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/madcok-co/relay/core/pkg/codec"
	"github.com/madcok-co/relay/core/pkg/contracts"
	"github.com/madcok-co/relay/core/pkg/lock"
	"github.com/madcok-co/relay/core/pkg/registry"
	"github.com/madcok-co/relay/core/pkg/sidelog"
)

// ErrNoPublication marks an outbox row whose type has no declared wire
// target. It is a configuration error and fails the whole pass.
var ErrNoPublication = errors.New("outbox: no publication declared for event type")

// LocalFormat renders the localized companion of a UTC timestamp.
type LocalFormat func(time.Time) string

func defaultLocalFormat(t time.Time) string {
	return t.Local().Format(time.RFC3339)
}

// NewEvent builds an outbox row for a payload. Callers insert it in the same
// transaction as their business state change.
func NewEvent(typeName string, payload any) (*contracts.Event, error) {
	body, err := codec.Encode(payload)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return &contracts.Event{
		ID:             uuid.NewString(),
		Type:           typeName,
		Payload:        string(body),
		IsActive:       contracts.EventActive,
		CreatedAt:      now,
		CreatedAtLocal: defaultLocalFormat(now),
		UpdatedAt:      now,
		UpdatedAtLocal: defaultLocalFormat(now),
	}, nil
}

// Publisher drains the outbox. A process-wide mutex keeps one drain per
// instance; the per-event distributed lock keeps one publisher per event
// across the fleet.
type Publisher struct {
	mu sync.Mutex

	uow      contracts.UnitOfWork
	locker   *lock.Locker
	registry *registry.Registry
	queue    contracts.QueuePublisher
	stream   contracts.StreamPublisher
	side     *sidelog.Channel
	logger   contracts.Logger
	now      func() time.Time
	local    LocalFormat
}

// Option configures the Publisher.
type Option func(*Publisher)

// WithQueue sets the queue broker used for exchange publications.
func WithQueue(q contracts.QueuePublisher) Option {
	return func(p *Publisher) { p.queue = q }
}

// WithStream sets the stream broker used for topic publications.
func WithStream(s contracts.StreamPublisher) Option {
	return func(p *Publisher) { p.stream = s }
}

// WithSidelog routes publish failures to the logging sidechannel.
func WithSidelog(s *sidelog.Channel) Option {
	return func(p *Publisher) { p.side = s }
}

// WithLogger sets the publisher logger.
func WithLogger(l contracts.Logger) Option {
	return func(p *Publisher) { p.logger = l.Named("outbox") }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(p *Publisher) { p.now = now }
}

// WithLocalFormat overrides the localized timestamp rendering.
func WithLocalFormat(f LocalFormat) Option {
	return func(p *Publisher) { p.local = f }
}

// New creates a Publisher over the command-side unit of work, the per-event
// distributed lock, and the registry's publish declarations.
func New(uow contracts.UnitOfWork, locker *lock.Locker, reg *registry.Registry, opts ...Option) *Publisher {
	p := &Publisher{
		uow:      uow,
		locker:   locker,
		registry: reg,
		logger:   contracts.NopLogger{},
		now:      time.Now,
		local:    defaultLocalFormat,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Drain runs one outbox pass. Any failure rolls the whole pass back so no
// row transitions without its publish; locks acquired during the pass are
// always released, after the rollback. Between that rollback and the
// release another instance can briefly observe the row still Active and
// publish it again, which consumer-side idempotency absorbs.
func (p *Publisher) Drain(ctx context.Context) (err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tx, err := p.uow.Begin(ctx, sql.LevelDefault)
	if err != nil {
		return fmt.Errorf("outbox: begin: %w", err)
	}

	var held []string
	defer func() {
		if p.locker == nil {
			return
		}
		for _, id := range held {
			if rerr := p.locker.Release(ctx, id); rerr != nil {
				p.logger.WithError(rerr).Warn("lock release failed", "eventId", id)
			}
		}
	}()
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	rows, err := tx.Events().FindAllOrderedByDate(ctx)
	if err != nil {
		return fmt.Errorf("outbox: read pending: %w", err)
	}

	published := 0
	for _, row := range rows {
		// Without a distributed lock the pass assumes a single instance.
		if p.locker != nil {
			ok, lerr := p.locker.Acquire(ctx, row.ID)
			if lerr != nil {
				return lerr
			}
			if !ok {
				// Another instance owns this event for now.
				continue
			}
			held = append(held, row.ID)
		}

		if row.IsActive == contracts.EventActive {
			if perr := p.publish(ctx, row); perr != nil {
				p.trace(ctx, row, perr)
				return perr
			}
			now := p.now().UTC()
			row.IsActive = contracts.EventInactive
			row.UpdatedAt = now
			row.UpdatedAtLocal = p.local(now)
			if cerr := tx.Events().Change(ctx, row); cerr != nil {
				return fmt.Errorf("outbox: transition %s: %w", row.ID, cerr)
			}
			published++
		} else {
			if rerr := tx.Events().Remove(ctx, row); rerr != nil {
				return fmt.Errorf("outbox: remove %s: %w", row.ID, rerr)
			}
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("outbox: commit: %w", err)
	}

	if published > 0 {
		p.logger.Info("outbox pass complete", "published", published, "rows", len(rows))
	}
	return nil
}

// publish resolves the event type's declared wire target and sends it.
func (p *Publisher) publish(ctx context.Context, row *contracts.Event) error {
	pub, ok := p.registry.PublicationFor(row.Type)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoPublication, row.Type)
	}

	if pub.Exchange != nil {
		if p.queue == nil {
			return fmt.Errorf("outbox: %s declares an exchange but no queue broker is configured", row.Type)
		}
		body, err := codec.Encode(row)
		if err != nil {
			return err
		}
		msg := contracts.QueueMessage{
			Body:     body,
			Kind:     pub.Exchange.Kind,
			Exchange: pub.Exchange.Exchange,
			Route:    pub.Exchange.Route,
			Queue:    pub.Exchange.Queue,
		}
		if err := p.queue.Publish(ctx, msg); err != nil {
			return fmt.Errorf("outbox: publish %s to %s: %w", row.ID, pub.Exchange.Exchange, err)
		}
		return nil
	}

	if p.stream == nil {
		return fmt.Errorf("outbox: %s declares a topic but no stream broker is configured", row.Type)
	}
	headers := map[string]string{
		contracts.HeaderGroupID:      "",
		contracts.HeaderCountOfRetry: "0",
	}
	if err := p.stream.Publish(ctx, pub.Topic, row.Type, []byte(row.Payload), headers); err != nil {
		return fmt.Errorf("outbox: publish %s to topic %s: %w", row.ID, pub.Topic, err)
	}
	return nil
}

func (p *Publisher) trace(ctx context.Context, row *contracts.Event, cause error) {
	if p.side == nil {
		return
	}
	p.side.Failure(ctx, sidelog.Failure{
		Component: "outbox",
		TypeName:  row.Type,
		MessageID: row.ID,
		Reason:    cause.Error(),
	})
}
