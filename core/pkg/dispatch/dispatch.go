// Package dispatch implements the consume protocol shared by both broker
// adapters: bind, retry ceiling, idempotency gate, transactional handler
// invocation, cache invalidation. The adapters only translate the returned
// outcome into ack/nack or commit/republish; they never interpret business
// results themselves.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/madcok-co/relay/core/pkg/contracts"
	"github.com/madcok-co/relay/core/pkg/inbox"
	"github.com/madcok-co/relay/core/pkg/registry"
	"github.com/madcok-co/relay/core/pkg/sidelog"
)

// ErrMissingTransactionConfig marks a handler registered without a
// transaction declaration. It is a programmer error surfaced at dispatch
// time and routed to the retry path so it is loud, not silent.
var ErrMissingTransactionConfig = errors.New("dispatch: handler has no transaction config")

// Engine runs the consume protocol for one service.
type Engine struct {
	registry *registry.Registry
	scopes   contracts.ScopeFactory
	cache    contracts.Cache
	side     *sidelog.Channel
	logger   contracts.Logger
	now      func() time.Time
}

// Option configures the Engine.
type Option func(*Engine)

// WithCache enables post-commit cache invalidation.
func WithCache(c contracts.Cache) Option {
	return func(e *Engine) { e.cache = c }
}

// WithSidelog routes failure traces to the logging sidechannel.
func WithSidelog(s *sidelog.Channel) Option {
	return func(e *Engine) { e.side = s }
}

// WithLogger sets the engine logger.
func WithLogger(l contracts.Logger) Option {
	return func(e *Engine) { e.logger = l.Named("dispatch") }
}

// WithClock overrides the marker timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an Engine over a registry and a per-delivery scope factory.
func New(reg *registry.Registry, scopes contracts.ScopeFactory, opts ...Option) *Engine {
	e := &Engine{
		registry: reg,
		scopes:   scopes,
		logger:   contracts.NopLogger{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Dispatch processes one delivery and translates every failure into an
// outcome. A handler runs at most once to a successful commit per message
// id; it may be attempted up to MaxRetry+1 times.
func (e *Engine) Dispatch(ctx context.Context, d contracts.Delivery) contracts.Outcome {
	binding, ok := e.registry.Lookup(d.TypeName)
	if !ok {
		// Not ours: shared queues and topics carry other services' types.
		e.logger.Debug("no consumer bound, acknowledging", "type", d.TypeName)
		return contracts.OutcomeAck
	}

	if d.RetryCount > binding.MaxRetry {
		e.giveUp(ctx, binding, d)
		return contracts.OutcomeAck
	}

	outcome, err := e.process(ctx, binding, d)
	if err != nil {
		e.logger.WithError(err).Error("delivery failed, routing to retry",
			"type", d.TypeName, "countOfRetry", d.RetryCount)
		e.trace(ctx, binding, d, err)
		return contracts.OutcomeRetry
	}
	return outcome
}

// giveUp runs the optional after-max hook and terminates the message. The
// hook runs outside any transaction; side effects are best effort.
func (e *Engine) giveUp(ctx context.Context, binding *registry.Binding, d contracts.Delivery) {
	e.logger.Warn("retry budget exhausted, giving up",
		"type", d.TypeName, "countOfRetry", d.RetryCount, "maxRetry", binding.MaxRetry)

	if !binding.HasAfterMaxRetry {
		return
	}
	msg, err := binding.Decode(d.Body)
	if err != nil {
		e.logger.WithError(err).Warn("after-max hook skipped, body undecodable", "type", d.TypeName)
		return
	}
	if err := binding.AfterMaxRetry(ctx, msg); err != nil {
		e.logger.WithError(err).Warn("after-max hook failed", "type", d.TypeName, "messageId", msg.MessageID())
	}
}

func (e *Engine) process(ctx context.Context, binding *registry.Binding, d contracts.Delivery) (contracts.Outcome, error) {
	if binding.Transaction == nil {
		return 0, fmt.Errorf("%w: %s", ErrMissingTransactionConfig, binding.TypeName)
	}
	side := binding.Transaction.Side

	msg, err := binding.Decode(d.Body)
	if err != nil {
		return 0, err
	}

	scope, err := e.scopes.Open(ctx)
	if err != nil {
		return 0, fmt.Errorf("dispatch: open scope: %w", err)
	}
	defer func() { _ = scope.Close() }()

	store := inbox.New(
		scope.ConsumerEvents(contracts.SideCommand),
		scope.ConsumerEvents(contracts.SideQuery),
	)
	done, err := store.Processed(ctx, side, msg.MessageID())
	if err != nil {
		return 0, err
	}
	if done {
		e.logger.Debug("already processed, acknowledging",
			"type", d.TypeName, "messageId", msg.MessageID())
		return contracts.OutcomeAck, nil
	}

	tx, err := scope.UnitOfWork(side).Begin(ctx, binding.Transaction.Isolation)
	if err != nil {
		return 0, fmt.Errorf("dispatch: begin %s tx: %w", side, err)
	}

	marker := inbox.NewMarker(msg.MessageID(), binding.TypeName, d.RetryCount, e.now())
	if err := tx.ConsumerEvents().Add(ctx, marker); err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("dispatch: record marker: %w", err)
	}

	if err := binding.Handle(ctx, msg); err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("dispatch: handler: %w", err)
	}

	if err := tx.Commit(); err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("dispatch: commit: %w", err)
	}

	e.cleanCache(ctx, binding, msg.MessageID())
	return contracts.OutcomeAck, nil
}

// cleanCache deletes the binding's declared keys. The side effects have
// already committed, so a failure here is logged and swallowed.
func (e *Engine) cleanCache(ctx context.Context, binding *registry.Binding, messageID string) {
	if e.cache == nil || len(binding.CleanCacheKeys) == 0 {
		return
	}
	if err := e.cache.DeleteMany(ctx, binding.CleanCacheKeys...); err != nil {
		e.logger.WithError(err).Warn("cache invalidation failed",
			"type", binding.TypeName, "messageId", messageID, "keys", binding.CleanCacheKeys)
	}
}

func (e *Engine) trace(ctx context.Context, binding *registry.Binding, d contracts.Delivery, cause error) {
	if e.side == nil {
		return
	}
	f := sidelog.Failure{
		Component:  "dispatch",
		TypeName:   d.TypeName,
		RetryCount: d.RetryCount,
		Reason:     cause.Error(),
	}
	if msg, err := binding.Decode(d.Body); err == nil {
		f.MessageID = msg.MessageID()
	}
	e.side.Failure(ctx, f)
}

var _ contracts.Dispatcher = (*Engine)(nil)
