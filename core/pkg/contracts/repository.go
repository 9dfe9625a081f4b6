package contracts

import (
	"context"
	"database/sql"
)

// EventRepository is the command-side outbox table access used inside an
// outbox drain transaction.
type EventRepository interface {
	// FindAllOrderedByDate returns every outbox row, oldest first.
	FindAllOrderedByDate(ctx context.Context) ([]*Event, error)

	// Change persists a state transition on an existing row.
	Change(ctx context.Context, e *Event) error

	// Remove deletes a row.
	Remove(ctx context.Context, e *Event) error
}

// ConsumerEventRepository is one side's inbox table.
type ConsumerEventRepository interface {
	// ExistsByMessageID reports whether a marker for id is present.
	ExistsByMessageID(ctx context.Context, id string) (bool, error)

	// Add inserts a marker. Must run inside the handler's transaction when
	// called from dispatch.
	Add(ctx context.Context, marker *ConsumerEvent) error
}

// UnitOfWork opens transactions against one side's store.
type UnitOfWork interface {
	Side() TransactionSide
	Begin(ctx context.Context, isolation sql.IsolationLevel) (Tx, error)
}

// Tx is an open transaction. Repositories obtained from it operate within
// the transaction until Commit or Rollback.
type Tx interface {
	Events() EventRepository
	ConsumerEvents() ConsumerEventRepository
	Commit() error
	Rollback() error
}

// Scope is a fresh, per-delivery acquisition of repositories and units of
// work. Dispatch opens one scope per delivery and closes it on every exit
// path, mirroring a request-scoped container.
type Scope interface {
	UnitOfWork(side TransactionSide) UnitOfWork

	// ConsumerEvents returns the side's inbox for reads outside a transaction
	// (the idempotency gate).
	ConsumerEvents(side TransactionSide) ConsumerEventRepository

	Close() error
}

// ScopeFactory creates delivery scopes.
type ScopeFactory interface {
	Open(ctx context.Context) (Scope, error)
}
