// Package gorm provides GORM implementations of the relay repository
// contracts: the outbox Event table, the two inbox tables (command side in
// consumer_events, query side in consumer_event_queries), the tagged
// command/query units of work, and the per-delivery scope factory.
//
// Usage:
//
//	import (
//	    relaygorm "github.com/madcok-co/relay/contrib/database/gorm"
//	    "gorm.io/driver/postgres"
//	    gormpkg "gorm.io/gorm"
//	)
//
//	db, _ := gormpkg.Open(postgres.Open(dsn), &gormpkg.Config{})
//	driver := relaygorm.NewDriver(db)
package gorm

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/madcok-co/relay/core/pkg/contracts"
	"gorm.io/gorm"
)

const (
	commandInboxTable = "consumer_events"
	queryInboxTable   = "consumer_event_queries"
)

// Driver wraps a *gorm.DB and hands out repositories, units of work, and
// delivery scopes.
type Driver struct {
	db *gorm.DB
}

// NewDriver creates a new GORM repository driver
func NewDriver(db *gorm.DB) *Driver {
	return &Driver{db: db}
}

// DB returns the underlying GORM database instance
func (d *Driver) DB() *gorm.DB {
	return d.db
}

// Migrate creates the outbox and inbox tables.
func (d *Driver) Migrate() error {
	if err := d.db.AutoMigrate(&contracts.Event{}, &contracts.ConsumerEvent{}); err != nil {
		return fmt.Errorf("gorm: migrate: %w", err)
	}
	if err := d.db.Table(queryInboxTable).AutoMigrate(&contracts.ConsumerEvent{}); err != nil {
		return fmt.Errorf("gorm: migrate query inbox: %w", err)
	}
	return nil
}

// UnitOfWork returns the unit of work for a transaction side.
func (d *Driver) UnitOfWork(side contracts.TransactionSide) contracts.UnitOfWork {
	return &unitOfWork{db: d.db, side: side}
}

// Open implements contracts.ScopeFactory: every delivery gets a fresh
// session so no statement state leaks between deliveries.
func (d *Driver) Open(ctx context.Context) (contracts.Scope, error) {
	return &scope{db: d.db.Session(&gorm.Session{NewDB: true}).WithContext(ctx)}, nil
}

type scope struct {
	db *gorm.DB
}

func (s *scope) UnitOfWork(side contracts.TransactionSide) contracts.UnitOfWork {
	return &unitOfWork{db: s.db, side: side}
}

func (s *scope) ConsumerEvents(side contracts.TransactionSide) contracts.ConsumerEventRepository {
	return &consumerEventRepo{db: s.db, side: side}
}

// Close releases the scope. Connections are pooled by database/sql, so there
// is nothing to tear down beyond dropping the session.
func (s *scope) Close() error { return nil }

type unitOfWork struct {
	db   *gorm.DB
	side contracts.TransactionSide
}

func (u *unitOfWork) Side() contracts.TransactionSide { return u.side }

func (u *unitOfWork) Begin(ctx context.Context, isolation sql.IsolationLevel) (contracts.Tx, error) {
	db := u.db.WithContext(ctx)

	var tx *gorm.DB
	if isolation == sql.LevelDefault {
		tx = db.Begin()
	} else {
		tx = db.Begin(&sql.TxOptions{Isolation: isolation})
	}
	if tx.Error != nil {
		return nil, fmt.Errorf("gorm: begin %s tx: %w", u.side, tx.Error)
	}
	return &gormTx{db: tx, side: u.side}, nil
}

type gormTx struct {
	db   *gorm.DB
	side contracts.TransactionSide
}

func (t *gormTx) Events() contracts.EventRepository {
	return &eventRepo{db: t.db}
}

func (t *gormTx) ConsumerEvents() contracts.ConsumerEventRepository {
	return &consumerEventRepo{db: t.db, side: t.side}
}

func (t *gormTx) Commit() error {
	return t.db.Commit().Error
}

func (t *gormTx) Rollback() error {
	return t.db.Rollback().Error
}

// eventRepo is the command-side outbox table.
type eventRepo struct {
	db *gorm.DB
}

func (r *eventRepo) FindAllOrderedByDate(ctx context.Context) ([]*contracts.Event, error) {
	var rows []*contracts.Event
	err := r.db.WithContext(ctx).Order("created_at ASC").Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *eventRepo) Change(ctx context.Context, e *contracts.Event) error {
	return r.db.WithContext(ctx).Save(e).Error
}

func (r *eventRepo) Remove(ctx context.Context, e *contracts.Event) error {
	return r.db.WithContext(ctx).Delete(e).Error
}

// consumerEventRepo is one side's inbox table.
type consumerEventRepo struct {
	db   *gorm.DB
	side contracts.TransactionSide
}

func (r *consumerEventRepo) table(ctx context.Context) *gorm.DB {
	name := commandInboxTable
	if r.side == contracts.SideQuery {
		name = queryInboxTable
	}
	return r.db.WithContext(ctx).Table(name)
}

func (r *consumerEventRepo) ExistsByMessageID(ctx context.Context, id string) (bool, error) {
	var n int64
	if err := r.table(ctx).Where("id = ?", id).Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *consumerEventRepo) Add(ctx context.Context, marker *contracts.ConsumerEvent) error {
	return r.table(ctx).Create(marker).Error
}

// Ensure contract satisfaction
var (
	_ contracts.ScopeFactory            = (*Driver)(nil)
	_ contracts.Scope                   = (*scope)(nil)
	_ contracts.UnitOfWork              = (*unitOfWork)(nil)
	_ contracts.Tx                      = (*gormTx)(nil)
	_ contracts.EventRepository         = (*eventRepo)(nil)
	_ contracts.ConsumerEventRepository = (*consumerEventRepo)(nil)
)
