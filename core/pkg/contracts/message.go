package contracts

import (
	"context"
	"database/sql"
	"time"
)

// Message is anything that can travel through the messaging core.
// The id is the consumer-side idempotency key, so it must be globally
// unique and stable across redeliveries.
type Message interface {
	MessageID() string
}

// Consumer handles one concrete message type inside a business transaction.
type Consumer[T Message] interface {
	Handle(ctx context.Context, msg T) error
}

// AfterMaxRetryConsumer is optionally implemented by a Consumer that wants a
// last look at a message after its retry budget is exhausted. The hook runs
// outside any transaction and must be treated as best effort.
type AfterMaxRetryConsumer[T Message] interface {
	AfterMaxRetryHandle(ctx context.Context, msg T) error
}

// TransactionSide selects which unit-of-work a handler runs against.
type TransactionSide int

const (
	SideCommand TransactionSide = iota
	SideQuery
)

// String returns the side tag used in logs and table selection.
func (s TransactionSide) String() string {
	if s == SideQuery {
		return "query"
	}
	return "command"
}

// TransactionConfig declares how a handler's business transaction is opened.
// Every handler must carry one; dispatch treats absence as a hard error.
type TransactionConfig struct {
	Side      TransactionSide
	Isolation sql.IsolationLevel
}

// EventState is the outbox row lifecycle flag.
type EventState int

const (
	EventActive EventState = iota + 1
	EventInactive
)

// Event is the transactional outbox row. It is inserted in the same business
// transaction as the state change it represents, then drained to the wire by
// the outbox publisher: Active rows are published and flipped to Inactive,
// Inactive rows are removed on the next pass. The transition never reverses.
type Event struct {
	ID             string     `gorm:"primaryKey;column:id" json:"id"`
	Type           string     `gorm:"column:type;index" json:"type"`
	Payload        string     `gorm:"column:payload" json:"payload"`
	IsActive       EventState `gorm:"column:is_active" json:"isActive"`
	CreatedAt      time.Time  `gorm:"column:created_at" json:"createdAt"`
	CreatedAtLocal string     `gorm:"column:created_at_local" json:"createdAtLocal"`
	UpdatedAt      time.Time  `gorm:"column:updated_at" json:"updatedAt"`
	UpdatedAtLocal string     `gorm:"column:updated_at_local" json:"updatedAtLocal"`
}

// ConsumerEvent is the inbox (idempotency) marker. Its presence means the
// handler for that message id has committed successfully at least once; it is
// inserted inside the handler's business transaction so the marker and the
// side effects commit or roll back together.
type ConsumerEvent struct {
	ID           string    `gorm:"primaryKey;column:id" json:"id"`
	Type         string    `gorm:"column:type" json:"type"`
	CountOfRetry int       `gorm:"column:count_of_retry" json:"countOfRetry"`
	CreatedAt    time.Time `gorm:"column:created_at" json:"createdAt"`
}

// ServiceStatus is the one-shot service registration announcement emitted at
// process start.
type ServiceStatus struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Host      string `json:"host"`
	IPAddress string `json:"ipAddress"`
	Port      int    `json:"port"`
	Status    string `json:"status"`
}

// MessageID implements Message.
func (s ServiceStatus) MessageID() string { return s.ID }
