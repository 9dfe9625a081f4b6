package contracts

import "context"

// ExchangeKind selects how a queue-transport publish is routed.
type ExchangeKind int

const (
	// ExchangeDefault publishes straight to a queue through the default exchange.
	ExchangeDefault ExchangeKind = iota
	// ExchangeDirect publishes to an exchange with a routing key.
	ExchangeDirect
	// ExchangeFanOut publishes to an exchange; the routing key is ignored.
	ExchangeFanOut
)

// String returns the broker-native exchange type name.
func (k ExchangeKind) String() string {
	switch k {
	case ExchangeDirect:
		return "direct"
	case ExchangeFanOut:
		return "fanout"
	default:
		return "default"
	}
}

// ExchangeSpec declares where an event type is published on the queue
// transport. Declared once per event type at registration time.
type ExchangeSpec struct {
	Kind     ExchangeKind
	Exchange string
	Route    string
	Queue    string
}

// QueueMessage is one queue-transport publish request.
type QueueMessage struct {
	Body     []byte
	Kind     ExchangeKind
	Exchange string
	Route    string
	Queue    string
	Headers  map[string]any
}

// QueuePublisher publishes over the queue broker.
type QueuePublisher interface {
	Publish(ctx context.Context, msg QueueMessage) error
}

// Stream transport header keys. CountOfRetry is an ASCII integer; GroupId is
// empty on a fresh publish and "{service}-{topic}" on a retry republish.
const (
	HeaderGroupID      = "GroupId"
	HeaderCountOfRetry = "CountOfRetry"
)

// StreamPublisher publishes over the partitioned event-stream broker.
// The key carries the message type name; headers must always include
// GroupId and CountOfRetry.
type StreamPublisher interface {
	Publish(ctx context.Context, topic string, key string, value []byte, headers map[string]string) error
}

// QueueSubscription names one queue consumption. An empty TypeName means the
// body carries an Event envelope and the inner type is resolved from it;
// otherwise the body is the payload of TypeName directly.
type QueueSubscription struct {
	Queue    string
	TypeName string
}

// QueueSubscriber runs one blocking consume loop per subscription. The loop
// exits when ctx is cancelled; unacknowledged deliveries redeliver.
type QueueSubscriber interface {
	Consume(ctx context.Context, sub QueueSubscription) error
}

// StreamSubscriber runs one blocking consume loop per topic.
type StreamSubscriber interface {
	Consume(ctx context.Context, topic string) error
}

// Delivery is one inbound message handed to the dispatch engine by a broker
// adapter. RetryCount comes from transport headers (queue: x-death count,
// stream: CountOfRetry).
type Delivery struct {
	TypeName   string
	Body       []byte
	RetryCount int
}

// Outcome tells the broker adapter what to do with the delivery.
type Outcome int

const (
	// OutcomeAck acknowledges the delivery (success, skip, or give-up).
	OutcomeAck Outcome = iota
	// OutcomeRetry routes the delivery to the transport retry path:
	// queue nack to the dead-letter exchange, stream retry republish.
	OutcomeRetry
)

// Dispatcher is the shared consume protocol invoked by both broker adapters.
// It never returns an error: every failure is translated into an outcome.
type Dispatcher interface {
	Dispatch(ctx context.Context, d Delivery) Outcome
}
