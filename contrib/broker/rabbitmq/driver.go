// Package rabbitmq provides the queue-transport adapter over amqp091.
//
// Publishing supports three routing modes: Direct (exchange + routing key),
// FanOut (exchange, key ignored), and Default (straight to a queue through
// the default exchange). Consumption applies per-queue QoS before the first
// delivery and hands every decoded body to the dispatch engine; the adapter
// only translates the engine's outcome into BasicAck or BasicNack without
// requeue, which routes refused messages to the queue's declared dead-letter
// exchange. The retry counter lives in the transport's x-death header.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/madcok-co/relay/core/pkg/codec"
	"github.com/madcok-co/relay/core/pkg/contracts"
)

// redialBackoff paces reconnect attempts of a consume loop.
const redialBackoff = 3 * time.Second

// QoS is one queue's throttling, applied with Channel.Qos before consuming.
type QoS struct {
	PrefetchSize  int
	PrefetchCount int
	Global        bool
}

// Config for RabbitMQ driver
type Config struct {
	// URL is the AMQP dial string.
	URL string
	// Service tags consumer names.
	Service string
	// Async toggles cooperative asynchronous delivery: deliveries overlap
	// instead of running one at a time per subscription.
	Async bool
	// QoS maps queue name to its throttling record.
	QoS map[string]QoS
}

// Driver implements contracts.QueuePublisher and contracts.QueueSubscriber
// using RabbitMQ (amqp091). One connection is shared by every publisher and
// subscription; channels are private per use.
type Driver struct {
	config     *Config
	dispatcher contracts.Dispatcher
	logger     contracts.Logger

	mu        sync.Mutex
	conn      *amqp.Connection
	publishCh *amqp.Channel
	connected bool
}

// NewDriver creates a new RabbitMQ driver.
func NewDriver(cfg *Config, dispatcher contracts.Dispatcher, logger contracts.Logger) *Driver {
	if logger == nil {
		logger = contracts.NopLogger{}
	}
	return &Driver{
		config:     cfg,
		dispatcher: dispatcher,
		logger:     logger.Named("rabbitmq"),
	}
}

// Connect establishes the shared connection and the publish channel.
func (d *Driver) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	conn, err := amqp.Dial(d.config.URL)
	if err != nil {
		return fmt.Errorf("rabbitmq: connect: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("rabbitmq: channel: %w", err)
	}

	d.conn = conn
	d.publishCh = ch
	d.connected = true
	return nil
}

// Disconnect closes the shared connection.
func (d *Driver) Disconnect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.publishCh != nil {
		_ = d.publishCh.Close()
	}
	if d.conn != nil {
		_ = d.conn.Close()
	}
	d.connected = false
	return nil
}

// Publish dispatches one message according to its exchange kind.
func (d *Driver) Publish(ctx context.Context, msg contracts.QueueMessage) error {
	d.mu.Lock()
	ch := d.publishCh
	connected := d.connected
	d.mu.Unlock()

	if !connected || ch == nil {
		return errors.New("rabbitmq: not connected")
	}

	exchange, route, err := resolveRoute(msg)
	if err != nil {
		return err
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		Body:         msg.Body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Headers:      amqp.Table(msg.Headers),
	}
	if err := ch.PublishWithContext(ctx, exchange, route, false, false, pub); err != nil {
		return fmt.Errorf("rabbitmq: publish to %q/%q: %w", exchange, route, err)
	}
	return nil
}

// resolveRoute maps the exchange kind onto the broker-native pair.
func resolveRoute(msg contracts.QueueMessage) (exchange, route string, err error) {
	switch msg.Kind {
	case contracts.ExchangeDirect:
		if msg.Exchange == "" || msg.Route == "" {
			return "", "", fmt.Errorf("rabbitmq: direct publish needs exchange and route")
		}
		return msg.Exchange, msg.Route, nil
	case contracts.ExchangeFanOut:
		if msg.Exchange == "" {
			return "", "", fmt.Errorf("rabbitmq: fanout publish needs an exchange")
		}
		return msg.Exchange, "", nil
	case contracts.ExchangeDefault:
		if msg.Queue == "" {
			return "", "", fmt.Errorf("rabbitmq: default publish needs a queue")
		}
		return "", msg.Queue, nil
	default:
		return "", "", fmt.Errorf("rabbitmq: unsupported exchange kind %d", msg.Kind)
	}
}

// Consume runs the blocking consume loop for one subscription, redialing the
// channel with a fixed backoff when it drops. It returns when ctx is
// cancelled; unacknowledged deliveries redeliver.
func (d *Driver) Consume(ctx context.Context, sub contracts.QueueSubscription) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.consumeOnce(ctx, sub); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			d.logger.WithError(err).Warn("consume loop dropped, redialing", "queue", sub.Queue)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(redialBackoff):
		}
	}
}

func (d *Driver) consumeOnce(ctx context.Context, sub contracts.QueueSubscription) error {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return errors.New("rabbitmq: not connected")
	}

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbitmq: consumer channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if qos, ok := d.config.QoS[sub.Queue]; ok {
		if err := ch.Qos(qos.PrefetchCount, qos.PrefetchSize, qos.Global); err != nil {
			return fmt.Errorf("rabbitmq: qos on %s: %w", sub.Queue, err)
		}
	}

	consumerTag := fmt.Sprintf("%s-%s", d.config.Service, sub.Queue)
	deliveries, err := ch.Consume(sub.Queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("rabbitmq: consume %s: %w", sub.Queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case del, ok := <-deliveries:
			if !ok {
				return errors.New("rabbitmq: delivery channel closed")
			}
			if d.config.Async {
				go d.handle(ctx, del, sub)
			} else {
				d.handle(ctx, del, sub)
			}
		}
	}
}

// handle decodes one delivery and translates the dispatch outcome. Nack
// never requeues: the dead-letter exchange is the retry transport and the
// x-death count is the retry counter.
func (d *Driver) handle(ctx context.Context, del amqp.Delivery, sub contracts.QueueSubscription) {
	count := deathCount(del.Headers)

	delivery := contracts.Delivery{
		TypeName:   sub.TypeName,
		Body:       del.Body,
		RetryCount: count,
	}
	if sub.TypeName == "" {
		env, err := codec.DecodeEnvelope(del.Body)
		if err != nil || env.Type == "" {
			// A body that cannot name its type can never reach a handler, and
			// nacking it would cycle queue -> DLX -> queue forever. Terminate
			// it like an unbound type.
			d.logger.WithError(err).Warn("undecodable envelope, discarding", "queue", sub.Queue)
			_ = del.Ack(false)
			return
		}
		delivery.TypeName = env.Type
		delivery.Body = []byte(env.Payload)
	}

	if d.dispatcher.Dispatch(ctx, delivery) == contracts.OutcomeAck {
		_ = del.Ack(false)
	} else {
		_ = del.Nack(false, false)
	}
}

// deathCount reads the requeue count from the transport-injected x-death
// header. A missing or malformed header reads as zero.
func deathCount(headers amqp.Table) int {
	if headers == nil {
		return 0
	}
	deaths, ok := headers["x-death"].([]any)
	if !ok || len(deaths) == 0 {
		return 0
	}
	first, ok := deaths[0].(amqp.Table)
	if !ok {
		return 0
	}
	switch n := first["count"].(type) {
	case int64:
		return int(n)
	case int32:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}

// Ensure Driver implements the queue contracts
var (
	_ contracts.QueuePublisher  = (*Driver)(nil)
	_ contracts.QueueSubscriber = (*Driver)(nil)
)
