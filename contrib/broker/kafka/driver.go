// Package kafka provides the partitioned event-stream adapter over Sarama.
//
// Records carry the message type name as the key, the serialized payload as
// the value, and always the GroupId / CountOfRetry headers. Consumption uses
// a per-(service, topic) consumer group with earliest offsets and manual
// commit; failed dispatches are retried by republishing the same payload to
// the same topic with an incremented counter and this consumer group's
// GroupId, so other services' groups silently skip it.
//
// Usage:
//
//	driver := kafka.NewDriver(&kafka.Config{
//	    Brokers: []string{"localhost:9092"},
//	    Service: "orders",
//	}, engine)
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	"github.com/madcok-co/relay/core/pkg/contracts"
)

const (
	// Transient publish failures retry with a fixed backoff before they
	// surface to the caller.
	publishAttempts = 5
	publishBackoff  = 3 * time.Second
)

// Driver implements contracts.StreamPublisher and contracts.StreamSubscriber
// using Kafka (Sarama).
type Driver struct {
	config     *Config
	client     sarama.Client
	producer   sarama.SyncProducer
	dispatcher contracts.Dispatcher
	logger     contracts.Logger
	connected  bool
}

// Config for Kafka driver
type Config struct {
	Brokers []string
	// Service is the NameOfService; consumer groups are "{service}-{topic}".
	Service  string
	ClientID string
	Version  string // Kafka version, e.g., "2.8.0"

	// Producer settings
	RequiredAcks    sarama.RequiredAcks
	Compression     sarama.CompressionCodec
	MaxMessageBytes int

	// Consumer settings
	SessionTimeout    time.Duration
	HeartbeatInterval time.Duration

	// SASL
	UseSASL       bool
	SASLMechanism string // "PLAIN", "SCRAM-SHA-256", "SCRAM-SHA-512"
	SASLUser      string
	SASLPassword  string
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Brokers:           []string{"localhost:9092"},
		Service:           "relay-service",
		ClientID:          "relay-client",
		Version:           "2.8.0",
		RequiredAcks:      sarama.WaitForAll,
		Compression:       sarama.CompressionSnappy,
		MaxMessageBytes:   1024 * 1024, // 1MB
		SessionTimeout:    10 * time.Second,
		HeartbeatInterval: 3 * time.Second,
	}
}

// NewDriver creates a new Kafka driver. The dispatcher receives every record
// that passes the processing gate.
func NewDriver(cfg *Config, dispatcher contracts.Dispatcher, logger contracts.Logger) *Driver {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = contracts.NopLogger{}
	}
	return &Driver{
		config:     cfg,
		dispatcher: dispatcher,
		logger:     logger.Named("kafka"),
	}
}

// buildSaramaConfig builds Sarama configuration from our config
func (d *Driver) buildSaramaConfig() *sarama.Config {
	cfg := sarama.NewConfig()

	version, err := sarama.ParseKafkaVersion(d.config.Version)
	if err != nil {
		version = sarama.V2_8_0_0
	}
	cfg.Version = version
	cfg.ClientID = d.config.ClientID

	// Producer. Unset tuning fields fall back to the driver defaults so a
	// minimal Config still passes sarama's validation.
	def := DefaultConfig()
	cfg.Producer.RequiredAcks = def.RequiredAcks
	if d.config.RequiredAcks != 0 {
		cfg.Producer.RequiredAcks = d.config.RequiredAcks
	}
	cfg.Producer.Compression = d.config.Compression
	cfg.Producer.MaxMessageBytes = def.MaxMessageBytes
	if d.config.MaxMessageBytes > 0 {
		cfg.Producer.MaxMessageBytes = d.config.MaxMessageBytes
	}
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true

	// Consumer: earliest offsets, manual commit only.
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Offsets.AutoCommit.Enable = false
	cfg.Consumer.Group.Session.Timeout = def.SessionTimeout
	if d.config.SessionTimeout > 0 {
		cfg.Consumer.Group.Session.Timeout = d.config.SessionTimeout
	}
	cfg.Consumer.Group.Heartbeat.Interval = def.HeartbeatInterval
	if d.config.HeartbeatInterval > 0 {
		cfg.Consumer.Group.Heartbeat.Interval = d.config.HeartbeatInterval
	}
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}

	if d.config.UseSASL {
		cfg.Net.SASL.Enable = true
		cfg.Net.SASL.User = d.config.SASLUser
		cfg.Net.SASL.Password = d.config.SASLPassword
		cfg.Net.SASL.Mechanism = sarama.SASLMechanism(d.config.SASLMechanism)
	}

	return cfg
}

// Connect establishes the shared client and producer.
func (d *Driver) Connect(ctx context.Context) error {
	cfg := d.buildSaramaConfig()

	client, err := sarama.NewClient(d.config.Brokers, cfg)
	if err != nil {
		return fmt.Errorf("kafka: connect: %w", err)
	}
	d.client = client

	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("kafka: producer: %w", err)
	}
	d.producer = producer

	d.connected = true
	return nil
}

// Disconnect closes connections
func (d *Driver) Disconnect(ctx context.Context) error {
	if d.producer != nil {
		_ = d.producer.Close()
	}
	if d.client != nil {
		_ = d.client.Close()
	}
	d.connected = false
	return nil
}

// Ping checks Kafka connectivity
func (d *Driver) Ping(ctx context.Context) error {
	if !d.connected || d.client == nil {
		return errors.New("kafka: not connected")
	}
	return d.client.RefreshMetadata()
}

// Publish writes one record with key = type name and the required retry
// headers, retrying transient failures with a fixed backoff. Exhaustion
// surfaces as a publish failure.
func (d *Driver) Publish(ctx context.Context, topic string, key string, value []byte, headers map[string]string) error {
	if !d.connected {
		return errors.New("kafka: not connected")
	}

	msg := &sarama.ProducerMessage{
		Topic:     topic,
		Key:       sarama.StringEncoder(key),
		Value:     sarama.ByteEncoder(value),
		Timestamp: time.Now(),
	}
	for k, v := range headers {
		msg.Headers = append(msg.Headers, sarama.RecordHeader{
			Key:   []byte(k),
			Value: []byte(v),
		})
	}

	var lastErr error
	for attempt := 1; attempt <= publishAttempts; attempt++ {
		if _, _, lastErr = d.producer.SendMessage(msg); lastErr == nil {
			return nil
		}
		d.logger.WithError(lastErr).Warn("publish attempt failed",
			"topic", topic, "key", key, "attempt", attempt)

		if attempt == publishAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(publishBackoff):
		}
	}
	return fmt.Errorf("kafka: publish to %s after %d attempts: %w", topic, publishAttempts, lastErr)
}

// Consume joins the "{service}-{topic}" consumer group and blocks until ctx
// is cancelled. Dispatch errors never stop the loop; a record whose retry
// republish failed stays uncommitted and redelivers on the next poll.
func (d *Driver) Consume(ctx context.Context, topic string) error {
	group := GroupID(d.config.Service, topic)

	cg, err := sarama.NewConsumerGroup(d.config.Brokers, group, d.buildSaramaConfig())
	if err != nil {
		return fmt.Errorf("kafka: consumer group %s: %w", group, err)
	}
	defer func() { _ = cg.Close() }()

	handler := &groupHandler{driver: d, ownGroup: group}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := cg.Consume(ctx, []string{topic}, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			d.logger.WithError(err).Error("consume loop error", "topic", topic, "group", group)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
		}
	}
}

// GroupID renders the per-(service, topic) consumer group name, which is
// also the retry republish GroupId header value.
func GroupID(service, topic string) string {
	return fmt.Sprintf("%s-%s", service, topic)
}

// shouldProcess is the processing gate: a record is for this consumer when
// it is a fresh publish (empty GroupId) or this group's own retry republish.
// Everything else is acknowledged untouched.
func shouldProcess(groupID string, countOfRetry int, ownGroup string) bool {
	if groupID == "" {
		return true
	}
	return groupID == ownGroup && countOfRetry > 0
}

// retryHeaders extracts GroupId and CountOfRetry from record headers.
// Missing or malformed headers read as a fresh publish.
func retryHeaders(headers []*sarama.RecordHeader) (string, int) {
	var groupID string
	var count int
	for _, h := range headers {
		if h == nil {
			continue
		}
		switch string(h.Key) {
		case contracts.HeaderGroupID:
			groupID = string(h.Value)
		case contracts.HeaderCountOfRetry:
			if n, err := strconv.Atoi(string(h.Value)); err == nil {
				count = n
			}
		}
	}
	return groupID, count
}

// groupHandler implements sarama.ConsumerGroupHandler
type groupHandler struct {
	driver   *Driver
	ownGroup string
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for message := range claim.Messages() {
		groupID, count := retryHeaders(message.Headers)

		if !shouldProcess(groupID, count, h.ownGroup) {
			// Another group's retry generation; not for us.
			session.MarkMessage(message, "")
			session.Commit()
			continue
		}

		outcome := h.driver.dispatcher.Dispatch(ctx, contracts.Delivery{
			TypeName:   string(message.Key),
			Body:       message.Value,
			RetryCount: count,
		})

		if outcome == contracts.OutcomeRetry {
			if err := h.republish(ctx, message, count+1); err != nil {
				// Leave the offset uncommitted so the record redelivers.
				return fmt.Errorf("kafka: retry republish on %s: %w", message.Topic, err)
			}
		}

		session.MarkMessage(message, "")
		session.Commit()
	}
	return nil
}

// republish sends the same payload back to the topic with an incremented
// retry counter and this group's GroupId.
func (h *groupHandler) republish(ctx context.Context, message *sarama.ConsumerMessage, nextCount int) error {
	headers := map[string]string{
		contracts.HeaderGroupID:      h.ownGroup,
		contracts.HeaderCountOfRetry: strconv.Itoa(nextCount),
	}
	return h.driver.Publish(ctx, message.Topic, string(message.Key), message.Value, headers)
}

// Ensure Driver implements the stream contracts
var (
	_ contracts.StreamPublisher  = (*Driver)(nil)
	_ contracts.StreamSubscriber = (*Driver)(nil)
)
