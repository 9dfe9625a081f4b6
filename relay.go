// Package relay wires the messaging core together: configuration, logging,
// the queue and stream broker adapters, the handler registry, the dispatch
// engine, the outbox publisher, and the hosted worker loops. Applications
// register their consumers and publish declarations on the registry, then
// call Run, which blocks until shutdown.
package relay

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/madcok-co/relay/contrib/broker/kafka"
	"github.com/madcok-co/relay/contrib/broker/rabbitmq"
	rediscache "github.com/madcok-co/relay/contrib/cache/redis"
	"github.com/madcok-co/relay/contrib/config"
	relaygorm "github.com/madcok-co/relay/contrib/database/gorm"
	zaplog "github.com/madcok-co/relay/contrib/logger/zap"
	"github.com/madcok-co/relay/core/pkg/contracts"
	"github.com/madcok-co/relay/core/pkg/dispatch"
	"github.com/madcok-co/relay/core/pkg/lock"
	"github.com/madcok-co/relay/core/pkg/outbox"
	"github.com/madcok-co/relay/core/pkg/registry"
	"github.com/madcok-co/relay/core/pkg/sidelog"
	"github.com/madcok-co/relay/core/pkg/worker"
)

// App is one configured messaging runtime.
type App struct {
	settings *config.Settings
	logger   contracts.Logger

	registry *registry.Registry
	repos    *relaygorm.Driver
	cache    contracts.Cache
	queue    *rabbitmq.Driver
	stream   *kafka.Driver
	engine   *dispatch.Engine
	outbox   *outbox.Publisher
	side     *sidelog.Channel
}

// Option configures the App.
type Option func(*App)

// WithLogger replaces the default zap logger.
func WithLogger(l contracts.Logger) Option {
	return func(a *App) { a.logger = l }
}

// New builds an App from settings and the shared infrastructure handles.
// The database carries the outbox and inbox tables; the Redis client backs
// the distributed lock and cache invalidation. redisClient may be nil when
// neither is needed (no outbox, no CleanCache declarations).
func New(settings *config.Settings, db *gorm.DB, redisClient *goredis.Client, opts ...Option) (*App, error) {
	a := &App{
		settings: settings,
		registry: registry.New(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = zaplog.NewDriver()
	}

	a.repos = relaygorm.NewDriver(db)
	if err := a.repos.Migrate(); err != nil {
		return nil, err
	}

	if redisClient != nil {
		a.cache = rediscache.NewDriver(redisClient, rediscache.WithPrefix(settings.NameOfService))
	}

	// The stream driver needs a dispatcher and the dispatcher's sidechannel
	// needs the stream driver, so the dispatcher is bound late.
	late := &lateDispatcher{}

	if len(settings.Kafka.Brokers) > 0 {
		a.stream = kafka.NewDriver(&kafka.Config{
			Brokers:       settings.Kafka.Brokers,
			Service:       settings.NameOfService,
			ClientID:      settings.NameOfService,
			Version:       settings.Kafka.Version,
			UseSASL:       settings.Kafka.Username != "",
			SASLMechanism: "PLAIN",
			SASLUser:      settings.Kafka.Username,
			SASLPassword:  settings.Kafka.Password,
		}, late, a.logger)
	}

	if settings.RabbitMQ.Host != "" {
		qos := make(map[string]rabbitmq.QoS, len(settings.Queues))
		for _, q := range settings.Queues {
			if q.Active {
				qos[q.Queue] = rabbitmq.QoS{
					PrefetchSize:  q.PrefetchSize,
					PrefetchCount: q.PrefetchCount,
					Global:        q.Global,
				}
			}
		}
		a.queue = rabbitmq.NewDriver(&rabbitmq.Config{
			URL:     settings.RabbitMQ.URL(),
			Service: settings.NameOfService,
			Async:   settings.ConsumeAsync,
			QoS:     qos,
		}, late, a.logger)
	}

	a.side = a.buildSidelog()

	engineOpts := []dispatch.Option{
		dispatch.WithLogger(a.logger),
		dispatch.WithSidelog(a.side),
	}
	if a.cache != nil {
		engineOpts = append(engineOpts, dispatch.WithCache(a.cache))
	}
	a.engine = dispatch.New(a.registry, a.repos, engineOpts...)
	late.bind(a.engine)

	outboxOpts := []outbox.Option{
		outbox.WithLogger(a.logger),
		outbox.WithSidelog(a.side),
	}
	if a.queue != nil {
		outboxOpts = append(outboxOpts, outbox.WithQueue(a.queue))
	}
	if a.stream != nil {
		outboxOpts = append(outboxOpts, outbox.WithStream(a.stream))
	}
	var locker *lock.Locker
	if a.cache != nil {
		locker = lock.New(a.cache)
	}
	a.outbox = outbox.New(a.repos.UnitOfWork(contracts.SideCommand), locker, a.registry, outboxOpts...)

	return a, nil
}

func (a *App) buildSidelog() *sidelog.Channel {
	var opts []sidelog.Option
	if path := a.settings.Sidelog.FilePath; path != "" {
		opts = append(opts, sidelog.WithFile(zaplog.NewFileDriver(path)))
	}
	if topic := a.settings.Sidelog.Topic; topic != "" && a.stream != nil {
		opts = append(opts, sidelog.WithStream(a.stream, topic))
	}
	if endpoint := a.settings.Sidelog.IndexEndpoint; endpoint != "" {
		opts = append(opts, sidelog.WithIndexer(sidelog.NewHTTPIndexer(endpoint)))
	}
	return sidelog.New(a.settings.NameOfService, opts...)
}

// Registry exposes the handler registry for consumer bindings and publish
// declarations.
func (a *App) Registry() *registry.Registry { return a.registry }

// Outbox exposes the outbox publisher.
func (a *App) Outbox() *outbox.Publisher { return a.outbox }

// Engine exposes the dispatch engine.
func (a *App) Engine() *dispatch.Engine { return a.engine }

// Repositories exposes the repository driver for application transactions
// (inserting outbox rows next to business state).
func (a *App) Repositories() *relaygorm.Driver { return a.repos }

// Run connects the brokers, starts every hosted loop, and blocks until ctx
// is cancelled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	if a.stream != nil {
		if err := a.stream.Connect(ctx); err != nil {
			return err
		}
		defer func() { _ = a.stream.Disconnect(context.Background()) }()
	}
	if a.queue != nil {
		if err := a.queue.Connect(ctx); err != nil {
			return err
		}
		defer func() { _ = a.queue.Disconnect(context.Background()) }()
	}

	group := worker.NewGroup(a.logger)

	if a.outbox != nil && a.settings.Outbox.Interval > 0 {
		group.Add(worker.NewOutbox(a.outbox, a.settings.Outbox.Interval, a.logger))
	}

	if a.queue != nil {
		for _, q := range a.settings.Queues {
			if !q.Active {
				continue
			}
			group.Add(worker.NewQueue(a.queue, contracts.QueueSubscription{
				Queue:    q.Queue,
				TypeName: q.TypeName,
			}))
		}
	}

	if a.stream != nil {
		for _, topic := range a.registry.Topics() {
			group.Add(worker.NewStream(a.stream, topic))
		}
		if a.settings.Announce.Topic != "" {
			group.Add(worker.NewAnnounce(a.stream, a.settings.Announce.Topic, contracts.ServiceStatus{
				ID:        uuid.NewString(),
				Name:      a.settings.NameOfService,
				Host:      a.settings.Announce.Host,
				IPAddress: a.settings.Announce.IPAddress,
				Port:      a.settings.Announce.Port,
				Status:    "up",
			}, a.logger))
		}
	}

	a.logger.Info("messaging core starting", "service", a.settings.NameOfService)
	err := group.Run(ctx)
	_ = a.logger.Sync()
	return err
}

// lateDispatcher defers dispatcher resolution until the engine exists.
type lateDispatcher struct {
	engine atomic.Pointer[dispatch.Engine]
}

func (l *lateDispatcher) bind(e *dispatch.Engine) { l.engine.Store(e) }

func (l *lateDispatcher) Dispatch(ctx context.Context, d contracts.Delivery) contracts.Outcome {
	e := l.engine.Load()
	if e == nil {
		// Not wired yet; leave the delivery unacknowledged.
		return contracts.OutcomeRetry
	}
	return e.Dispatch(ctx, d)
}

var _ contracts.Dispatcher = (*lateDispatcher)(nil)
