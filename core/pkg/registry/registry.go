// Package registry maps wire type names to consumer bindings and publish
// declarations. The mapping is populated explicitly at startup, so dispatch
// does a single map lookup per delivery instead of any runtime discovery.
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/madcok-co/relay/core/pkg/codec"
	"github.com/madcok-co/relay/core/pkg/contracts"
)

// DefaultMaxRetry applies to bindings that do not declare a retry budget.
const DefaultMaxRetry = 5

// Binding ties one wire type name to a consumer and its metadata.
type Binding struct {
	TypeName         string
	MaxRetry         int
	HasAfterMaxRetry bool

	// Transaction declares the handler's side and isolation level. Dispatch
	// treats a nil config as a hard error, not a default.
	Transaction *contracts.TransactionConfig

	// CleanCacheKeys are deleted from the cache backend after a successful
	// commit.
	CleanCacheKeys []string

	// Topic binds a stream consumer; empty for queue-only bindings.
	Topic string

	decode   func([]byte) (contracts.Message, error)
	handle   func(context.Context, contracts.Message) error
	afterMax func(context.Context, contracts.Message) error
}

// Decode deserializes a wire body into the binding's message type.
func (b *Binding) Decode(body []byte) (contracts.Message, error) {
	return b.decode(body)
}

// Handle invokes the bound consumer.
func (b *Binding) Handle(ctx context.Context, msg contracts.Message) error {
	return b.handle(ctx, msg)
}

// AfterMaxRetry invokes the after-max hook. It is a no-op when the consumer
// does not declare one.
func (b *Binding) AfterMaxRetry(ctx context.Context, msg contracts.Message) error {
	if b.afterMax == nil {
		return nil
	}
	return b.afterMax(ctx, msg)
}

// Publication declares where an outbox event of a given type goes on the
// wire: an exchange spec for the queue transport, or a topic for the stream
// transport.
type Publication struct {
	TypeName string
	Exchange *contracts.ExchangeSpec
	Topic    string
}

// Registry holds consumer bindings and publish declarations.
type Registry struct {
	mu           sync.RWMutex
	bindings     map[string]*Binding
	publications map[string]*Publication
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		bindings:     make(map[string]*Binding),
		publications: make(map[string]*Publication),
	}
}

func (r *Registry) add(b *Binding) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.bindings[b.TypeName]; exists {
		return fmt.Errorf("registry: consumer already bound for type %q", b.TypeName)
	}
	r.bindings[b.TypeName] = b
	return nil
}

// Lookup returns the binding for a wire type name. A missing binding is not
// an error at this level: shared queues and topics carry types that belong
// to other services.
func (r *Registry) Lookup(typeName string) (*Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[typeName]
	return b, ok
}

// Bindings returns all registered bindings.
func (r *Registry) Bindings() []*Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Binding, 0, len(r.bindings))
	for _, b := range r.bindings {
		out = append(out, b)
	}
	return out
}

// Topics returns the sorted set of stream topics declared by bindings. The
// stream workers open one consumer loop per topic.
func (r *Registry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, b := range r.bindings {
		if b.Topic != "" {
			seen[b.Topic] = struct{}{}
		}
	}
	topics := make([]string, 0, len(seen))
	for t := range seen {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// Declare registers a publish declaration for an event type. The outbox
// publisher resolves its wire target here.
func (r *Registry) Declare(p Publication) error {
	if p.TypeName == "" {
		return fmt.Errorf("registry: publication needs a type name")
	}
	if p.Exchange == nil && p.Topic == "" {
		return fmt.Errorf("registry: publication %q declares neither exchange nor topic", p.TypeName)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.publications[p.TypeName]; exists {
		return fmt.Errorf("registry: publication already declared for type %q", p.TypeName)
	}
	r.publications[p.TypeName] = &p
	return nil
}

// PublicationFor returns the publish declaration for an event type.
func (r *Registry) PublicationFor(typeName string) (*Publication, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.publications[typeName]
	return p, ok
}

// Option configures a binding at registration time.
type Option func(*Binding)

// WithMaxRetry sets the retry budget for the binding.
func WithMaxRetry(n int) Option {
	return func(b *Binding) { b.MaxRetry = n }
}

// WithTransaction declares the handler's transaction side and isolation.
func WithTransaction(side contracts.TransactionSide, isolation sql.IsolationLevel) Option {
	return func(b *Binding) {
		b.Transaction = &contracts.TransactionConfig{Side: side, Isolation: isolation}
	}
}

// WithCleanCache declares cache keys to invalidate after commit, as a
// pipe-separated list ("orders|order-detail").
func WithCleanCache(keys string) Option {
	return func(b *Binding) {
		for _, k := range strings.Split(keys, "|") {
			if k = strings.TrimSpace(k); k != "" {
				b.CleanCacheKeys = append(b.CleanCacheKeys, k)
			}
		}
	}
}

// WithTopic binds the consumer to a stream topic.
func WithTopic(topic string) Option {
	return func(b *Binding) { b.Topic = topic }
}

// Bind registers a typed consumer under a wire type name. The after-max hook
// is picked up automatically when the consumer implements
// contracts.AfterMaxRetryConsumer. Binding the same type twice is an error.
func Bind[T contracts.Message](r *Registry, typeName string, c contracts.Consumer[T], opts ...Option) error {
	if typeName == "" {
		return fmt.Errorf("registry: binding needs a type name")
	}
	if c == nil {
		return fmt.Errorf("registry: nil consumer for type %q", typeName)
	}

	b := &Binding{
		TypeName: typeName,
		MaxRetry: DefaultMaxRetry,
		decode: func(body []byte) (contracts.Message, error) {
			var v T
			if err := codec.Decode(body, &v); err != nil {
				return nil, err
			}
			return v, nil
		},
		handle: func(ctx context.Context, msg contracts.Message) error {
			v, ok := msg.(T)
			if !ok {
				return fmt.Errorf("registry: %q delivered %T", typeName, msg)
			}
			return c.Handle(ctx, v)
		},
	}

	if hook, ok := any(c).(contracts.AfterMaxRetryConsumer[T]); ok {
		b.HasAfterMaxRetry = true
		b.afterMax = func(ctx context.Context, msg contracts.Message) error {
			v, ok := msg.(T)
			if !ok {
				return fmt.Errorf("registry: %q delivered %T", typeName, msg)
			}
			return hook.AfterMaxRetryHandle(ctx, v)
		}
	}

	for _, opt := range opts {
		opt(b)
	}

	return r.add(b)
}
