package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	gormpkg "gorm.io/gorm"
	"gorm.io/gorm/logger"

	rediscache "github.com/madcok-co/relay/contrib/cache/redis"
	relaygorm "github.com/madcok-co/relay/contrib/database/gorm"
	"github.com/madcok-co/relay/core/pkg/codec"
	"github.com/madcok-co/relay/core/pkg/contracts"
	"github.com/madcok-co/relay/core/pkg/lock"
	"github.com/madcok-co/relay/core/pkg/registry"
)

type streamRecord struct {
	Topic   string
	Key     string
	Value   []byte
	Headers map[string]string
}

type fakeStream struct {
	records []streamRecord
	fail    error
}

func (f *fakeStream) Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error {
	if f.fail != nil {
		return f.fail
	}
	f.records = append(f.records, streamRecord{Topic: topic, Key: key, Value: value, Headers: headers})
	return nil
}

// gatedStream parks the first publish until released, keeping a drain pass
// open mid-publish while another instance runs.
type gatedStream struct {
	fakeStream
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedStream) Publish(ctx context.Context, topic, key string, value []byte, headers map[string]string) error {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return g.fakeStream.Publish(ctx, topic, key, value, headers)
}

// commitFailOnce hands out transactions whose commit drops the connection, a
// configured number of times.
type commitFailOnce struct {
	contracts.UnitOfWork
	remaining int
}

func (u *commitFailOnce) Begin(ctx context.Context, iso sql.IsolationLevel) (contracts.Tx, error) {
	tx, err := u.UnitOfWork.Begin(ctx, iso)
	if err != nil {
		return nil, err
	}
	if u.remaining > 0 {
		u.remaining--
		return &commitFailTx{Tx: tx}, nil
	}
	return tx, nil
}

type commitFailTx struct {
	contracts.Tx
}

func (t *commitFailTx) Commit() error {
	_ = t.Tx.Rollback()
	return errors.New("connection lost before commit")
}

type fakeQueue struct {
	messages []contracts.QueueMessage
	fail     error
}

func (f *fakeQueue) Publish(ctx context.Context, msg contracts.QueueMessage) error {
	if f.fail != nil {
		return f.fail
	}
	f.messages = append(f.messages, msg)
	return nil
}

type fixture struct {
	repos  *relaygorm.Driver
	locker *lock.Locker
	mr     *miniredis.Miniredis
	reg    *registry.Registry
	stream *fakeStream
	queue  *fakeQueue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gormpkg.Open(sqlite.Open(dsn), &gormpkg.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	repos := relaygorm.NewDriver(db)
	if err := repos.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	reg := registry.New()
	if err := reg.Declare(registry.Publication{TypeName: "OrderCreated", Topic: "orders"}); err != nil {
		t.Fatalf("declare: %v", err)
	}
	err = reg.Declare(registry.Publication{
		TypeName: "StockReserved",
		Exchange: &contracts.ExchangeSpec{
			Kind:     contracts.ExchangeDirect,
			Exchange: "stock",
			Route:    "reserved",
		},
	})
	if err != nil {
		t.Fatalf("declare exchange: %v", err)
	}

	return &fixture{
		repos:  repos,
		locker: lock.New(rediscache.NewDriver(client)),
		mr:     mr,
		reg:    reg,
		stream: &fakeStream{},
		queue:  &fakeQueue{},
	}
}

func (f *fixture) publisher(opts ...Option) *Publisher {
	opts = append([]Option{WithStream(f.stream), WithQueue(f.queue)}, opts...)
	return New(f.repos.UnitOfWork(contracts.SideCommand), f.locker, f.reg, opts...)
}

func (f *fixture) seed(t *testing.T, typeName string, createdAt time.Time) *contracts.Event {
	t.Helper()
	e, err := NewEvent(typeName, map[string]string{"id": uuid.NewString()})
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	e.CreatedAt = createdAt
	e.UpdatedAt = createdAt
	if err := f.repos.DB().Create(e).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}
	return e
}

func (f *fixture) reload(t *testing.T, id string) *contracts.Event {
	t.Helper()
	var e contracts.Event
	err := f.repos.DB().Where("id = ?", id).First(&e).Error
	if errors.Is(err, gormpkg.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	return &e
}

func TestNewEvent(t *testing.T) {
	e, err := NewEvent("OrderCreated", map[string]int{"total": 42})
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	if e.ID == "" {
		t.Error("missing id")
	}
	if e.Type != "OrderCreated" {
		t.Errorf("Type = %q", e.Type)
	}
	if e.IsActive != contracts.EventActive {
		t.Errorf("IsActive = %d, want active", e.IsActive)
	}
	var payload map[string]int
	if err := codec.Decode([]byte(e.Payload), &payload); err != nil {
		t.Fatalf("payload not valid JSON: %v", err)
	}
	if payload["total"] != 42 {
		t.Errorf("payload = %v", payload)
	}
	if e.CreatedAtLocal == "" || e.UpdatedAtLocal == "" {
		t.Error("localized timestamps not rendered")
	}
}

func TestDrainPublishesAndTransitions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	row := f.seed(t, "OrderCreated", time.Now().UTC())

	p := f.publisher()
	if err := p.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	if len(f.stream.records) != 1 {
		t.Fatalf("published %d records, want 1", len(f.stream.records))
	}
	rec := f.stream.records[0]
	if rec.Topic != "orders" || rec.Key != "OrderCreated" {
		t.Errorf("record = %s/%s", rec.Topic, rec.Key)
	}
	if string(rec.Value) != row.Payload {
		t.Errorf("record value = %s, want raw payload", rec.Value)
	}
	if rec.Headers[contracts.HeaderGroupID] != "" || rec.Headers[contracts.HeaderCountOfRetry] != "0" {
		t.Errorf("fresh publish headers = %v", rec.Headers)
	}

	got := f.reload(t, row.ID)
	if got == nil || got.IsActive != contracts.EventInactive {
		t.Errorf("row after drain = %+v, want inactive", got)
	}

	// Locks are released once the pass is over.
	if f.mr.Exists(lock.Key(row.ID)) {
		t.Error("event lock still held after drain")
	}
}

func TestDrainRemovesInactive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	row := f.seed(t, "OrderCreated", time.Now().UTC())
	row.IsActive = contracts.EventInactive
	if err := f.repos.DB().Save(row).Error; err != nil {
		t.Fatalf("save: %v", err)
	}

	p := f.publisher()
	if err := p.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	if len(f.stream.records) != 0 {
		t.Error("inactive row was republished")
	}
	if f.reload(t, row.ID) != nil {
		t.Error("inactive row not removed")
	}
}

func TestDrainRollsBackOnPublishFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	row := f.seed(t, "OrderCreated", time.Now().UTC())
	f.stream.fail = errors.New("broker down")

	p := f.publisher()
	if err := p.Drain(ctx); err == nil {
		t.Fatal("Drain succeeded with a failing broker")
	}

	got := f.reload(t, row.ID)
	if got == nil || got.IsActive != contracts.EventActive {
		t.Errorf("row after failed drain = %+v, want still active", got)
	}

	// The next pass picks it up again.
	f.stream.fail = nil
	if err := p.Drain(ctx); err != nil {
		t.Fatalf("recovery Drain: %v", err)
	}
	if len(f.stream.records) != 1 {
		t.Errorf("published %d records on recovery, want 1", len(f.stream.records))
	}
}

func TestDrainOrdersByCreation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	f.seed(t, "OrderCreated", base.Add(2*time.Minute))
	f.seed(t, "OrderCreated", base)
	f.seed(t, "OrderCreated", base.Add(time.Minute))

	p := f.publisher()
	if err := p.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(f.stream.records) != 3 {
		t.Fatalf("published %d records, want 3", len(f.stream.records))
	}
	// Each payload carries its own id; compare against rows sorted by date.
	var rows []*contracts.Event
	if err := f.repos.DB().Order("created_at ASC").Find(&rows).Error; err != nil {
		t.Fatalf("reread: %v", err)
	}
	for i, rec := range f.stream.records {
		if string(rec.Value) != rows[i].Payload {
			t.Errorf("record %d out of creation order", i)
		}
	}
}

func TestDrainSkipsLockedEvents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	row := f.seed(t, "OrderCreated", time.Now().UTC())

	// Another instance holds this event.
	other := lock.New(rediscache.NewDriver(goredis.NewClient(&goredis.Options{Addr: f.mr.Addr()})))
	if ok, err := other.Acquire(ctx, row.ID); err != nil || !ok {
		t.Fatalf("pre-acquire = %v, %v", ok, err)
	}

	p := f.publisher()
	if err := p.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	if len(f.stream.records) != 0 {
		t.Error("locked event was published")
	}
	got := f.reload(t, row.ID)
	if got == nil || got.IsActive != contracts.EventActive {
		t.Errorf("locked row = %+v, want untouched", got)
	}
	// The foreign lock survives the pass.
	if !f.mr.Exists(lock.Key(row.ID)) {
		t.Error("drain released a lock it does not hold")
	}
}

func TestDrainConcurrentInstancesPublishOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	row := f.seed(t, "OrderCreated", time.Now().UTC())

	gate := &gatedStream{entered: make(chan struct{}), release: make(chan struct{})}
	first := New(f.repos.UnitOfWork(contracts.SideCommand), f.locker, f.reg, WithStream(gate))

	client := goredis.NewClient(&goredis.Options{Addr: f.mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	second := New(f.repos.UnitOfWork(contracts.SideCommand),
		lock.New(rediscache.NewDriver(client)), f.reg, WithStream(f.stream))

	done := make(chan error, 1)
	go func() { done <- first.Drain(ctx) }()

	select {
	case <-gate.entered:
		// The first instance holds the event lock and sits mid-publish.
	case <-time.After(2 * time.Second):
		t.Fatal("first drain never reached the broker")
	}

	if err := second.Drain(ctx); err != nil {
		t.Fatalf("concurrent drain: %v", err)
	}
	if len(f.stream.records) != 0 {
		t.Error("second instance published an event another instance holds")
	}

	close(gate.release)
	if err := <-done; err != nil {
		t.Fatalf("first drain: %v", err)
	}
	if len(gate.records) != 1 {
		t.Errorf("first instance published %d records, want exactly 1", len(gate.records))
	}

	got := f.reload(t, row.ID)
	if got == nil || got.IsActive != contracts.EventInactive {
		t.Errorf("row = %+v, want inactive", got)
	}
}

func TestDrainCommitFailureRedelivers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	row := f.seed(t, "OrderCreated", time.Now().UTC())

	uow := &commitFailOnce{UnitOfWork: f.repos.UnitOfWork(contracts.SideCommand), remaining: 1}
	p := New(uow, f.locker, f.reg, WithStream(f.stream))

	if err := p.Drain(ctx); err == nil {
		t.Fatal("Drain succeeded with a failing commit")
	}
	// The publish went out but the transition was lost with the transaction.
	if len(f.stream.records) != 1 {
		t.Fatalf("published %d records, want 1", len(f.stream.records))
	}
	got := f.reload(t, row.ID)
	if got == nil || got.IsActive != contracts.EventActive {
		t.Errorf("row after failed commit = %+v, want still active", got)
	}

	// The next pass delivers a second copy; the consumer-side idempotency
	// marker absorbs it.
	if err := p.Drain(ctx); err != nil {
		t.Fatalf("recovery Drain: %v", err)
	}
	if len(f.stream.records) != 2 {
		t.Fatalf("published %d records total, want 2", len(f.stream.records))
	}
	if string(f.stream.records[0].Value) != string(f.stream.records[1].Value) {
		t.Error("redelivery carries a different payload")
	}
	got = f.reload(t, row.ID)
	if got == nil || got.IsActive != contracts.EventInactive {
		t.Errorf("row after recovery = %+v, want inactive", got)
	}
}

func TestDrainQueuePublication(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	row := f.seed(t, "StockReserved", time.Now().UTC())

	p := f.publisher()
	if err := p.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	if len(f.queue.messages) != 1 {
		t.Fatalf("published %d queue messages, want 1", len(f.queue.messages))
	}
	msg := f.queue.messages[0]
	if msg.Kind != contracts.ExchangeDirect || msg.Exchange != "stock" || msg.Route != "reserved" {
		t.Errorf("queue message routing = %+v", msg)
	}

	// Queue publications carry the whole envelope, not the bare payload.
	env, err := codec.DecodeEnvelope(msg.Body)
	if err != nil {
		t.Fatalf("body is not an envelope: %v", err)
	}
	if env.ID != row.ID || env.Type != "StockReserved" || env.Payload != row.Payload {
		t.Errorf("envelope = %+v", env)
	}
}

func TestDrainNoPublication(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, "UndeclaredType", time.Now().UTC())

	p := f.publisher()
	err := p.Drain(ctx)
	if !errors.Is(err, ErrNoPublication) {
		t.Errorf("Drain error = %v, want ErrNoPublication", err)
	}
}

func TestDrainWithoutLocker(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seed(t, "OrderCreated", time.Now().UTC())

	p := New(f.repos.UnitOfWork(contracts.SideCommand), nil, f.reg, WithStream(f.stream))
	if err := p.Drain(ctx); err != nil {
		t.Fatalf("Drain without locker: %v", err)
	}
	if len(f.stream.records) != 1 {
		t.Errorf("published %d records, want 1", len(f.stream.records))
	}
}
