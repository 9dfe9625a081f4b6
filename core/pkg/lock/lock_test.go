package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	rediscache "github.com/madcok-co/relay/contrib/cache/redis"
)

func newLocker(t *testing.T, opts ...Option) (*Locker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(rediscache.NewDriver(client), opts...), mr
}

func TestAcquireRelease(t *testing.T) {
	ctx := context.Background()
	locker, mr := newLocker(t)

	ok, err := locker.Acquire(ctx, "evt-1")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if !ok {
		t.Fatal("first Acquire returned false")
	}
	if !mr.Exists(Key("evt-1")) {
		t.Errorf("key %s missing in backend", Key("evt-1"))
	}

	// Second acquire on a held lock is refused without error.
	ok, err = locker.Acquire(ctx, "evt-1")
	if err != nil {
		t.Fatalf("second Acquire errored: %v", err)
	}
	if ok {
		t.Error("held lock acquired twice")
	}

	if err := locker.Release(ctx, "evt-1"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	ok, err = locker.Acquire(ctx, "evt-1")
	if err != nil || !ok {
		t.Errorf("Acquire after Release = %v, %v", ok, err)
	}
}

func TestReleaseNotHeld(t *testing.T) {
	locker, _ := newLocker(t)
	if err := locker.Release(context.Background(), "never-held"); err != nil {
		t.Errorf("releasing an unheld lock errored: %v", err)
	}
}

func TestLockExpires(t *testing.T) {
	ctx := context.Background()
	locker, mr := newLocker(t, WithTTL(time.Second))

	if ok, err := locker.Acquire(ctx, "evt-1"); err != nil || !ok {
		t.Fatalf("Acquire = %v, %v", ok, err)
	}

	mr.FastForward(2 * time.Second)

	ok, err := locker.Acquire(ctx, "evt-1")
	if err != nil {
		t.Fatalf("Acquire after expiry errored: %v", err)
	}
	if !ok {
		t.Error("lock did not expire")
	}
}

func TestLocksAreIndependent(t *testing.T) {
	ctx := context.Background()
	locker, _ := newLocker(t)

	if ok, _ := locker.Acquire(ctx, "evt-1"); !ok {
		t.Fatal("Acquire evt-1 refused")
	}
	if ok, _ := locker.Acquire(ctx, "evt-2"); !ok {
		t.Error("holding evt-1 blocked evt-2")
	}
}
