package distlock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testLocker(t *testing.T) (*miniredis.Miniredis, *Locker, *Locker) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, New(rdb), New(rdb)
}

func TestAcquireIsExclusive(t *testing.T) {
	t.Parallel()

	_, a, b := testLocker(t)
	ctx := context.Background()

	ok, err := a.Acquire(ctx, "job:test", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	ok, err = b.Acquire(ctx, "job:test", time.Minute)
	if err != nil || ok {
		t.Fatalf("second acquire: ok=%v err=%v", ok, err)
	}

	if err := a.Release(ctx, "job:test"); err != nil {
		t.Fatal(err)
	}
	ok, err = b.Acquire(ctx, "job:test", time.Minute)
	if err != nil || !ok {
		t.Fatalf("acquire after release: ok=%v err=%v", ok, err)
	}
}

func TestReleaseIgnoresForeignHolder(t *testing.T) {
	t.Parallel()

	_, a, b := testLocker(t)
	ctx := context.Background()

	if ok, _ := a.Acquire(ctx, "job:test", time.Minute); !ok {
		t.Fatal("acquire failed")
	}
	// b never held the lock; its release must not free a's lock.
	if err := b.Release(ctx, "job:test"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := b.Acquire(ctx, "job:test", time.Minute); ok {
		t.Fatal("lock was stolen by a foreign release")
	}
}

func TestExtend(t *testing.T) {
	t.Parallel()

	mr, a, b := testLocker(t)
	ctx := context.Background()

	if ok, _ := a.Acquire(ctx, "job:test", time.Second); !ok {
		t.Fatal("acquire failed")
	}
	if err := a.Extend(ctx, "job:test", time.Minute); err != nil {
		t.Fatal(err)
	}
	if err := b.Extend(ctx, "job:test", time.Minute); !errors.Is(err, ErrNotHeld) {
		t.Errorf("foreign extend err = %v, want ErrNotHeld", err)
	}

	// After expiry the old holder cannot extend either.
	mr.FastForward(2 * time.Minute)
	if err := a.Extend(ctx, "job:test", time.Minute); !errors.Is(err, ErrNotHeld) {
		t.Errorf("lapsed extend err = %v, want ErrNotHeld", err)
	}
}

func TestWithLockSkipsWhenHeld(t *testing.T) {
	t.Parallel()

	_, a, b := testLocker(t)
	ctx := context.Background()

	if ok, _ := a.Acquire(ctx, "job:test", time.Minute); !ok {
		t.Fatal("acquire failed")
	}
	ran := false
	if err := b.WithLock(ctx, "job:test", time.Minute, func(context.Context) error {
		ran = true
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if ran {
		t.Error("fn ran while the lock was held elsewhere")
	}

	a.Release(ctx, "job:test")
	if err := b.WithLock(ctx, "job:test", time.Minute, func(context.Context) error {
		ran = true
		return nil
	}); err != nil || !ran {
		t.Fatalf("fn did not run on a free lock: err=%v", err)
	}
	// WithLock released on return.
	if ok, _ := a.Acquire(ctx, "job:test", time.Minute); !ok {
		t.Error("lock not released after WithLock")
	}
}
