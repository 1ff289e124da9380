package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func exerciseMutualExclusion(t *testing.T, l Locker) {
	t.Helper()
	ctx := context.Background()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, IdentityKey("+237650000000"))
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Fatalf("expected at most one holder, saw %d", maxInside)
	}
}

func TestKeyedMutexExclusive(t *testing.T) {
	exerciseMutualExclusion(t, NewKeyedMutex())
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	l := NewKeyedMutex()
	ctx := context.Background()

	unlockA, err := l.Lock(ctx, IdentityKey("a"))
	if err != nil {
		t.Fatalf("lock a: %v", err)
	}
	defer unlockA()

	timeout, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	unlockB, err := l.Lock(timeout, IdentityKey("b"))
	if err != nil {
		t.Fatalf("lock b should not wait on a: %v", err)
	}
	unlockB()
}

func TestKeyedMutexContextCancel(t *testing.T) {
	l := NewKeyedMutex()
	ctx := context.Background()

	unlock, err := l.Lock(ctx, "k")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	timeout, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(timeout, "k"); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("expected ErrNotAcquired, got %v", err)
	}

	unlock()
	unlock() // second call is a no-op

	if len(l.entries) != 0 {
		t.Fatalf("expected entries to be released, got %d", len(l.entries))
	}
}

func TestRedisLocker(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	l := NewRedisLocker(client, time.Second)
	exerciseMutualExclusion(t, l)

	ctx := context.Background()
	unlock, err := l.Lock(ctx, "tx:1")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if !mr.Exists(redisLockPrefix + "tx:1") {
		t.Fatal("expected lock key in redis")
	}

	timeout, cancel := context.WithTimeout(ctx, 60*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(timeout, "tx:1"); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("expected ErrNotAcquired, got %v", err)
	}

	unlock()
	if mr.Exists(redisLockPrefix + "tx:1") {
		t.Fatal("expected lock key to be released")
	}
}
