package lock

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func lockers(t *testing.T) map[string]Locker {
	t.Helper()
	out := map[string]Locker{"memory": NewMemoryLocker()}
	if addr := os.Getenv("TEST_REDIS_ADDR"); addr != "" {
		c := redis.NewClient(&redis.Options{Addr: addr})
		t.Cleanup(func() { _ = c.Close() })
		if err := c.FlushDB(context.Background()).Err(); err != nil {
			t.Fatalf("flush redis: %v", err)
		}
		out["redis"] = NewRedisLocker(c, time.Minute)
	}
	return out
}

func TestAcquireExactlyOneWinner(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			const n = 16
			start := make(chan struct{})
			var wg sync.WaitGroup
			wins := make(chan string, n)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(d string) {
					defer wg.Done()
					<-start
					ok, err := l.Acquire(ctx, "ride-race", d, "conn-"+d)
					if err != nil {
						t.Errorf("acquire: %v", err)
						return
					}
					if ok {
						wins <- d
					}
				}(fmt.Sprintf("d%d", i))
			}
			close(start)
			wg.Wait()
			close(wins)
			var winners []string
			for w := range wins {
				winners = append(winners, w)
			}
			if len(winners) != 1 {
				t.Fatalf("expected exactly one winner, got %v", winners)
			}
			c, ok, err := l.Holder(ctx, "ride-race")
			if err != nil || !ok || c.DriverID != winners[0] {
				t.Fatalf("holder mismatch: %+v ok=%v err=%v", c, ok, err)
			}
		})
	}
}

func TestReleaseOwnedOnlyByHolder(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if ok, _ := l.Acquire(ctx, "r1", "d1", "c1"); !ok {
				t.Fatal("expected acquire")
			}
			if ok, _ := l.ReleaseOwned(ctx, "r1", "d2"); ok {
				t.Fatal("non-holder must not release")
			}
			if ok, _ := l.ReleaseOwned(ctx, "r1", "d1"); !ok {
				t.Fatal("holder release failed")
			}
			if _, ok, _ := l.Holder(ctx, "r1"); ok {
				t.Fatal("lock still held after release")
			}
			if ok, _ := l.Acquire(ctx, "r1", "d2", "c2"); !ok {
				t.Fatal("expected re-acquire after release")
			}
		})
	}
}

func TestReleaseConnFreesOnlyThatConnection(t *testing.T) {
	for name, l := range lockers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, _ = l.Acquire(ctx, "r1", "d1", "c1")
			_, _ = l.Acquire(ctx, "r2", "d1", "c1")
			_, _ = l.Acquire(ctx, "r3", "d2", "c2")

			claims, err := l.ReleaseConn(ctx, "c1")
			if err != nil {
				t.Fatalf("release conn: %v", err)
			}
			if len(claims) != 2 {
				t.Fatalf("expected 2 claims, got %+v", claims)
			}
			for _, r := range []string{"r1", "r2"} {
				if _, ok, _ := l.Holder(ctx, r); ok {
					t.Fatalf("%s still held", r)
				}
			}
			if _, ok, _ := l.Holder(ctx, "r3"); !ok {
				t.Fatal("r3 must stay held by c2")
			}
			// releasing by ride also clears the connection index
			_ = l.Release(ctx, "r3")
			if claims, _ := l.ReleaseConn(ctx, "c2"); len(claims) != 0 {
				t.Fatalf("expected no claims left for c2, got %+v", claims)
			}
		})
	}
}

func TestRedisReleaseTouchesOnlyRideKeyAndCleansConnIndex(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	c := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = c.Close() })
	if err := c.FlushDB(ctx).Err(); err != nil {
		t.Fatal(err)
	}
	l := NewRedisLocker(c, time.Minute)
	if ok, err := l.Acquire(ctx, "r1", "d1", "c1"); !ok || err != nil {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	if ok, _ := c.SIsMember(ctx, connPrefix+"c1", "r1").Result(); !ok {
		t.Fatal("acquire must index the connection")
	}

	// a release with no claim is a miss, not an error
	if ok, err := l.ReleaseOwned(ctx, "missing", "d1"); ok || err != nil {
		t.Fatalf("release of unknown ride: ok=%v err=%v", ok, err)
	}
	if ok, err := l.ReleaseOwned(ctx, "r1", "d1"); !ok || err != nil {
		t.Fatalf("release: ok=%v err=%v", ok, err)
	}
	if ok, _ := c.SIsMember(ctx, connPrefix+"c1", "r1").Result(); ok {
		t.Fatal("release must drop the ride from the connection index")
	}
}
