package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	lockPrefix = "dispatch:lock:"
	connPrefix = "dispatch:conn:"
)

// releaseScript deletes the claim when ARGV[1] is empty or names the holder
// and returns the deleted claim. It touches KEYS[1] only, so it is safe on
// Redis Cluster; the connection index is cleaned up by the caller.
var releaseScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then return false end
if ARGV[1] ~= '' and cjson.decode(v).driver_id ~= ARGV[1] then return false end
redis.call('DEL', KEYS[1])
return v
`)

// RedisLocker is a Locker shared by every dispatch process pointing at the same
// Redis. Acquire is SET NX, so at most one process wins a ride.
type RedisLocker struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewRedisLocker(client redis.UniversalClient, ttl time.Duration) *RedisLocker {
	return &RedisLocker{client: client, ttl: ttl}
}

func (r *RedisLocker) Acquire(ctx context.Context, rideID, driverID, conn string) (bool, error) {
	b, err := json.Marshal(Claim{RideID: rideID, DriverID: driverID, Conn: conn, At: time.Now()})
	if err != nil {
		return false, err
	}
	ok, err := r.client.SetNX(ctx, lockPrefix+rideID, b, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", rideID, err)
	}
	if !ok || conn == "" {
		return ok, nil
	}
	if err := r.client.SAdd(ctx, connPrefix+conn, rideID).Err(); err != nil {
		// never leave a claim the connection index cannot find
		_, _ = r.release(ctx, rideID, driverID)
		return false, fmt.Errorf("index conn %s: %w", conn, err)
	}
	return true, nil
}

func (r *RedisLocker) Release(ctx context.Context, rideID string) error {
	_, err := r.release(ctx, rideID, "")
	return err
}

func (r *RedisLocker) ReleaseOwned(ctx context.Context, rideID, driverID string) (bool, error) {
	return r.release(ctx, rideID, driverID)
}

func (r *RedisLocker) release(ctx context.Context, rideID, driverID string) (bool, error) {
	v, err := releaseScript.Run(ctx, r.client, []string{lockPrefix + rideID}, driverID).Text()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("release %s: %w", rideID, err)
	}
	var c Claim
	if err := json.Unmarshal([]byte(v), &c); err == nil && c.Conn != "" {
		// a stale index entry is harmless: ReleaseConn re-checks the holder
		_ = r.client.SRem(ctx, connPrefix+c.Conn, rideID).Err()
	}
	return true, nil
}

func (r *RedisLocker) Holder(ctx context.Context, rideID string) (Claim, bool, error) {
	b, err := r.client.Get(ctx, lockPrefix+rideID).Bytes()
	if errors.Is(err, redis.Nil) {
		return Claim{}, false, nil
	}
	if err != nil {
		return Claim{}, false, fmt.Errorf("get %s: %w", rideID, err)
	}
	var c Claim
	if err := json.Unmarshal(b, &c); err != nil {
		return Claim{}, false, err
	}
	return c, true, nil
}

func (r *RedisLocker) ReleaseConn(ctx context.Context, conn string) ([]Claim, error) {
	rides, err := r.client.SMembers(ctx, connPrefix+conn).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers %s: %w", conn, err)
	}
	var out []Claim
	var errs []error
	for _, rideID := range rides {
		c, ok, err := r.Holder(ctx, rideID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ok || c.Conn != conn {
			continue
		}
		released, err := r.release(ctx, rideID, c.DriverID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if released {
			out = append(out, c)
		}
	}
	if err := r.client.Del(ctx, connPrefix+conn).Err(); err != nil {
		errs = append(errs, err)
	}
	return out, errors.Join(errs...)
}
