package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultLeaseKey = "agentcredits:sweep:lease"
	DefaultLeaseTTL = 10 * time.Minute
)

// releaseScript deletes the key only while it still holds our token.
const releaseScript = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`

var ErrInvalidLease = errors.New("invalid lease config")

// Lease is a cluster-wide mutual exclusion for the sweep.
type Lease interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// RedisLease holds a SET NX PX key with a per-process token.
type RedisLease struct {
	client redis.Cmdable
	key    string
	token  string
	ttl    time.Duration
}

func NewRedisLease(client redis.Cmdable, key string, ttl time.Duration) (*RedisLease, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: redis client is required", ErrInvalidLease)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = DefaultLeaseKey
	}
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &RedisLease{client: client, key: key, token: uuid.NewString(), ttl: ttl}, nil
}

func (lease *RedisLease) Acquire(ctx context.Context) (bool, error) {
	acquired, err := lease.client.SetNX(ctx, lease.key, lease.token, lease.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", lease.key, err)
	}
	return acquired, nil
}

func (lease *RedisLease) Release(ctx context.Context) error {
	if err := lease.client.Eval(ctx, releaseScript, []string{lease.key}, lease.token).Err(); err != nil {
		return fmt.Errorf("release lease %s: %w", lease.key, err)
	}
	return nil
}

// localLease is used when no redis is configured; it only guards this process.
type localLease struct {
	held chan struct{}
}

func newLocalLease() *localLease {
	return &localLease{held: make(chan struct{}, 1)}
}

func (lease *localLease) Acquire(context.Context) (bool, error) {
	select {
	case lease.held <- struct{}{}:
		return true, nil
	default:
		return false, nil
	}
}

func (lease *localLease) Release(context.Context) error {
	select {
	case <-lease.held:
	default:
	}
	return nil
}
