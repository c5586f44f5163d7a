package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	errspkg "github.com/drblury/courier/internal/runtime/errors"
	idspkg "github.com/drblury/courier/internal/runtime/ids"
	loggingpkg "github.com/drblury/courier/internal/runtime/logging"
)

const defaultRedisPrefix = "courier:lock:"

var (
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
	return 0
end
if tonumber(ARGV[2]) > 0 then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
redis.call("PERSIST", KEYS[1])
return 1
`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)
)

// Redis is a Provider backed by a single Redis key per resource. Ownership is
// the key's value; every mutation compares it atomically in a script.
type Redis struct {
	client       redis.UniversalClient
	prefix       string
	pollInterval time.Duration
	maxPoll      time.Duration
	logger       loggingpkg.ServiceLogger
}

// RedisOption customises a Redis provider.
type RedisOption func(*Redis)

// WithKeyPrefix namespaces lock keys.
func WithKeyPrefix(prefix string) RedisOption {
	return func(r *Redis) { r.prefix = prefix }
}

// WithPollInterval sets the initial and maximum delay between acquisition attempts.
func WithPollInterval(initial, max time.Duration) RedisOption {
	return func(r *Redis) {
		if initial > 0 {
			r.pollInterval = initial
		}
		if max >= r.pollInterval {
			r.maxPoll = max
		}
	}
}

// WithRedisLogger sets the logger.
func WithRedisLogger(logger loggingpkg.ServiceLogger) RedisOption {
	return func(r *Redis) { r.logger = loggingpkg.Component(logger, "lock") }
}

// NewRedis wraps a go-redis client.
func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{
		client:       client,
		prefix:       defaultRedisPrefix,
		pollInterval: 25 * time.Millisecond,
		maxPoll:      time.Second,
		logger:       loggingpkg.Component(nil, "lock"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewRedisFromURL dials Redis from a redis:// URL.
func NewRedisFromURL(rawURL string, opts ...RedisOption) (*Redis, error) {
	redisOpts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("lock: parse redis url: %w", err)
	}
	return NewRedis(redis.NewClient(redisOpts), opts...), nil
}

func (r *Redis) key(resource string) string { return r.prefix + resource }

func (r *Redis) TryAcquire(ctx context.Context, resource string, opts ...AcquireOption) (*Lock, error) {
	if resource == "" {
		return nil, errspkg.ErrResourceRequired
	}
	o := resolve(opts)
	id := idspkg.CreateULID()

	expiry := o.ttl
	if expiry == Infinite {
		expiry = 0
	}

	var deadline time.Time
	if o.timeout > 0 {
		deadline = time.Now().Add(o.timeout)
	}
	delay := r.pollInterval

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ok, err := r.client.SetNX(ctx, r.key(resource), id, expiry).Result()
		if err != nil {
			return nil, fmt.Errorf("lock: acquire %q: %w", resource, err)
		}
		if ok {
			return &Lock{Resource: resource, ID: id, AcquiredAt: time.Now(), TTL: o.ttl}, nil
		}
		if o.timeout == 0 {
			return nil, nil
		}

		wait := delay
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return nil, nil
			}
			wait = min(wait, remaining)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		delay = min(delay*2, r.maxPoll)
	}
}

func (r *Redis) Renew(ctx context.Context, resource, lockID string, ttl time.Duration) (bool, error) {
	ttl = normalizeTTL(ttl)
	ms := int64(0)
	if ttl != Infinite {
		ms = ttl.Milliseconds()
	}
	res, err := renewScript.Run(ctx, r.client, []string{r.key(resource)}, lockID, ms).Int()
	if err != nil {
		return false, fmt.Errorf("lock: renew %q: %w", resource, err)
	}
	return res == 1, nil
}

func (r *Redis) IsLocked(ctx context.Context, resource string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(resource)).Result()
	if err != nil {
		return false, fmt.Errorf("lock: inspect %q: %w", resource, err)
	}
	return n > 0, nil
}

func (r *Redis) Release(ctx context.Context, resource, lockID string) error {
	if _, err := releaseScript.Run(ctx, r.client, []string{r.key(resource)}, lockID).Int(); err != nil {
		return fmt.Errorf("lock: release %q: %w", resource, err)
	}
	return nil
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
