package locks

import (
	"context"
	"errors"
	"fmt"
	"time"

	backend "github.com/redis/go-redis/v9"
)

const defaultPrefix = "goactivity:lock:"

// unlockScript deletes the key only while it still holds the owner.
var unlockScript = backend.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// RedisOption configures a Redis locker.
type RedisOption func(*Redis)

// WithPrefix sets the key prefix of the lock keys.
func WithPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		r.prefix = prefix
	}
}

// WithTTL sets how long a lock lives before it expires. Zero keeps locks
// until they are released. Relocking by the holder extends the lock.
func WithTTL(ttl time.Duration) RedisOption {
	return func(r *Redis) {
		r.ttl = ttl
	}
}

// Redis is a Locker shared between processes through Redis. A lock is a key
// holding the owner, set with SET NX.
type Redis struct {
	client backend.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedis returns a locker using client.
func NewRedis(client backend.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{
		client: client,
		prefix: defaultPrefix,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// DialRedis connects to the Redis server at addr and checks it responds.
func DialRedis(ctx context.Context, addr string, opts ...RedisOption) (*Redis, error) {
	client := backend.NewClient(&backend.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}
	return NewRedis(client, opts...), nil
}

// Close closes the client.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) key(resource string) string {
	return r.prefix + resource
}

// TryLock locks resource for owner unless another owner holds it.
func (r *Redis) TryLock(ctx context.Context, resource, owner string) (bool, error) {
	key := r.key(resource)
	ok, err := r.client.SetNX(ctx, key, owner, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis error acquiring lock: %w", err)
	}
	if ok {
		return true, nil
	}

	held, err := r.Owner(ctx, resource)
	if err != nil {
		return false, err
	}
	if held != owner {
		return false, nil
	}
	if r.ttl > 0 {
		if err := r.client.PExpire(ctx, key, r.ttl).Err(); err != nil {
			return false, fmt.Errorf("redis error extending lock: %w", err)
		}
	}
	return true, nil
}

// Unlock releases resource if owner holds it.
func (r *Redis) Unlock(ctx context.Context, resource, owner string) error {
	n, err := unlockScript.Run(ctx, r.client, []string{r.key(resource)}, owner).Int()
	if err != nil {
		return fmt.Errorf("redis error releasing lock: %w", err)
	}
	if n == 0 {
		return ErrNotOwner
	}
	return nil
}

// Owner returns the owner holding resource.
func (r *Redis) Owner(ctx context.Context, resource string) (string, error) {
	owner, err := r.client.Get(ctx, r.key(resource)).Result()
	if errors.Is(err, backend.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis error reading lock: %w", err)
	}
	return owner, nil
}
