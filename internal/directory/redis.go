package directory

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/pseudocoder/livesync/internal/errors"
)

const (
	// keyPrefix namespaces claims in a shared Redis.
	keyPrefix = "livesync:session:"

	defaultTTL = 24 * time.Hour
)

// releaseScript deletes the key only if it still holds the caller's owner
// value, so a broker never drops a claim that expired and was re-taken.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Directory shared by broker replicas.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis connects to addr and verifies the server answers PING.
// Claims expire after ttl so a crashed broker cannot hold ids forever.
func NewRedis(ctx context.Context, addr string, ttl time.Duration) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, apperrors.DirectoryUnavailable("connect", err)
	}
	return newRedisWithClient(client, ttl), nil
}

func newRedisWithClient(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Redis{client: client, ttl: ttl}
}

func (r *Redis) Claim(ctx context.Context, sessionID, owner string) error {
	key := r.key(sessionID)

	ok, err := r.client.SetNX(ctx, key, owner, r.ttl).Result()
	if err != nil {
		return apperrors.DirectoryUnavailable("claim", err)
	}
	if ok {
		return nil
	}

	cur, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		// Expired between SETNX and GET; try once more.
		ok, err = r.client.SetNX(ctx, key, owner, r.ttl).Result()
		if err != nil {
			return apperrors.DirectoryUnavailable("claim", err)
		}
		if ok {
			return nil
		}
		return apperrors.SessionConflict(sessionID)
	}
	if err != nil {
		return apperrors.DirectoryUnavailable("claim", err)
	}
	if cur != owner {
		return apperrors.SessionConflict(sessionID)
	}

	// Own claim: refresh the TTL.
	if err := r.client.Expire(ctx, key, r.ttl).Err(); err != nil {
		return apperrors.DirectoryUnavailable("refresh", err)
	}
	return nil
}

func (r *Redis) Release(ctx context.Context, sessionID, owner string) error {
	if err := releaseScript.Run(ctx, r.client, []string{r.key(sessionID)}, owner).Err(); err != nil && err != redis.Nil {
		return apperrors.DirectoryUnavailable("release", err)
	}
	return nil
}

func (r *Redis) Lookup(ctx context.Context, sessionID string) (string, bool, error) {
	owner, err := r.client.Get(ctx, r.key(sessionID)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, apperrors.DirectoryUnavailable("lookup", err)
	}
	return owner, true, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) key(sessionID string) string {
	return keyPrefix + sessionID
}
