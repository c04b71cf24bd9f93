package dedup

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	stateClaimed = "claimed"
	stateDone    = "done"
)

// RedisStore keeps claims as keys with a TTL: the lease while claimed, the
// retention once completed.
type RedisStore struct {
	rdb       redisClient
	prefix    string
	lease     time.Duration
	retention time.Duration
}

type redisClient interface {
	redis.Cmdable
	redis.Scripter
}

func NewRedisStore(rdb redisClient, prefix string, lease, retention time.Duration) *RedisStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "dedup"
	}
	if lease <= 0 {
		lease = DefaultLease
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisStore{rdb: rdb, prefix: prefix, lease: lease, retention: retention}
}

func (s *RedisStore) key(k Key) string {
	return s.prefix + ":" + k.String()
}

var claimScript = redis.NewScript(`
if redis.call("SET", KEYS[1], ARGV[1], "NX", "PX", ARGV[2]) then
  return 0
end
if redis.call("GET", KEYS[1]) == ARGV[3] then
  return 1
end
return 2
`)

func (s *RedisStore) Claim(ctx context.Context, k Key) (ClaimState, error) {
	n, err := claimScript.Run(ctx, s.rdb, []string{s.key(k)}, stateClaimed, s.lease.Milliseconds(), stateDone).Int()
	if err != nil {
		return Held, err
	}
	switch n {
	case 0:
		return Claimed, nil
	case 1:
		return Completed, nil
	default:
		return Held, nil
	}
}

func (s *RedisStore) Complete(ctx context.Context, k Key) error {
	return s.rdb.Set(ctx, s.key(k), stateDone, s.retention).Err()
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Release drops a claim but never a completed key.
func (s *RedisStore) Release(ctx context.Context, k Key) error {
	return releaseScript.Run(ctx, s.rdb, []string{s.key(k)}, stateClaimed).Err()
}
