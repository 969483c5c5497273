package deposits

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Claimer marks a provider reference as in flight so parallel deliveries of the same
// charge do not race into the database. The database uniqueness constraint stays the
// authority; a claim only avoids wasted transactions.
type Claimer interface {
	Claim(ctx context.Context, ref string) (release func(), ok bool, err error)
}

type NoopClaimer struct{}

func (NoopClaimer) Claim(context.Context, string) (func(), bool, error) {
	return func() {}, true, nil
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisClaimer struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisClaimer(rdb *redis.Client, ttl time.Duration) *RedisClaimer {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisClaimer{rdb: rdb, ttl: ttl}
}

func (c *RedisClaimer) Claim(ctx context.Context, ref string) (func(), bool, error) {
	key := "walletd:webhook:" + ref
	token := uuid.NewString()
	ok, err := c.rdb.SetNX(ctx, key, token, c.ttl).Result()
	if err != nil || !ok {
		return func() {}, ok, err
	}
	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, c.rdb, []string{key}, token).Err()
	}
	return release, true, nil
}

// ConnectRedis returns a client for addr after a ping, or nil when addr is empty.
func ConnectRedis(ctx context.Context, addr string) (*redis.Client, error) {
	if addr == "" {
		return nil, nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return rdb, nil
}
