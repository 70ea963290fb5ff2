package notify

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Claims records which alerts have already been notified. Claim returns
// true only for the first caller per alert id.
type Claims interface {
	Claim(ctx context.Context, alertID string) (bool, error)
}

type MemoryClaims struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewMemoryClaims() *MemoryClaims {
	return &MemoryClaims{seen: make(map[string]struct{})}
}

func (c *MemoryClaims) Claim(_ context.Context, alertID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.seen[alertID]; ok {
		return false, nil
	}
	c.seen[alertID] = struct{}{}
	return true, nil
}

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
	Timeout  time.Duration
}

const (
	DefaultClaimTTL = 7 * 24 * time.Hour
	claimPrefix     = "edgefleet:alert-notified:"
)

// RedisClaims shares the notified set across server replicas.
type RedisClaims struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisClaims(o RedisOptions) *RedisClaims {
	if o.TTL <= 0 {
		o.TTL = DefaultClaimTTL
	}
	if o.Timeout <= 0 {
		o.Timeout = 3 * time.Second
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         o.Addr,
		Password:     o.Password,
		DB:           o.DB,
		DialTimeout:  o.Timeout,
		ReadTimeout:  o.Timeout,
		WriteTimeout: o.Timeout,
	})
	return &RedisClaims{rdb: rdb, ttl: o.TTL}
}

func ClaimKey(alertID string) string {
	return claimPrefix + alertID
}

func (c *RedisClaims) Claim(ctx context.Context, alertID string) (bool, error) {
	return c.rdb.SetNX(ctx, ClaimKey(alertID), time.Now().UTC().Format(time.RFC3339), c.ttl).Result()
}

func (c *RedisClaims) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *RedisClaims) Close() error {
	return c.rdb.Close()
}
