package dnspool

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// cache is an optional resolved-address cache sitting in front of the resolver pool so repeat
// lookups of the same upstream host don't re-enter the pool. A Redis-backed tier is used when
// redisAddr is set (so multiple haraxy processes can share lookups); the in-process map is always
// populated too and is used whenever Redis is unset or unreachable, keeping the feature purely
// additive per spec §9's "no ambient singleton should be load-bearing" guidance.
type cache struct {
	ttl time.Duration
	rdb *redis.Client

	mu    sync.Mutex
	local map[string]cacheEntry
}

type cacheEntry struct {
	addr    string
	expires time.Time
}

func newCache(ttl time.Duration, redisAddr string) *cache {
	c := &cache{ttl: ttl, local: make(map[string]cacheEntry)}
	if redisAddr != "" {
		c.rdb = redis.NewClient(&redis.Options{Addr: redisAddr})
	}
	return c
}

func (c *cache) get(hostname string) (string, bool) {
	if c.rdb != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		addr, err := c.rdb.Get(ctx, "dnspool:"+hostname).Result()
		cancel()
		if err == nil && addr != "" {
			return addr, true
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.local[hostname]
	if !ok || time.Now().After(entry.expires) {
		return "", false
	}
	return entry.addr, true
}

func (c *cache) set(hostname, addr string) {
	if c.rdb != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		c.rdb.Set(ctx, "dnspool:"+hostname, addr, c.ttl)
		cancel()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.local[hostname] = cacheEntry{addr: addr, expires: time.Now().Add(c.ttl)}
}
