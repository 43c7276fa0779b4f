package dnspool

import "time"

// Config is passed to New().
type Config struct {
	PoolSize       int           // §4.2 bounded pool size, default 2
	Timeout        time.Duration // §4.2 per-lookup timeout, default 2.5s
	ResolvConfPath string        // Defaults to /etc/resolv.conf

	CacheTTL time.Duration // §10 optional resolved-address cache; 0 disables caching

	// RedisAddr, when non-empty, fronts the cache with a shared Redis instance so multiple
	// haraxy processes can share resolved addresses. The in-process map is always kept as a
	// fallback so caching remains additive even when Redis is unreachable.
	RedisAddr string
}
