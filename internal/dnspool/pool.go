/*
Package dnspool implements the DNS Resolver Pool (spec §4.2): a bounded collection of resolvers used
solely to turn an upstream hostname into a printable address for the HAR record's serverIPAddress
field.

Each Resolve() call checks out one resolver slot from the pool (blocking briefly if all are busy),
races the lookup against a fixed timeout, and returns the first A or AAAA answer found. On any
failure the lookup is retried at most once, matching the "at most one retry" contract in spec §9
rather than the unbounded recursion of the system this was adapted from.

Grounded on trustydns's internal/resolver/local, which walked /etc/resolv.conf and iterated
candidate servers with a bestserver.Manager. dnspool keeps the resolv.conf loading and
dns.Client/miekg-dns exchange mechanics but drops the best-server ranking, TCP-fallback and ECS
machinery that local resolution needed and the HAR datapoint does not.

Typical usage:

　pool, _ := dnspool.New(dnspool.Config{PoolSize: 2, Timeout: 2500 * time.Millisecond})
　addr, err := pool.Resolve(ctx, "example.com")
*/
package dnspool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
)

const me = "dnspool"

// slot is one pooled resolver. Each slot owns its own dns.Client so lookups never share in-flight
// UDP state.
type slot struct {
	client *dns.Client
}

// Pool is the DNS Resolver Pool.
type Pool struct {
	cfg     Config
	servers []string // nameserver:port, taken from resolv.conf

	sem chan *slot // buffered channel acting as the bounded pool

	cache *cache // nil when caching is disabled

	mu           sync.Mutex
	lookups      int
	retries      int
	failures     int
	cacheHits    int
	totalLatency time.Duration
}

// New constructs a Pool from the system resolv.conf (or cfg.ResolvConfPath). Returns an error if no
// nameservers can be found, since a DNS Resolver Pool with nothing to query is not useful.
func New(cfg Config) (*Pool, error) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2500 * time.Millisecond
	}
	path := cfg.ResolvConfPath
	if path == "" {
		path = "/etc/resolv.conf"
	}

	rc, err := dns.ClientConfigFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", me, err)
	}

	servers := make([]string, 0, len(rc.Servers))
	for _, s := range rc.Servers {
		if strings.Contains(s, ":") { // ipv6 literal, wrap so :port can be appended safely
			s = "[" + s + "]"
		}
		servers = append(servers, s+":"+rc.Port)
	}
	if len(servers) == 0 {
		return nil, fmt.Errorf("%s: no nameservers found in %s", me, path)
	}

	p := &Pool{cfg: cfg, servers: servers, sem: make(chan *slot, cfg.PoolSize)}
	for i := 0; i < cfg.PoolSize; i++ {
		p.sem <- &slot{client: &dns.Client{Timeout: cfg.Timeout}}
	}

	if cfg.CacheTTL > 0 {
		p.cache = newCache(cfg.CacheTTL, cfg.RedisAddr)
	}

	return p, nil
}

// Resolve returns the first A/AAAA answer for hostname as a printable address. hostname that is
// already a literal IP address is returned unchanged without consuming a pool slot.
func (p *Pool) Resolve(ctx context.Context, hostname string) (string, error) {
	if ip := net.ParseIP(hostname); ip != nil {
		return ip.String(), nil
	}

	if p.cache != nil {
		if addr, ok := p.cache.get(hostname); ok {
			p.mu.Lock()
			p.cacheHits++
			p.mu.Unlock()
			return addr, nil
		}
	}

	addr, err := p.attempt(ctx, hostname)
	if err != nil {
		p.mu.Lock()
		p.retries++
		p.mu.Unlock()
		addr, err = p.attempt(ctx, hostname) // retry at most once, per §4.2
	}

	p.mu.Lock()
	p.lookups++
	if err != nil {
		p.failures++
	}
	p.mu.Unlock()

	if err != nil {
		return "", err
	}

	if p.cache != nil {
		p.cache.set(hostname, addr)
	}
	return addr, nil
}

// attempt checks out one resolver slot and performs a single lookup attempt (A, falling back to
// AAAA), bounded by the pool's fixed timeout. The resolver is never reused while a lookup is in
// flight: it is returned to the pool only once attempt() is done with it.
func (p *Pool) attempt(ctx context.Context, hostname string) (string, error) {
	var sl *slot
	select {
	case sl = <-p.sem:
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(p.cfg.Timeout):
		return "", fmt.Errorf("%s: no resolver available", me)
	}
	defer func() { p.sem <- sl }()

	lookupCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	start := time.Now()
	addr, err := p.exchange(lookupCtx, sl.client, hostname, dns.TypeA)
	if err != nil {
		addr, err = p.exchange(lookupCtx, sl.client, hostname, dns.TypeAAAA)
	}
	latency := time.Since(start)

	p.mu.Lock()
	p.totalLatency += latency
	p.mu.Unlock()

	return addr, err
}

// exchange issues one query of the given type against each configured nameserver in turn, stopping
// at the first usable answer.
func (p *Pool) exchange(ctx context.Context, client *dns.Client, hostname string, qtype uint16) (string, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(hostname), qtype)

	var lastErr error
	for _, server := range p.servers {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		reply, _, err := client.ExchangeContext(ctx, msg, server)
		if err != nil {
			lastErr = err
			continue
		}
		if reply.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("%s: rcode %s", me, dns.RcodeToString[reply.Rcode])
			continue
		}
		for _, ans := range reply.Answer {
			switch rr := ans.(type) {
			case *dns.A:
				return rr.A.String(), nil
			case *dns.AAAA:
				return rr.AAAA.String(), nil
			default:
				return "", errors.New("Not ipv4/ipv6")
			}
		}
		lastErr = errors.New("No answer")
	}
	if lastErr == nil {
		lastErr = errors.New("No answer")
	}
	return "", lastErr
}
