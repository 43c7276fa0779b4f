/*
Package egress implements the Egress Channel (spec §4.4): a single long-lived push socket to the
analytics collector. Datapoints are sent best-effort, detached from the client response path — a
slow or absent collector must never add latency to a proxied request.

The stats/mutex layout here is grounded on the counter structs the DNS resolvers in
markdingo-trustydns keep (see internal/resolver/doh/resolver.go's resolverStats and
internal/dnspool/pool.go in this tree): a plain struct of counters behind one sync.Mutex, reported
through the same Reporter shape used everywhere else in this repo.
*/
package egress

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// Config configures a Channel's connection to the analytics collector.
type Config struct {
	Address     string        // host:port of the collector's push listener
	SendTimeout time.Duration // per-send deadline (spec §4.4 default 20s)
	DialTimeout time.Duration // defaults to SendTimeout when zero
}

// Sink receives HAR datapoints emitted by the Request Lifecycle Engine. Channel is the primary
// Sink; clickhousesink.go and mongosink.go provide optional secondary sinks (SPEC_FULL §10) a
// deployment can select in addition to, not instead of, the push socket.
type Sink interface {
	Send(ctx context.Context, id, message string) error
	Name() string
	Report(resetCounters bool) string
}

type channelStats struct {
	sent, dropped, dialFailures, timeouts int
}

// Channel is a Sink backed by one TCP connection, reconnected lazily on failure. Writes are
// length-prefixed (4-byte big-endian length + payload) so the collector can demux a stream of
// datapoints without a delimiter that could collide with the JSON payload itself.
type Channel struct {
	cfg Config

	connMu sync.Mutex // serializes writes and protects conn/writer
	conn   net.Conn
	writer *bufio.Writer

	mu sync.Mutex // protects channelStats only
	channelStats
}

// New returns a Channel that dials address lazily: the first Send() attempts the connection, not
// New() itself, so a collector that is briefly unavailable at startup never blocks the proxy from
// serving traffic.
func New(cfg Config) (*Channel, error) {
	if cfg.Address == "" {
		return nil, errors.New("egress: Address must be set")
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 20 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = cfg.SendTimeout
	}
	return &Channel{cfg: cfg}, nil
}

// Send transmits one datapoint. It never blocks past cfg.SendTimeout or ctx's deadline, whichever
// is sooner, and treats every failure as non-fatal: the connection is simply torn down so the next
// Send re-dials.
func (c *Channel) Send(ctx context.Context, id, message string) error {
	deadline := time.Now().Add(c.cfg.SendTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn == nil {
		if err := c.dialLocked(); err != nil {
			c.bump(func(s *channelStats) { s.dialFailures++; s.dropped++ })
			return fmt.Errorf("egress: dial: %w", err)
		}
	}

	c.conn.SetWriteDeadline(deadline)

	frame := make([]byte, 4+len(message))
	binary.BigEndian.PutUint32(frame, uint32(len(message)))
	copy(frame[4:], message)

	if _, err := c.writer.Write(frame); err != nil {
		c.closeLocked()
		c.bump(func(s *channelStats) { s.dropped++; s.timeouts += timeoutHint(err) })
		return fmt.Errorf("egress: write id=%s: %w", id, err)
	}
	if err := c.writer.Flush(); err != nil {
		c.closeLocked()
		c.bump(func(s *channelStats) { s.dropped++; s.timeouts += timeoutHint(err) })
		return fmt.Errorf("egress: flush id=%s: %w", id, err)
	}

	c.bump(func(s *channelStats) { s.sent++ })
	return nil
}

func (c *Channel) dialLocked() error {
	conn, err := net.DialTimeout("tcp", c.cfg.Address, c.cfg.DialTimeout)
	if err != nil {
		return err
	}
	c.conn = conn
	c.writer = bufio.NewWriter(conn)
	return nil
}

func (c *Channel) closeLocked() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
		c.writer = nil
	}
}

// Close releases the underlying connection, if any.
func (c *Channel) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	c.closeLocked()
	return nil
}

func (c *Channel) bump(f func(*channelStats)) {
	c.mu.Lock()
	f(&c.channelStats)
	c.mu.Unlock()
}

func timeoutHint(err error) int {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return 1
	}
	return 0
}
