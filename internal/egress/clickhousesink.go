package egress

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// ClickHouseSinkConfig configures the optional secondary sink that batches datapoints into a
// ClickHouse table for columnar analytics (SPEC_FULL §10) — a different trade-off than MongoSink's
// per-document archival: ClickHouse favours large batched inserts over single-row ones.
type ClickHouseSinkConfig struct {
	Addr      []string
	Database  string
	Table     string
	BatchSize int
	FlushEvery time.Duration
}

type clickhouseRow struct {
	id, message string
	storedAt    time.Time
}

// ClickHouseSink buffers datapoints and flushes them as a single batch insert, either when
// BatchSize rows have accumulated or FlushEvery elapses, the same dual trigger
// fluxsce-gateway's ClickHouseWriter uses (its flushTicker alongside its batchBuffer length check).
type ClickHouseSink struct {
	cfg  ClickHouseSinkConfig
	conn clickhouse.Conn

	mu      sync.Mutex
	buffer  []clickhouseRow
	flushed, errors int

	stop chan struct{}
	done chan struct{}
}

// NewClickHouseSink dials cfg.Addr and starts the periodic flush loop.
func NewClickHouseSink(cfg ClickHouseSinkConfig) (*ClickHouseSink, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = 5 * time.Second
	}
	if cfg.Table == "" {
		cfg.Table = "haraxy_datapoints"
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: cfg.Addr,
		Auth: clickhouse.Auth{Database: cfg.Database},
	})
	if err != nil {
		return nil, fmt.Errorf("egress: clickhouse open: %w", err)
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("egress: clickhouse ping: %w", err)
	}

	s := &ClickHouseSink{
		cfg:    cfg,
		conn:   conn,
		buffer: make([]clickhouseRow, 0, cfg.BatchSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.flushLoop()
	return s, nil
}

// Send appends message to the batch buffer, flushing immediately if BatchSize is reached.
func (s *ClickHouseSink) Send(ctx context.Context, id, message string) error {
	s.mu.Lock()
	s.buffer = append(s.buffer, clickhouseRow{id: id, message: message, storedAt: time.Now()})
	full := len(s.buffer) >= s.cfg.BatchSize
	s.mu.Unlock()

	if full {
		return s.flush(ctx)
	}
	return nil
}

func (s *ClickHouseSink) flushLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.FlushEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.flush(context.Background())
		case <-s.stop:
			s.flush(context.Background())
			return
		}
	}
}

func (s *ClickHouseSink) flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.buffer) == 0 {
		s.mu.Unlock()
		return nil
	}
	rows := s.buffer
	s.buffer = make([]clickhouseRow, 0, s.cfg.BatchSize)
	s.mu.Unlock()

	batch, err := s.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s (id, message, stored_at)", s.cfg.Table))
	if err != nil {
		s.bump(len(rows), true)
		return fmt.Errorf("egress: clickhouse prepare batch: %w", err)
	}
	for _, r := range rows {
		if err := batch.Append(r.id, r.message, r.storedAt); err != nil {
			s.bump(len(rows), true)
			return fmt.Errorf("egress: clickhouse append: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		s.bump(len(rows), true)
		return fmt.Errorf("egress: clickhouse batch send: %w", err)
	}

	s.bump(len(rows), false)
	return nil
}

func (s *ClickHouseSink) bump(n int, failed bool) {
	s.mu.Lock()
	if failed {
		s.errors += n
	} else {
		s.flushed += n
	}
	s.mu.Unlock()
}

// Close stops the flush loop, flushes any remaining rows, and closes the connection.
func (s *ClickHouseSink) Close() error {
	close(s.stop)
	<-s.done
	return s.conn.Close()
}

// Name meets reporter.Reporter.
func (s *ClickHouseSink) Name() string { return "ClickHouse Sink" }

// Report meets reporter.Reporter.
func (s *ClickHouseSink) Report(resetCounters bool) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	report := fmt.Sprintf("flushed=%d errors=%d buffered=%d", s.flushed, s.errors, len(s.buffer))
	if resetCounters {
		s.flushed, s.errors = 0, 0
	}
	return report
}
