package egress

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoSinkConfig configures the optional secondary sink that archives datapoints to MongoDB
// (SPEC_FULL §10), for deployments that want queryable retention beyond whatever the collector
// itself keeps.
type MongoSinkConfig struct {
	URI        string
	Database   string
	Collection string
	ConnectTimeout time.Duration
}

// MongoSink is a Sink that inserts each datapoint as one BSON document. Connection management
// follows fluxsce-gateway's pkg/mongo/client: connect once up front, Ping to confirm, and cache the
// collection handle. The mutex guards only the inserted/errors counters.
type MongoSink struct {
	cfg        MongoSinkConfig
	client     *mongo.Client
	collection *mongo.Collection

	mu               sync.Mutex
	inserted, errors int
}

// NewMongoSink connects to cfg.URI and returns a ready-to-use sink.
func NewMongoSink(ctx context.Context, cfg MongoSinkConfig) (*MongoSink, error) {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("egress: mongo connect: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		client.Disconnect(connectCtx)
		return nil, fmt.Errorf("egress: mongo ping: %w", err)
	}

	return &MongoSink{
		cfg:        cfg,
		client:     client,
		collection: client.Database(cfg.Database).Collection(cfg.Collection),
	}, nil
}

type mongoDatapoint struct {
	ID        string    `bson:"_id"`
	Message   string    `bson:"message"`
	StoredAt  time.Time `bson:"storedAt"`
}

// Send inserts one datapoint document. Failures are counted but never retried; the push socket
// Channel remains the primary, latency-critical sink, this one is best-effort archival.
func (m *MongoSink) Send(ctx context.Context, id, message string) error {
	_, err := m.collection.InsertOne(ctx, mongoDatapoint{ID: id, Message: message, StoredAt: time.Now()})
	m.mu.Lock()
	if err != nil {
		m.errors++
	} else {
		m.inserted++
	}
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("egress: mongo insert id=%s: %w", id, err)
	}
	return nil
}

// Close disconnects the underlying mongo.Client.
func (m *MongoSink) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

// Name meets reporter.Reporter.
func (m *MongoSink) Name() string { return "Mongo Sink" }

// Report meets reporter.Reporter.
func (m *MongoSink) Report(resetCounters bool) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	report := fmt.Sprintf("inserted=%d errors=%d", m.inserted, m.errors)
	if resetCounters {
		m.inserted, m.errors = 0, 0
	}
	return report
}
