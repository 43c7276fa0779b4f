package lifecycle

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/markdingo/haraxy/internal/concurrencygate"
	"github.com/markdingo/haraxy/internal/constants"
	"github.com/markdingo/haraxy/internal/metrics"
)

type fakeDNS struct{ addr string }

func (f *fakeDNS) Resolve(ctx context.Context, hostname string) (string, error) {
	return f.addr, nil
}

type fakeSink struct {
	mu       sync.Mutex
	messages []string
}

func (f *fakeSink) Send(ctx context.Context, id, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, message)
	return nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

func (f *fakeSink) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.messages) == 0 {
		return ""
	}
	return f.messages[len(f.messages)-1]
}

func newTestEngine(cfg Config, client *http.Client, sink Sink) (*Engine, *concurrencygate.Gate) {
	consts := constants.Get()
	gate := concurrencygate.New(consts.DefaultConcurrencyLimit)
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = consts.DefaultCallTimeout
	}
	e := New(cfg, consts, gate, &fakeDNS{addr: "203.0.113.7"}, client, sink, nil, zap.NewNop().Sugar())
	return e, gate
}

func waitForCount(t *testing.T, sink *fakeSink, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sink.count() >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d egress sends, got %d", n, sink.count())
}

// Scenario 1 (spec §8): no per-request token, startup token supplied.
func TestScenario1DefaultTokenAndBodySize(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 42))
	}))
	defer upstream.Close()

	sink := &fakeSink{}
	e, gate := newTestEngine(Config{DefaultToken: "T1"}, upstream.Client(), sink)

	req := httptest.NewRequest(http.MethodGet, upstream.URL+"/get", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 42, rec.Body.Len())
	require.Empty(t, rec.Header().Get("Content-Length"))
	require.Equal(t, 0, gate.Current())

	waitForCount(t, sink, 1)
	require.Contains(t, sink.last(), `"serviceToken":"T1"`)
	require.Contains(t, sink.last(), `"bodySize":42`)
}

// Scenario 2 (spec §8): per-request token overrides startup token.
func TestScenario2PerRequestTokenOverridesDefault(t *testing.T) {
	var sawServiceTokenHeader bool
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawServiceTokenHeader = r.Header.Get("Service-Token") != ""
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	sink := &fakeSink{}
	e, _ := newTestEngine(Config{DefaultToken: "T1"}, upstream.Client(), sink)

	req := httptest.NewRequest(http.MethodGet, upstream.URL+"/get", nil)
	req.Header.Set("Service-Token", "T2")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.False(t, sawServiceTokenHeader, "Service-Token must be stripped before upstream dispatch")
	waitForCount(t, sink, 1)
	require.Contains(t, sink.last(), `"serviceToken":"T2"`)
}

// Scenario 3 (spec §8): no startup token and no per-request token.
func TestScenario3MissingTokenYieldsNoHAR(t *testing.T) {
	sink := &fakeSink{}
	e, gate := newTestEngine(Config{}, http.DefaultClient, sink)

	req := httptest.NewRequest(http.MethodGet, "http://upstream.test/get", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "Service-Token header missing")
	require.Equal(t, 0, gate.Current())

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 0, sink.count())
}

// Scenario 4 (spec §8): concurrency ceiling of 1, second request rejected.
func TestScenario4OverloadedSecondRequest(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	sink := &fakeSink{}
	consts := constants.Get()
	gate := concurrencygate.New(1)
	e := New(Config{DefaultToken: "T1", CallTimeout: consts.DefaultCallTimeout}, consts, gate,
		&fakeDNS{addr: "203.0.113.7"}, upstream.Client(), sink, nil, zap.NewNop().Sugar())

	firstDone := make(chan struct{})
	go func() {
		req := httptest.NewRequest(http.MethodGet, upstream.URL+"/slow", nil)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		close(firstDone)
	}()

	// Give the first request time to be admitted before firing the second.
	time.Sleep(100 * time.Millisecond)

	req2 := httptest.NewRequest(http.MethodGet, upstream.URL+"/second", nil)
	rec2 := httptest.NewRecorder()
	e.ServeHTTP(rec2, req2)

	require.Equal(t, http.StatusServiceUnavailable, rec2.Code)

	close(release)
	<-firstDone
	require.Equal(t, 0, gate.Current())

	waitForCount(t, sink, 2)
	found := false
	for _, m := range sink.messages {
		if containsAll(m, `"serviceToken":"T1"`, `"receive":0`) {
			found = true
		}
	}
	require.True(t, found, "overloaded request's HAR must carry timings.receive=0")
}

// Scenario 5 (spec §8): call timeout shorter than upstream latency.
func TestScenario5CallTimeoutYields504(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(5 * time.Second)
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	sink := &fakeSink{}
	e, _ := newTestEngine(Config{DefaultToken: "T1", CallTimeout: 200 * time.Millisecond}, upstream.Client(), sink)

	req := httptest.NewRequest(http.MethodGet, upstream.URL+"/slow", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusGatewayTimeout, rec.Code)
	waitForCount(t, sink, 1)
	require.Contains(t, sink.last(), `"receive":0`)
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}

func TestAppendForwardedForAppendsExisting(t *testing.T) {
	h := http.Header{}
	h.Set("X-Forwarded-For", "203.0.113.1")
	appendForwardedFor(h, "X-Forwarded-For", "203.0.113.2")
	require.Equal(t, "203.0.113.1, 203.0.113.2", h.Get("X-Forwarded-For"))
}

// TestDNSLatencyMetricIsObserved confirms the DNS Resolver Pool's lookup latency, timed around
// e.dns.Resolve in serveAdmitted, actually reaches the DNSLatency histogram rather than sitting
// registered-but-decorative.
func TestDNSLatencyMetricIsObserved(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	consts := constants.Get()
	gate := concurrencygate.New(consts.DefaultConcurrencyLimit)
	sink := &fakeSink{}
	reg := metrics.New()
	e := New(Config{DefaultToken: "T1", CallTimeout: consts.DefaultCallTimeout}, consts, gate,
		&fakeDNS{addr: "203.0.113.7"}, upstream.Client(), sink, reg, zap.NewNop().Sugar())

	req := httptest.NewRequest(http.MethodGet, upstream.URL+"/get", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	waitForCount(t, sink, 1)

	var m dto.Metric
	require.NoError(t, reg.DNSLatency.Write(&m))
	require.EqualValues(t, 1, m.GetHistogram().GetSampleCount(),
		"expected the DNS resolve goroutine to have observed exactly one latency sample")
}

func TestStripHeaderDoesNotMutateOriginal(t *testing.T) {
	h := http.Header{"Service-Token": {"T1"}, "Accept": {"*/*"}}
	stripped := stripHeader(h, "Service-Token")
	require.Empty(t, stripped.Get("Service-Token"))
	require.Equal(t, "T1", h.Get("Service-Token"))
}
