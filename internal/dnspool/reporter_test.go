package dnspool

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReporterNameAndZeroReport(t *testing.T) {
	pool, err := New(Config{PoolSize: 2, ResolvConfPath: writeResolvConf(t, "127.0.0.1:53")})
	require.NoError(t, err)

	require.Contains(t, pool.Name(), "DNS Pool")

	report := pool.Report(false)
	require.Contains(t, report, "lookups=0")
	require.Contains(t, report, "poolSize=2")
}

func TestReporterCountsAndReset(t *testing.T) {
	nameserver, shutdown := startTestResolver(t)
	defer shutdown()

	pool, err := New(Config{PoolSize: 1, Timeout: time.Second, ResolvConfPath: writeResolvConf(t, nameserver)})
	require.NoError(t, err)

	_, err = pool.Resolve(context.Background(), "example.test")
	require.NoError(t, err)

	report := pool.Report(true)
	require.True(t, strings.Contains(report, "lookups=1"))
	require.True(t, strings.Contains(report, "failures=0"))

	resetReport := pool.Report(false)
	require.Contains(t, resetReport, "lookups=0")
}
