package main

import "time"

// config holds every flag and positional argument accepted by haraxy, per spec §6. It is
// deliberately a flat struct filled in by parseCommandLine, in the same shape as
// trustydns-proxy/config.go's config struct.
type config struct {
	help    bool
	version bool
	debug   bool // §6 --debug: log each emitted HAR through the structured logger (stderr or --log-file)
	gops    bool // live diagnostics agent, §9 ambient addition

	port         int    // positional: plaintext HTTP listen port
	serviceToken string // positional, optional: startup-provided default Service Token; when
	// empty every request must carry its own Service-Token header (spec §3, §8 scenario 3)

	httpsPort int // --https <int>: enable HTTPS on that port

	concurrencyLimit int           // -c, default 300
	callTimeout      time.Duration // -t (seconds on the CLI, parsed into a Duration)

	collectorAddress string // egress push-socket endpoint, default server.apianalytics.com:5000
	metricsAddress   string // --metrics <addr>: internal prometheus listener, empty disables it

	analyticsSink   string // --analytics-sink {none|clickhouse|mongo}, default "none"
	clickhouseDSN   string // --clickhouse-addr, only consulted when analyticsSink == "clickhouse"
	clickhouseTable string // --clickhouse-table, only consulted when analyticsSink == "clickhouse"
	mongoURI        string // --mongo-uri, only consulted when analyticsSink == "mongo"

	dnsResolvConf string        // --dns-resolv-conf override for tests; empty means /etc/resolv.conf
	dnsPoolSize   int           // --dns-pool-size, default from constants
	dnsCacheTTL   time.Duration // --dns-cache-ttl, 0 disables the optional cache
	redisAddr     string        // --redis-addr, backs the optional DNS cache

	statusInterval time.Duration // -i, default 15m

	setuidName, setgidName, chrootDir string // process constraint settings, applied after bind

	debugLogFile string // --log-file, rotated via lumberjack when set
}
