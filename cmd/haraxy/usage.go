package main

import (
	"fmt"
	"io"
	"strconv"
	"text/template"
	"time"

	"github.com/markdingo/haraxy/internal/constants"
)

// The "flag" package is not tty aware so we've arbitrarily picked 100 columns as a conservative tty
// width for the usage output.

const usageMessageTemplate = `
NAME
          {{.ProgramName}} -- a transparent HTTP/HTTPS forward proxy that emits HAR datapoints

SYNOPSIS
          {{.ProgramName}} [options] port [service-token]

DESCRIPTION
          {{.ProgramName}} is a {{.PackageName}}. It accepts inbound HTTP (and optionally HTTPS)
          requests bearing an absolute-URI request line, relays each one to the origin server the
          request names, appending the client address to {{.ForwardedForHeader}}, and streams the
          origin's response straight back to the client.

          Alongside every proxied request, {{.ProgramName}} builds a HAR-shaped (HTTP Archive)
          JSON datapoint describing the request, the response, and the three timing phases of the
          round trip, then hands it off to a detached Egress Channel for delivery to an external
          analytics collector. Collector delivery is always best-effort: a slow or unreachable
          collector never adds latency to the client-facing response.

          The first positional argument is the plaintext listen port. The second, service-token,
          is optional: when given, it is the default Service-Token used to tag every datapoint
          that doesn't carry its own {{.ServiceTokenHeader}} request header. A per-request
          {{.ServiceTokenHeader}} header, when present, overrides the default for that request
          only and is always stripped before the request is relayed upstream. When no startup
          default is given, every request is required to carry its own
          {{.ServiceTokenHeader}} header; one that doesn't is rejected with a 500 response.

CONCURRENCY
          Every inbound request passes through a Concurrency Gate before being dispatched: once the
          configured ceiling (-c) of in-flight requests is reached, further requests are rejected
          with a 503 response rather than queued, so {{.ProgramName}} degrades predictably under
          load instead of accumulating unbounded latency.

ANALYTICS SINKS
          The Egress Channel's push socket is the only mandatory sink. --analytics-sink optionally
          selects a secondary sink (clickhouse or mongo) that receives the same datapoints for
          longer-term queryable retention, configured via --clickhouse-addr or --mongo-uri.

INVOCATION
          A minimal invocation listening on port 8080 with a startup Service-Token of "acme-prod"
          looks like:

              $ {{.ProgramName}} 8080 acme-prod

          Adding an HTTPS front end and a Prometheus metrics listener:

              $ {{.ProgramName}} --https 8443 --metrics :9090 8080 acme-prod

          Omitting service-token requires every client to supply its own
          {{.ServiceTokenHeader}} header:

              $ {{.ProgramName}} 8080

OPTIONS
`

//////////////////////////////////////////////////////////////////////

func usage(out io.Writer) {
	tmpl, err := template.New("usage").Parse(usageMessageTemplate)
	if err != nil {
		panic(err) // We've messed up our template
	}
	err = tmpl.Execute(out, consts)
	if err != nil {
		panic(err) // We've messed up our template
	}
	flagSet.SetOutput(out)
	flagSet.PrintDefaults()
	fmt.Fprintln(out, "\nVersion:", consts.Version)
}

// parseCommandLine sets up the flags-to-config mapping and parses the supplied command line
// arguments. It starts from scratch each time to make it easier for test wrappers to use.
func parseCommandLine(args []string) error {
	flagSet.BoolVar(&cfg.help, "h", false, "Print usage message to Stdout then exit(0)")
	flagSet.BoolVar(&cfg.version, "version", false, "Print version and exit")
	flagSet.BoolVar(&cfg.debug, "debug", false,
		"Log every emitted HAR datapoint through the structured logger (stderr, or --log-file)")
	flagSet.BoolVar(&cfg.gops, "gops", false, "Start github.com/google/gops diagnostics agent")

	flagSet.IntVar(&cfg.httpsPort, "https", 0, "Also listen for HTTPS on this `port` (requires "+
		constants.Get().CertFileName+" and "+constants.Get().KeyFileName+" in the working directory)")

	flagSet.IntVar(&cfg.concurrencyLimit, "c", consts.DefaultConcurrencyLimit,
		"Maximum `concurrent` in-flight requests before returning 503 Overloaded")
	cfg.callTimeout = consts.DefaultCallTimeout
	flagSet.Func("t", fmt.Sprintf("Upstream call `timeout` in seconds (default %g)",
		consts.DefaultCallTimeout.Seconds()), func(s string) error {
		secs, err := strconv.ParseFloat(s, 64)
		if err != nil || secs <= 0 {
			return fmt.Errorf("timeout must be a positive number of seconds, got %q", s)
		}
		cfg.callTimeout = time.Duration(secs * float64(time.Second))
		return nil
	})

	flagSet.StringVar(&cfg.collectorAddress, "collector", consts.DefaultCollectorAddress,
		"host:port of the analytics collector's push socket")
	flagSet.StringVar(&cfg.metricsAddress, "metrics", consts.DefaultMetricsAddress,
		"Listen `address` for the internal /metrics endpoint (empty disables it)")

	flagSet.StringVar(&cfg.analyticsSink, "analytics-sink", "none",
		"Optional secondary analytics sink: `none`, clickhouse or mongo")
	flagSet.StringVar(&cfg.clickhouseDSN, "clickhouse-addr", "", "ClickHouse `address` (comma-separated)")
	flagSet.StringVar(&cfg.clickhouseTable, "clickhouse-table", "haraxy_datapoints",
		"ClickHouse `table` name for the datapoints sink")
	flagSet.StringVar(&cfg.mongoURI, "mongo-uri", "", "MongoDB connection `URI`")

	flagSet.StringVar(&cfg.dnsResolvConf, "dns-resolv-conf", "", "`path` to resolv.conf (defaults to /etc/resolv.conf)")
	flagSet.IntVar(&cfg.dnsPoolSize, "dns-pool-size", consts.DNSResolverPoolSize, "DNS resolver pool `size`")
	flagSet.DurationVar(&cfg.dnsCacheTTL, "dns-cache-ttl", consts.DefaultDNSCacheTTL,
		"Resolved-address cache `TTL` (0 disables caching)")
	flagSet.StringVar(&cfg.redisAddr, "redis-addr", "", "Optional Redis `address` backing the DNS cache")

	flagSet.DurationVar(&cfg.statusInterval, "i", time.Minute*15, "Periodic Status Report `interval`")

	flagSet.StringVar(&cfg.setuidName, "user", "", "setuid `username` to constrain process after start-up")
	flagSet.StringVar(&cfg.setgidName, "group", "", "setgid `groupname` to constrain process after start-up")
	flagSet.StringVar(&cfg.chrootDir, "chroot", "", "chroot `directory` to constrain process after start-up")

	flagSet.StringVar(&cfg.debugLogFile, "log-file", "", "rotate structured logs to this `file` (default stderr)")

	return flagSet.Parse(args[1:])
}
