// haraxy is a transparent HTTP/HTTPS forward proxy that relays requests to the origin server named
// by each request's absolute-URI and emits a HAR-shaped datapoint describing the round trip to an
// external analytics collector.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/gops/agent"

	"github.com/markdingo/haraxy/internal/concurrencygate"
	"github.com/markdingo/haraxy/internal/constants"
	"github.com/markdingo/haraxy/internal/dnspool"
	"github.com/markdingo/haraxy/internal/egress"
	"github.com/markdingo/haraxy/internal/hoststat"
	"github.com/markdingo/haraxy/internal/lifecycle"
	"github.com/markdingo/haraxy/internal/logging"
	"github.com/markdingo/haraxy/internal/metrics"
	"github.com/markdingo/haraxy/internal/osutil"
	"github.com/markdingo/haraxy/internal/reporter"
	"github.com/markdingo/haraxy/internal/tlsutil"
	"github.com/markdingo/haraxy/internal/upstream"
)

// Program-wide variables
var (
	consts = constants.Get()
	cfg    *config

	stdout io.Writer // All I/O goes via these writers
	stderr io.Writer

	startTime                = time.Now()
	mainStarted, mainStopped bool // Record state transitions thru main (used by tests)
	stopChannel              chan os.Signal
	flagSet                  *flag.FlagSet
)

//////////////////////////////////////////////////////////////////////

func fatal(args ...interface{}) int {
	fmt.Fprint(stderr, "Fatal: ", consts.ProgramName, ": ")
	fmt.Fprintln(stderr, args...)

	return 1
}

func stopMain() {
	stopChannel <- syscall.SIGINT
}

//////////////////////////////////////////////////////////////////////
// main wrappers make it easy for test programs
//////////////////////////////////////////////////////////////////////

// mainInit resets everything such that mainExecute() can be called multiple times in one program
// execution.
func mainInit(out, err io.Writer) {
	cfg = &config{}
	stdout = out
	stderr = err
	mainStarted = false
	mainStopped = false
	stopChannel = make(chan os.Signal, 4)
	signal.Notify(stopChannel, syscall.SIGINT, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGUSR1)
}

func main() {
	mainInit(os.Stdout, os.Stderr)
	os.Exit(mainExecute(os.Args))
}

func mainExecute(args []string) int {
	flagSet = flag.NewFlagSet(args[0], flag.ContinueOnError)
	flagSet.SetOutput(stderr)
	err := parseCommandLine(args)
	if err != nil {
		return 1 // Error already printed by the flag package
	}
	if cfg.help {
		usage(stdout)
		return 0
	}
	if cfg.version {
		fmt.Fprintln(stdout, consts.ProgramName, "Version:", consts.Version)
		return 0
	}

	if flagSet.NArg() < 1 || flagSet.NArg() > 2 {
		return fatal("Expected one or two positional arguments: port [service-token], got", flagSet.NArg())
	}
	cfg.port, err = strconv.Atoi(flagSet.Arg(0))
	if err != nil {
		return fatal("port must be numeric:", err)
	}
	if flagSet.NArg() == 2 { // service-token positional is optional, per spec §6: every request
		cfg.serviceToken = flagSet.Arg(1) // must then carry its own Service-Token header instead.
	}

	log, syncLog := logging.New(cfg.debugLogFile, cfg.debug)
	defer syncLog()

	if cfg.gops {
		if err := agent.Listen(agent.Options{}); err != nil {
			return fatal("gops agent:", err)
		}
	}

	var reporters []reporter.Reporter // Keep track of all reportable components

	gate := concurrencygate.New(cfg.concurrencyLimit)
	reporters = append(reporters, gate)

	pool, err := dnspool.New(dnspool.Config{
		PoolSize:       cfg.dnsPoolSize,
		Timeout:        consts.DNSLookupTimeout,
		ResolvConfPath: cfg.dnsResolvConf,
		CacheTTL:       cfg.dnsCacheTTL,
		RedisAddr:      cfg.redisAddr,
	})
	if err != nil {
		return fatal(err)
	}
	reporters = append(reporters, pool)

	egressChannel, err := egress.New(egress.Config{
		Address:     cfg.collectorAddress,
		SendTimeout: consts.EgressSendTimeout,
	})
	if err != nil {
		return fatal(err)
	}
	defer egressChannel.Close()
	reporters = append(reporters, egressChannel)

	sink, secondary, err := buildSink(egressChannel)
	if err != nil {
		return fatal(err)
	}
	if secondary != nil {
		reporters = append(reporters, secondary)
	}

	client, err := upstream.NewClient(upstream.Config{UseSystemRootCAs: true})
	if err != nil {
		return fatal(err)
	}

	var reg *metrics.Registry
	if cfg.metricsAddress != "" {
		reg = metrics.New()
	}

	hostStats, err := hoststat.New()
	if err != nil {
		log.Warnw("host stats unavailable", "err", err)
	} else {
		reporters = append(reporters, hostStats)
	}

	engine := lifecycle.New(lifecycle.Config{
		DefaultToken: cfg.serviceToken,
		CallTimeout:  cfg.callTimeout,
		Debug:        cfg.debug,
	}, consts, gate, pool, client, sink, reg, log)

	var frontends []*frontend
	var wg sync.WaitGroup
	errorChannel := make(chan error, 3)

	plain := newFrontend("HTTP", fmt.Sprintf(":%d", cfg.port), engine, nil)
	if err := plain.start(&wg, errorChannel); err != nil {
		return fatal("Could not bind HTTP listener:", err)
	}
	frontends = append(frontends, plain)
	reporters = append(reporters, plain, plain.tracker)
	fmt.Fprintln(stdout, consts.ProgramName, consts.Version, "Starting HTTP on", plain.listenAddress)

	if cfg.httpsPort != 0 {
		tlsConfig, err := tlsutil.NewServerTLSConfig(false, nil,
			[]string{consts.CertFileName}, []string{consts.KeyFileName})
		if err != nil {
			log.Errorw("HTTPS disabled: could not load server TLS config", "err", err)
		} else {
			secure := newFrontend("HTTPS", fmt.Sprintf(":%d", cfg.httpsPort), engine, tlsConfig)
			if err := secure.start(&wg, errorChannel); err != nil {
				log.Errorw("HTTPS disabled: could not bind listener", "err", err)
			} else {
				frontends = append(frontends, secure)
				reporters = append(reporters, secure, secure.tracker)
				fmt.Fprintln(stdout, consts.ProgramName, consts.Version, "Starting HTTPS on", secure.listenAddress)
			}
		}
	}

	var metricsServer *metricsListener
	if reg != nil {
		metricsServer, err = startMetrics(cfg.metricsAddress, reg, errorChannel)
		if err != nil {
			log.Errorw("metrics listener disabled", "err", err)
			metricsServer = nil
		}
	}

	err = osutil.Constrain(cfg.setuidName, cfg.setgidName, cfg.chrootDir)
	if err != nil {
		return fatal(err)
	}
	if cfg.debug {
		fmt.Fprintf(stdout, "Constraints: %s\n", osutil.ConstraintReport())
	}

	mainStarted = true // Tell testers that we're up and running
	nextStatusIn := nextInterval(time.Now(), cfg.statusInterval)

Running:
	for {
		select {
		case s := <-stopChannel:
			if s == syscall.SIGUSR1 {
				statusReport("User1", false, reporters)
				break
			}
			fmt.Fprintln(stdout, "\nSignal", s)
			break Running // All signals bar USR1 cause loop exit

		case err := <-errorChannel:
			if err != nil {
				log.Errorw("listener exited unexpectedly", "err", err)
			}

		case <-time.After(nextStatusIn):
			statusReport("Status", true, reporters)
			nextStatusIn = nextInterval(time.Now(), cfg.statusInterval)
		}
	}

	for _, f := range frontends {
		f.stop()
	}
	if metricsServer != nil {
		metricsServer.stop()
	}

	mainStopped = true
	wg.Wait() // Wait for all listeners to shut down

	statusReport("Status", true, reporters) // One last report prior to exiting
	fmt.Fprintln(stdout, consts.ProgramName, consts.Version, "Exiting after", uptime())

	return 0
}

// buildSink wraps the mandatory Egress Channel with the optional secondary sink (clickhouse or
// mongo) named by --analytics-sink, if any. The returned reporter.Reporter is nil when no secondary
// sink is configured.
func buildSink(primary *egress.Channel) (lifecycle.Sink, reporter.Reporter, error) {
	switch cfg.analyticsSink {
	case "", "none":
		return primary, nil, nil

	case "clickhouse":
		if cfg.clickhouseDSN == "" {
			return nil, nil, fmt.Errorf("--analytics-sink=clickhouse requires --clickhouse-addr")
		}
		ch, err := egress.NewClickHouseSink(egress.ClickHouseSinkConfig{
			Addr:  strings.Split(cfg.clickhouseDSN, ","),
			Table: cfg.clickhouseTable,
		})
		if err != nil {
			return nil, nil, err
		}
		return &fanoutSink{primary: primary, secondary: ch}, ch, nil

	case "mongo":
		if cfg.mongoURI == "" {
			return nil, nil, fmt.Errorf("--analytics-sink=mongo requires --mongo-uri")
		}
		m, err := egress.NewMongoSink(context.Background(), egress.MongoSinkConfig{
			URI:        cfg.mongoURI,
			Database:   "haraxy",
			Collection: "datapoints",
		})
		if err != nil {
			return nil, nil, err
		}
		return &fanoutSink{primary: primary, secondary: m}, m, nil

	default:
		return nil, nil, fmt.Errorf("unknown --analytics-sink %q", cfg.analyticsSink)
	}
}

// fanoutSink hands every datapoint to both the mandatory push-socket Channel and an optional
// secondary sink. The secondary sink's errors never fail the Send() call: the push socket is the
// sink the rest of the system depends on, the secondary is purely additive retention.
type fanoutSink struct {
	primary   lifecycle.Sink
	secondary egress.Sink
}

func (f *fanoutSink) Send(ctx context.Context, id, message string) error {
	err := f.primary.Send(ctx, id, message)
	if sendErr := f.secondary.Send(ctx, id, message); sendErr != nil {
		fmt.Fprintln(stderr, "secondary analytics sink send failed:", sendErr)
	}
	return err
}

// nextInterval calculates the duration to the modulo interval next time. If now is 00:01:17 and
// interval is 30s then return is 13s which is the duration to the next modulo of 00:01:30.
func nextInterval(now time.Time, interval time.Duration) time.Duration {
	return now.Truncate(interval).Add(interval).Sub(now)
}

// uptime calculates how long this server has been running.
func uptime() string {
	return time.Since(startTime).Truncate(time.Second).String()
}

// statusReport prints stats about the server and all known reporters.
func statusReport(what string, resetCounters bool, reporters []reporter.Reporter) {
	fmt.Fprintln(stdout, "Status Up:", consts.ProgramName, consts.Version, uptime())
	for _, r := range reporters {
		reps := strings.Split(r.Report(resetCounters), "\n")
		for _, s := range reps {
			if len(s) > 0 {
				fmt.Fprintf(stdout, "%s %s: %s\n", what, r.Name(), s)
			}
		}
	}
}
