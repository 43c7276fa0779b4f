/*
Package lifecycle implements the Request Lifecycle Engine (spec §4.5), the core state machine of
haraxy: Accepted → Admitted → Token-Resolved → Body-Metered → Dispatched → Responded → Completed, or
Failed(kind) at any gated step. It is the single http.Handler shared by both front ends in
cmd/haraxy.

There is no direct teacher analogue for this state machine — trustydns-proxy's server.go dispatches
a DNS query to a resolver and writes back a dns.Msg, a much shallower pipeline. What this package
keeps from the teacher is the dependency-injection discipline design note §9 calls for: the gate,
DNS pool, egress sink and upstream client are constructed once in cmd/haraxy and passed in here as
plain fields, never reached for as package-level globals, exactly as trustydns-proxy's server struct
holds its resolver and client rather than looking them up from ambient state.
*/
package lifecycle

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/markdingo/haraxy/internal/constants"
	"github.com/markdingo/haraxy/internal/errorresponder"
	"github.com/markdingo/haraxy/internal/harbuilder"
	"github.com/markdingo/haraxy/internal/metrics"
)

// Gate is the subset of concurrencygate.Gate the engine needs.
type Gate interface {
	Admit() bool
	Release()
	Current() int
}

// DNSResolver is the subset of dnspool.Pool the engine needs. Defined here, not imported from
// dnspool, so tests can substitute a fake without spinning up a real resolver.
type DNSResolver interface {
	Resolve(ctx context.Context, hostname string) (string, error)
}

// Sink is the subset of egress.Channel the engine needs.
type Sink interface {
	Send(ctx context.Context, id, message string) error
}

// Config carries the per-engine tunables from spec §6's CLI surface.
type Config struct {
	DefaultToken string        // startup-provided Service Token, may be empty
	CallTimeout  time.Duration // §4.5 step 5 upstream call deadline, default 6s
	Debug        bool          // log every emitted HAR (spec §6 --debug)
}

// Engine coordinates the Concurrency Gate, DNS Resolver Pool, upstream http.Client and Egress
// Channel for every inbound request. One Engine is shared by the HTTP and HTTPS front ends.
type Engine struct {
	cfg     Config
	consts  constants.Constants
	gate    Gate
	dns     DNSResolver
	client  *http.Client
	egress  Sink
	metrics *metrics.Registry // nil-safe: every use below guards against nil
	log     *zap.SugaredLogger
}

// New constructs an Engine. log must not be nil; callers that don't want structured logging can
// pass zap.NewNop().Sugar().
func New(cfg Config, consts constants.Constants, gate Gate, dns DNSResolver, client *http.Client,
	egress Sink, reg *metrics.Registry, log *zap.SugaredLogger) *Engine {
	return &Engine{
		cfg:     cfg,
		consts:  consts,
		gate:    gate,
		dns:     dns,
		client:  client,
		egress:  egress,
		metrics: reg,
		log:     log,
	}
}

// ServeHTTP implements the full §4.5 state machine for one inbound request.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	t0 := time.Now()
	startedDateTime := t0.UTC()
	clientIPAddr := clientIP(r.RemoteAddr)

	// Token resolution is cheap (a header lookup plus a string compare) and has no side effects,
	// so it is safe to do before the gate check even though §4.5 numbers Admitted before
	// Token-Resolved: the Overloaded failure path (spec §7) still needs a resolved token to emit
	// its HAR record, and resolving it unconditionally here avoids a second code path that
	// duplicates the priority rule in §3.
	token := r.Header.Get(e.consts.ServiceTokenHeader)
	if token == "" {
		token = e.cfg.DefaultToken
	}

	if !e.gate.Admit() {
		e.failNoDispatch(w, r, errorresponder.Overloaded, "", token, t0, startedDateTime, clientIPAddr, true)
		return
	}
	if e.metrics != nil {
		e.metrics.InFlight.Set(float64(e.gate.Current()))
	}
	defer func() {
		e.gate.Release()
		if e.metrics != nil {
			e.metrics.InFlight.Set(float64(e.gate.Current()))
		}
	}()

	if token == "" {
		e.failNoDispatch(w, r, errorresponder.MissingToken, "", token, t0, startedDateTime, clientIPAddr, false)
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			e.log.Errorw("recovered panic in request task", "panic", fmt.Sprintf("%v", rec))
			e.failNoDispatch(w, r, errorresponder.UpstreamError, fmt.Sprintf("%v", rec), token,
				t0, startedDateTime, clientIPAddr, true)
		}
	}()

	e.serveAdmitted(w, r, token, t0, startedDateTime, clientIPAddr)
}

// serveAdmitted runs steps 4-7 of §4.5 once the request has passed the Concurrency Gate and has a
// resolved Service Token.
func (e *Engine) serveAdmitted(w http.ResponseWriter, r *http.Request, token string,
	t0, startedDateTime time.Time, clientIPAddr string) {

	hostname := r.URL.Hostname()
	serverIPCh := make(chan string, 1)
	go func() {
		dnsStart := time.Now()
		ip, err := e.dns.Resolve(context.Background(), hostname)
		if e.metrics != nil {
			e.metrics.DNSLatency.Observe(time.Since(dnsStart).Seconds())
		}
		if err != nil {
			serverIPCh <- "<error>"
			return
		}
		serverIPCh <- ip
	}()

	reqMeter := newMeter(r.Body)

	outReq, err := http.NewRequest(r.Method, requestURL(r), reqMeter)
	if err != nil {
		e.failNoDispatch(w, r, errorresponder.UpstreamError, err.Error(), token, t0, startedDateTime,
			clientIPAddr, true)
		return
	}
	outReq.Header = r.Header.Clone()
	outReq.Header.Del(e.consts.ServiceTokenHeader)
	outReq.Header.Del(e.consts.HostHeader)
	appendForwardedFor(outReq.Header, e.consts.ForwardedForHeader, clientIPAddr)

	callTimeout := e.cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = e.consts.DefaultCallTimeout
	}
	ctx, cancel := context.WithTimeout(r.Context(), callTimeout)
	defer cancel()
	outReq = outReq.WithContext(ctx)

	sendMs := clampMs(time.Since(t0))

	resp, err := e.client.Do(outReq)
	if err != nil {
		waitMs := phaseMs(time.Now(), t0, sendMs)
		kind := errorresponder.UpstreamError
		if ctx.Err() == context.DeadlineExceeded {
			kind = errorresponder.Timeout
		}
		e.fail(w, r, kind, err.Error(), token, t0, startedDateTime, clientIPAddr,
			harbuilder.Timings{SendMs: sendMs, WaitMs: waitMs, ReceiveMs: 0}, reqMeter.Len(), true)
		return
	}
	defer resp.Body.Close()

	waitMs := phaseMs(time.Now(), t0, sendMs)

	resp.Header.Del(e.consts.ContentLengthHeader)
	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	respMeter := newMeter(resp.Body)
	io.Copy(w, respMeter) //nolint:errcheck // a write failure here just means the client went away

	receiveMs := phaseMs(time.Now(), t0, sendMs+waitMs)

	serverIP := <-serverIPCh

	archive := harbuilder.ArchiveInput{
		Method:          r.Method,
		URL:             requestURL(r),
		RequestHeaders:  stripHeader(r.Header, e.consts.ServiceTokenHeader),
		RequestBodyLen:  reqMeter.Len(),
		StatusCode:      resp.StatusCode,
		ResponseHeaders: resp.Header,
		ResponseBodyLen: respMeter.Len(),
		ClientIP:        clientIPAddr,
		ServerIP:        serverIP,
		Timings:         harbuilder.Timings{SendMs: sendMs, WaitMs: waitMs, ReceiveMs: receiveMs},
		StartedDateTime: startedDateTime,
	}

	if e.metrics != nil {
		e.metrics.RequestsTotal.WithLabelValues("completed").Inc()
	}
	e.emit(token, archive)
}

// failNoDispatch handles a failure that occurs before the upstream call is ever issued (Overloaded,
// MissingToken, or a request-construction error), so every timing phase is zero.
func (e *Engine) failNoDispatch(w http.ResponseWriter, r *http.Request, kind errorresponder.Kind,
	detail, token string, t0, startedDateTime time.Time, clientIPAddr string, emitHAR bool) {
	e.fail(w, r, kind, detail, token, t0, startedDateTime, clientIPAddr, harbuilder.Timings{}, 0, emitHAR)
}

// fail writes the client-facing error response and, when emitHAR is true, still schedules a HAR
// record for egress with receive_ms forced to zero, per spec §7.
func (e *Engine) fail(w http.ResponseWriter, r *http.Request, kind errorresponder.Kind, detail, token string,
	t0, startedDateTime time.Time, clientIPAddr string, timings harbuilder.Timings, reqBodyLen int64, emitHAR bool) {

	timings.ReceiveMs = 0
	n := errorresponder.Write(w, kind, detail)

	if e.metrics != nil {
		e.metrics.RequestsTotal.WithLabelValues(kind.String()).Inc()
	}
	e.log.Infow("request failed", "kind", kind.String(), "detail", detail, "client", clientIPAddr)

	if !emitHAR {
		return
	}

	archive := harbuilder.ArchiveInput{
		Method:          r.Method,
		URL:             requestURL(r),
		RequestHeaders:  stripHeader(r.Header, e.consts.ServiceTokenHeader),
		RequestBodyLen:  reqBodyLen,
		StatusCode:      errorresponder.For(kind, detail).StatusCode,
		ResponseHeaders: w.Header(),
		ResponseBodyLen: n,
		ClientIP:        clientIPAddr,
		ServerIP:        "<error>",
		Timings:         timings,
		StartedDateTime: startedDateTime,
	}
	e.emit(token, archive)
}

// emit builds the HAR message and hands it to the Egress Channel on a detached goroutine bounded by
// its own deadline (spec §4.4), so a slow or absent collector never adds latency to the response
// path that has, by this point, already completed.
func (e *Engine) emit(token string, archive harbuilder.ArchiveInput) {
	message, id, err := harbuilder.Build(token, archive)
	if err != nil {
		e.log.Errorw("har build failed", "err", err)
		return
	}
	if e.cfg.Debug {
		e.log.Infow("har datapoint", "id", id, "token", token, "message", message)
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.consts.EgressSendTimeout)
		defer cancel()
		if err := e.egress.Send(ctx, id, message); err != nil {
			if e.metrics != nil {
				e.metrics.EgressDropped.Inc()
			}
			e.log.Warnw("egress send dropped", "id", id, "kind", "EgressTimeout", "err", err)
			return
		}
		if e.metrics != nil {
			e.metrics.EgressSent.Inc()
		}
	}()
}

// requestURL renders the proxied request's absolute URI (spec §6: the inbound request line is
// expected to carry one).
func requestURL(r *http.Request) string {
	return r.URL.String()
}

func stripHeader(h http.Header, key string) http.Header {
	clone := h.Clone()
	clone.Del(key)
	return clone
}

func appendForwardedFor(h http.Header, key, clientIPAddr string) {
	if prior := h.Get(key); prior != "" {
		h.Set(key, prior+", "+clientIPAddr)
		return
	}
	h.Set(key, clientIPAddr)
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
