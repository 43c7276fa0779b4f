package main

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/markdingo/haraxy/internal/connectiontracker"
	"github.com/markdingo/haraxy/internal/lifecycle"
	"github.com/markdingo/haraxy/internal/metrics"
)

// frontend is one HTTP or HTTPS listener dispatching to the single shared lifecycle.Engine. haraxy
// runs at most two: the mandatory plaintext listener and, when --https is set, a TLS listener on a
// second port. Grounded on trustydns-server/server.go's start/stop/ConnState wiring, adapted from a
// single DNS-over-HTTPS route to a catch-all proxy handler.
type frontend struct {
	name          string
	listenAddress string
	tls           bool

	httpServer *http.Server
	tracker    *connectiontracker.Tracker
	engine     *lifecycle.Engine

	mu frontendStats
}

type frontendStats struct {
	sync.Mutex
	requests          int
	statusClassCounts [6]int // index by statusCode/100; 0 unused
}

// newFrontend constructs a frontend bound to listenAddress. tlsConfig is nil for the plaintext
// listener and non-nil for the HTTPS listener.
func newFrontend(name, listenAddress string, engine *lifecycle.Engine, tlsConfig *tls.Config) *frontend {
	f := &frontend{
		name:          name,
		listenAddress: listenAddress,
		engine:        engine,
		tls:           tlsConfig != nil,
		tracker:       connectiontracker.New(name),
	}

	f.httpServer = &http.Server{
		Addr:      listenAddress,
		Handler:   http.HandlerFunc(f.serve),
		TLSConfig: tlsConfig,
	}
	f.httpServer.ConnState = func(c net.Conn, state http.ConnState) {
		f.tracker.ConnState(c.RemoteAddr().String(), time.Now(), state)
	}

	return f
}

// start binds the listener synchronously (so a caller can run osutil.Constrain immediately
// afterwards, per spec §9) and then serves in a background goroutine, writing to errorChan only if
// Serve exits with something other than an expected shutdown.
func (f *frontend) start(wg *sync.WaitGroup, errorChan chan error) error {
	ln, err := net.Listen("tcp", f.listenAddress)
	if err != nil {
		return err
	}
	if f.tls {
		ln = tls.NewListener(ln, f.httpServer.TLSConfig)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := f.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errorChan <- err
		}
	}()
	return nil
}

// stop performs an orderly shutdown. Mainly useful for tests.
func (f *frontend) stop() {
	if f.httpServer != nil {
		f.httpServer.Shutdown(context.Background())
	}
}

// serve wraps the shared engine so each response's status code can be tallied per front end without
// buffering the body.
func (f *frontend) serve(w http.ResponseWriter, r *http.Request) {
	rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
	f.engine.ServeHTTP(rec, r)
	f.addStats(rec.statusCode)
}

func (f *frontend) addStats(statusCode int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mu.requests++
	class := statusCode / 100
	if class >= 1 && class <= 5 {
		f.mu.statusClassCounts[class]++
	}
}

// statusRecorder captures the status code written by the handler without buffering the response
// body — every byte written still goes straight to the underlying http.ResponseWriter.
type statusRecorder struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wroteHeader {
		s.statusCode = code
		s.wroteHeader = true
	}
	s.ResponseWriter.WriteHeader(code)
}

//////////////////////////////////////////////////////////////////////
// metrics listener
//////////////////////////////////////////////////////////////////////

// metricsListener is the optional internal /metrics http.Server exposing reg's Prometheus series.
type metricsListener struct {
	httpServer *http.Server
}

// startMetrics binds and serves the Prometheus handler on addr, writing to errorChan only on an
// unexpected exit.
func startMetrics(addr string, reg *metrics.Registry, errorChan chan error) (*metricsListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", reg.Handler())
	s := &http.Server{Addr: addr, Handler: mux}

	go func() {
		if err := s.Serve(ln); err != nil && err != http.ErrServerClosed {
			errorChan <- err
		}
	}()

	return &metricsListener{httpServer: s}, nil
}

func (m *metricsListener) stop() {
	if m.httpServer != nil {
		m.httpServer.Shutdown(context.Background())
	}
}
