/*
Package upstream builds the http.Client used to dispatch proxied requests to whatever origin server
the Host header or proxy target names (spec §4.5's Dispatched step). It is grounded directly on
trustydns-proxy/main.go's client construction: an *http.Transport carrying tlsutil's client TLS
config, upgraded to http2 via golang.org/x/net/http2.ConfigureTransport.
*/
package upstream

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"

	"github.com/markdingo/haraxy/internal/tlsutil"
)

// Config controls the transport's connection limits and TLS posture toward upstream origins.
type Config struct {
	MaxConnsPerHost       int
	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	IdleConnTimeout       time.Duration
	UseSystemRootCAs      bool
	ExtraCAFiles          []string
	ClientCertFile        string
	ClientKeyFile         string
	InsecureSkipVerify    bool // only ever set true in tests
}

// NewTransport builds an *http.Transport suitable for both plaintext and TLS upstream calls, with
// http2 negotiation enabled for HTTPS origins.
func NewTransport(cfg Config) (*http.Transport, error) {
	var tlsConfig *tls.Config
	if cfg.UseSystemRootCAs || len(cfg.ExtraCAFiles) > 0 || cfg.ClientCertFile != "" {
		var err error
		tlsConfig, err = tlsutil.NewClientTLSConfig(cfg.UseSystemRootCAs, cfg.ExtraCAFiles,
			cfg.ClientCertFile, cfg.ClientKeyFile)
		if err != nil {
			return nil, err
		}
	} else {
		tlsConfig = &tls.Config{}
	}
	tlsConfig.InsecureSkipVerify = tlsConfig.InsecureSkipVerify || cfg.InsecureSkipVerify

	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	tlsHandshakeTimeout := cfg.TLSHandshakeTimeout
	if tlsHandshakeTimeout <= 0 {
		tlsHandshakeTimeout = 10 * time.Second
	}
	idleConnTimeout := cfg.IdleConnTimeout
	if idleConnTimeout <= 0 {
		idleConnTimeout = 90 * time.Second
	}

	tr := &http.Transport{
		TLSClientConfig:     tlsConfig,
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		TLSHandshakeTimeout: tlsHandshakeTimeout,
		IdleConnTimeout:     idleConnTimeout,
		DialContext: (&net.Dialer{
			Timeout: dialTimeout,
		}).DialContext,
	}

	if err := http2.ConfigureTransport(tr); err != nil {
		return nil, err
	}

	return tr, nil
}

// NewClient wraps NewTransport's *http.Transport in an *http.Client. The caller supplies the
// per-request deadline via context rather than http.Client.Timeout, since the Request Lifecycle
// Engine needs to distinguish a dial/TLS/header timeout from a body-streaming timeout (spec §4.5).
func NewClient(cfg Config) (*http.Client, error) {
	tr, err := NewTransport(cfg)
	if err != nil {
		return nil, err
	}
	return &http.Client{Transport: tr}, nil
}
