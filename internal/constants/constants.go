/*
Package constants provides common values used across all haraxy packages. Usage is to call the
global Get() function which returns the Constants by value ensuring that any modifications made
(accidental or otherwise) will not affect other modules when they call Get().

Typically usage:

    consts := constants.Get()
    fmt.Println("I am", consts.ProgramName, "version", consts.Version)

The primary reason for making this a constructed struct rather than the more typical const () block
is so that it can be fed directly into templating packages for printing usage messages.
*/
package constants

import "time"

// Constants contains the system-wide constants
type Constants struct {
	ProgramName string
	Version     string
	PackageName string
	PackageURL  string

	ServiceTokenHeader string // Per-request tenant identifier, stripped before upstream dispatch
	ForwardedForHeader string
	ContentLengthHeader string
	HostHeader          string

	DefaultConcurrencyLimit int           // §4.1 default ceiling
	DefaultCallTimeout      time.Duration // §4.5 default upstream call deadline
	DNSResolverPoolSize     int           // §4.2 default pool size
	DNSLookupTimeout        time.Duration // §4.2 fixed 2.5s
	DNSMaxAttempts          int           // §4.2 "retried at most once" == 2 attempts total
	EgressSendTimeout       time.Duration // §4.4 fixed 20s

	DefaultCollectorAddress string // Upstream collector TCP endpoint
	DefaultMetricsAddress   string // Internal prometheus /metrics listener, empty disables it
	DefaultDNSCacheTTL      time.Duration // §10 optional resolved-address cache in front of DNS Pool

	CertFileName string // Read from CWD when --https is set
	KeyFileName  string
}

var readOnlyConstants *Constants

// createReadOnlyConstants creates a read-only copy of the Constants which is copied whenever a
// caller asks for the constants set. The main reason for returning a struct is so that callers can
// inspect and/or use packages that introspect - particularly */template packages.
func createReadOnlyConstants() {
	readOnlyConstants = &Constants{
		ProgramName: "haraxy",
		Version:     "v0.1.0",
		PackageName: "HAR-emitting forward proxy",
		PackageURL:  "https://github.com/markdingo/haraxy",

		ServiceTokenHeader:  "Service-Token",
		ForwardedForHeader:  "X-Forwarded-For",
		ContentLengthHeader: "Content-Length",
		HostHeader:          "Host",

		DefaultConcurrencyLimit: 300,
		DefaultCallTimeout:      6 * time.Second,
		DNSResolverPoolSize:     2,
		DNSLookupTimeout:        2500 * time.Millisecond,
		DNSMaxAttempts:          2,
		EgressSendTimeout:       20 * time.Second,

		DefaultCollectorAddress: "server.apianalytics.com:5000",
		DefaultMetricsAddress:   "",
		DefaultDNSCacheTTL:      0,

		CertFileName: "cert.pem",
		KeyFileName:  "key.pem",
	}
}

func init() {
	createReadOnlyConstants()
}

// Get returns a copy of the Constant struct. Return by value so internal values cannot be
// inadvertently changed by callers.
func Get() Constants {
	return *readOnlyConstants
}
