package lifecycle

import (
	"net"
	"strings"
	"time"
)

// clientIP extracts the printable client address from a connection's remote address (spec §4.5
// step 1). TCP peers render as their host without the port; UNIX-domain peers (identified by the
// absence of a parseable host:port) render as "sock:<path>"; anything else yields the empty string
// rather than guessing.
func clientIP(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	if strings.HasPrefix(remoteAddr, "/") || strings.HasPrefix(remoteAddr, "@") {
		return "sock:" + remoteAddr
	}
	return ""
}

// clampMs converts a duration to non-negative milliseconds. Monotonic time.Since() results are
// already non-negative in practice, but clock adjustments or back-to-back measurements taken before
// the prior phase's start can still produce a negative delta, so every timing value in §4.5 is
// clamped at the source rather than relying on callers to remember to do so.
func clampMs(d time.Duration) int64 {
	ms := d.Milliseconds()
	if ms < 0 {
		return 0
	}
	return ms
}

// phaseMs computes one of the three §4.5 timing phases as now-t0 minus whatever phases already
// elapsed, clamped to >= 0 so a phase that completes faster than clock resolution can measure never
// reports a negative duration.
func phaseMs(now, t0 time.Time, priorMs int64) int64 {
	total := clampMs(now.Sub(t0))
	v := total - priorMs
	if v < 0 {
		return 0
	}
	return v
}
