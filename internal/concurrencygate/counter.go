/*
Package concurrencygate implements the Concurrency Gate (spec §4.1): a process-wide admission
control check in front of the Request Lifecycle Engine. It enforces a hard ceiling on the number of
requests allowed inside the engine at once and reports peak concurrency for the status report.

The counting half of this package is adapted from trustydns's concurrencytracker, which tracked peak
concurrency for reporting purposes only. Gate adds the admission decision itself: Admit() increments
and, if the post-increment value exceeds the configured ceiling, immediately undoes the increment and
reports the rejection. Release() is deferred by the caller until the full response has been
dispatched to the client.

Typical usage:

 gate := concurrencygate.New(300)

 func ServeSomething() {
   if !gate.Admit() {
     // reject with 503 Overloaded, do not call Release
     return
   }
   defer gate.Release()
   ... do some work
 }
*/
package concurrencygate

import (
	"fmt"
	"sync"
)

// Gate is the In-Flight Counter plus the concurrency ceiling it is checked against.
type Gate struct {
	limit int

	mu      sync.Mutex
	current int // Count of pending Release() calls
	peak    int // Max 'current' has ever reached
	admits  int // Total successful Admit() calls
	rejects int // Total Admit() calls that hit the ceiling
}

// New constructs a Gate with the given concurrency ceiling. A non-positive limit means unbounded
// admission (the ceiling is never enforced), which is only ever used by tests.
func New(limit int) *Gate {
	return &Gate{limit: limit}
}

// Admit increments the In-Flight Counter and checks it against the ceiling. If the post-increment
// value exceeds the ceiling, the increment is immediately undone and false is returned — the caller
// must not call Release() in that case. Otherwise Release() must be called exactly once, however
// the request concludes.
func (g *Gate) Admit() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.current++
	if g.current > g.peak {
		g.peak = g.current
	}

	if g.limit > 0 && g.current > g.limit {
		g.current--
		g.rejects++
		return false
	}

	g.admits++
	return true
}

// Release decrements the In-Flight Counter. Release() must only be called after a successful
// Admit(), otherwise a panic ensues — mirroring the teacher's discipline of failing loudly on a
// mismatched Add()/Done() pair rather than silently drifting the counter negative.
func (g *Gate) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.current == 0 {
		panic("concurrencygate.Release() lacks matching Admit()")
	}
	g.current--
}

// Current returns the live In-Flight Counter value.
func (g *Gate) Current() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current
}

// Peak returns the peak concurrency count and optionally resets the peak value to the current
// concurrency value. The reset occurs after the return value is captured so its effect isn't visible
// until the next call.
func (g *Gate) Peak(resetCounters bool) (peak int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	peak = g.peak
	if resetCounters {
		g.peak = g.current
	}
	return
}

// Name implements reporter.Reporter.
func (g *Gate) Name() string {
	return "Concurrency Gate"
}

// Report implements reporter.Reporter.
func (g *Gate) Report(resetCounters bool) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	s := fmt.Sprintf("current=%d peak=%d limit=%d admits=%d rejects=%d",
		g.current, g.peak, g.limit, g.admits, g.rejects)

	if resetCounters {
		g.peak = g.current
		g.admits = 0
		g.rejects = 0
	}

	return s
}
