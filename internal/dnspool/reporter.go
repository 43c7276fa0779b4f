package dnspool

import "fmt"

// Name implements reporter.Reporter.
func (p *Pool) Name() string {
	return "DNS Pool"
}

// Report implements reporter.Reporter.
func (p *Pool) Report(resetCounters bool) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var al float64
	if p.lookups > 0 {
		al = p.totalLatency.Seconds() / float64(p.lookups)
	}

	s := fmt.Sprintf("lookups=%d failures=%d retries=%d cacheHits=%d al=%0.3f poolSize=%d",
		p.lookups, p.failures, p.retries, p.cacheHits, al, cap(p.sem))

	if resetCounters {
		p.lookups = 0
		p.failures = 0
		p.retries = 0
		p.cacheHits = 0
		p.totalLatency = 0
	}

	return s
}
