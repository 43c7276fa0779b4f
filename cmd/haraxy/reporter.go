package main

import "fmt"

//////////////////////////////////////////////////////////////////////
// reporter implementation
//////////////////////////////////////////////////////////////////////

// Name implements reporter.Reporter.
func (f *frontend) Name() string {
	return "Frontend: " + f.name + " (" + f.listenAddress + ")"
}

// Report implements reporter.Reporter, summarizing responses by status code class since the last
// reset.
func (f *frontend) Report(resetCounters bool) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	s := fmt.Sprintf("requests=%d 2xx=%d 3xx=%d 4xx=%d 5xx=%d",
		f.mu.requests, f.mu.statusClassCounts[2], f.mu.statusClassCounts[3],
		f.mu.statusClassCounts[4], f.mu.statusClassCounts[5])

	if resetCounters {
		f.mu.requests = 0
		f.mu.statusClassCounts = [6]int{}
	}

	return s
}
