package egress

import "fmt"

// Name meets the reporter.Reporter interface used across this repo.
func (c *Channel) Name() string { return "Egress Channel" }

// Report summarises send/drop/dial/timeout counters, resetting them when resetCounters is true, in
// the same style as dnspool.Pool.Report and connectiontracker's reporter.
func (c *Channel) Report(resetCounters bool) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.channelStats
	report := fmt.Sprintf("sent=%d dropped=%d dialFailures=%d timeouts=%d",
		s.sent, s.dropped, s.dialFailures, s.timeouts)

	if resetCounters {
		c.channelStats = channelStats{}
	}

	return report
}
