/*
Package hoststat reports this process's own CPU and memory usage as a Reporter (SPEC_FULL §9),
alongside the request-level reporters emitted elsewhere in this repo, so an operator watching the
periodic status report can see whether the proxy itself is under host-level strain. Grounded on
fluxsce-gateway's pkg/metric/collector/process package, which wraps
github.com/shirou/gopsutil/v4/process the same way: construct a process.Process for the running
pid once, then re-query it on each Collect.
*/
package hoststat

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

const collectTimeout = 5 * time.Second

// Collector reports this process's CPU percentage, resident set size and open file descriptor
// count. It implements reporter.Reporter so it slots into the same periodic status loop as every
// other component.
type Collector struct {
	proc *process.Process
}

// New constructs a Collector bound to the running process.
func New() (*Collector, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("hoststat: %w", err)
	}
	return &Collector{proc: proc}, nil
}

// Name meets reporter.Reporter.
func (c *Collector) Name() string { return "Host Stats" }

// Report meets reporter.Reporter. resetCounters is accepted for interface compatibility but is a
// no-op here: every value reported is a live gauge, not an accumulated counter.
func (c *Collector) Report(resetCounters bool) string {
	ctx, cancel := context.WithTimeout(context.Background(), collectTimeout)
	defer cancel()

	cpuPercent, err := c.proc.CPUPercentWithContext(ctx)
	if err != nil {
		return fmt.Sprintf("cpu=? rssMB=? fds=? (%s)", err)
	}

	memInfo, err := c.proc.MemoryInfoWithContext(ctx)
	rssMB := float64(0)
	if err == nil && memInfo != nil {
		rssMB = float64(memInfo.RSS) / (1024 * 1024)
	}

	fds, err := c.proc.NumFDsWithContext(ctx)
	if err != nil {
		fds = -1
	}

	return fmt.Sprintf("cpu=%0.1f%% rssMB=%0.1f fds=%d", cpuPercent, rssMB, fds)
}
