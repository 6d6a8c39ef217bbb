package pipeline

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/tributary-io/tributary/internal/health"
)

// HealthReport probes every sink and folds in quarantine state. A
// quarantined (destination, table) degrades the status; an unreachable
// destination makes it unhealthy.
func (p *Pipeline) HealthReport(ctx context.Context) health.Report {
	report := health.Report{
		Status:        health.StatusHealthy,
		UptimeSeconds: time.Since(p.startedAt).Seconds(),
		Dependencies:  make(map[string]health.Dependency, len(p.sinks)),
	}

	for _, s := range p.sinks {
		start := time.Now()
		err := s.HealthCheck(ctx)
		dep := health.Dependency{
			Status:    health.StatusHealthy,
			LatencyMs: float64(time.Since(start).Microseconds()) / 1000,
		}
		if err != nil {
			dep.Status = health.StatusUnhealthy
			dep.Error = err.Error()
			report.Status = health.StatusUnhealthy
		}
		report.Dependencies[string(s.Destination())] = dep
	}

	if !p.quarantine.empty() {
		for k, cause := range p.quarantine.snapshot() {
			report.Quarantined = append(report.Quarantined,
				fmt.Sprintf("%s/%s: %v", k.dest, k.table, cause))
		}
		sort.Strings(report.Quarantined)
		if report.Status == health.StatusHealthy {
			report.Status = health.StatusDegraded
		}
	}
	return report
}
