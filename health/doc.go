// Package health defines the status values shared by probegrid components and
// helpers for combining component checks into one report.
//
// Worker nodes, the orchestrator and the engine all report one of four
// statuses. Healthy and degraded components still serve traffic; unhealthy
// and maintenance components do not.
//
//	status := health.Combine(
//	    health.Check{Name: "cache", Status: health.StatusHealthy},
//	    health.Check{Name: "balancer", Status: health.StatusDegraded, Message: "1 of 3 nodes degraded"},
//	)
//	if status.IsDegraded() {
//	    log.Println(status.Message)
//	}
package health
