// Package orchestrator drives scans: it validates a request, consults the
// result cache, authorizes the tenant, fans one task per probe out to
// balancer-selected workers under two semaphores, and aggregates the
// outcomes into a ScanResult.
//
// Task failures never abort a scan. A failed probe becomes a failed task in
// the result and the scan is marked degraded with a readable reason. Submit
// returns an error only for invalid requests, quota denials and scans where
// no task could obtain execution capacity.
//
// Basic usage:
//
//	o, err := orchestrator.New(orchestrator.Deps{
//	    Catalog:  catalog,
//	    Router:   lb,
//	    Workers:  workers,
//	    Cache:    results,
//	}, orchestrator.Options{MaxConcurrency: 10})
//	if err != nil {
//	    return err
//	}
//	res, err := o.Submit(ctx, orchestrator.ScanRequest{
//	    Target: agent,
//	    Probes: []string{"system-prompt-leak", "jailbreak-dan"},
//	})
package orchestrator
