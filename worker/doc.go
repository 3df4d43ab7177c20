// Package worker implements local worker nodes.
//
// A Worker owns a pool of scan slots sized to its node's connection cap and
// executes probe tasks against target agents. Every task runs with its own
// deadline and passes through the shared circuit breaker manager keyed by
// target, so an unreachable target fails fast for every worker. Run never
// returns an error: failures become failed task outcomes that the caller
// aggregates.
package worker
