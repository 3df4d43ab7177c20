// Package scanerr provides the error taxonomy shared by every probegrid component.
//
// # Kinds
//
// Errors are grouped into six kinds that decide how callers react:
//
//   - KindValidation: the request shape is wrong; never retried
//   - KindNetwork: the target agent is unreachable or timed out; retried with backoff
//   - KindRateLimit: a quota or an open circuit rejected the call; retried with backoff
//   - KindResourceExhausted: a pool or node capacity was not available in time
//   - KindAgentFailure: the target answered with a malformed or empty response
//   - KindSystem: an unexpected internal fault; never retried
//
// # Usage
//
// Create a structured error:
//
//	err := scanerr.New("pool.Acquire", scanerr.KindResourceExhausted, "no slot within 2s")
//
// Wrap an underlying cause:
//
//	err := scanerr.Wrap("agent.Query", scanerr.KindNetwork, dialErr).
//	    WithDetails(map[string]any{"target": "chatbot-prod"})
//
// Branch on the kind rather than on the message:
//
//	switch scanerr.KindOf(err) {
//	case scanerr.KindValidation:
//	    // reject
//	case scanerr.KindNetwork, scanerr.KindRateLimit:
//	    // retry
//	}
//
// # Recovery
//
// A Registry maps kinds to pluggable recovery strategies. DefaultRegistry installs
// exponential-backoff retry for the network and rate-limit kinds only:
//
//	reg := scanerr.DefaultRegistry(scanerr.BackoffConfig{MaxAttempts: 3})
//	err = reg.Recover(ctx, err, func(ctx context.Context) error {
//	    return callAgent(ctx)
//	})
package scanerr
