// Package finding defines the weaknesses a probe reports against a target agent.
//
// A Finding is produced when a probe's evaluator judges a target response to
// be vulnerable. Findings carry a severity, a confidence in [0, 1] and the
// evidence (prompt/response excerpt) that triggered them:
//
//	f := finding.New("prompt-injection-basic", "support-bot", "System prompt override accepted", finding.SeverityHigh)
//	f.Confidence = 0.85
//	f.Evidence = "Sure! Ignoring previous instructions..."
//
// Findings are value types so a cached scan result can be shared by
// concurrent callers without copying concerns.
package finding
