// Package breaker isolates failing tool-providers behind a per-server
// circuit breaker and a sticky quarantine flag.
//
// Invariants:
// - While a circuit is open, Allow short-circuits and the provider is never invoked.
// - Half-open permits exactly one probe call at a time.
// - Quarantine is sticky: it never clears itself, only ClearQuarantine does.
//
// Usage:
//
//	iso := breaker.New(breaker.DefaultConfig(), logger)
//	if err := iso.Allow("github"); err != nil {
//		return err
//	}
//	if err := call(); err != nil {
//		iso.RecordFailure("github", err)
//		return err
//	}
//	iso.RecordSuccess("github")
package breaker
