// Package gate serializes destructive tool calls across concurrent sessions.
//
// Invariants:
// - At most one WRITE-class call is in flight process-wide.
// - At most one EXECUTE-class call is in flight process-wide.
// - READ-class calls never wait.
//
// Usage:
//
//	g := gate.New()
//	release, err := g.Acquire(ctx, gate.CategoryWrite)
//	if err != nil {
//		return err
//	}
//	defer release()
package gate
