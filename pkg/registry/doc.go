// Package registry owns the set of managed MCP servers and routes every tool
// call through the safety pipeline: concurrency gate, retry, circuit breaker,
// then the server itself.
//
// Invariants:
//   - One ManagedServer per id; lifecycle operations on the same id are
//     serialized, different ids proceed independently.
//   - A tool call never reaches a server whose breaker is open or which is
//     quarantined.
//   - Breaker and quarantine state are keyed by server id and survive
//     config reloads of that id.
//
// Usage:
//
//	reg := registry.New(registry.Options{Tracker: tracker, Isolator: iso})
//	err := reg.Register(cfg)
//	err = reg.Start(ctx, "fs")
//	res, err := reg.CallTool(ctx, "fs", "read_file", args)
package registry
