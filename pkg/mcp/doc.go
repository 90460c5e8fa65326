// Package mcp supervises external Model Context Protocol servers as managed
// child processes or remote endpoints.
//
// A ManagedServer owns one server's lifecycle: it launches the transport,
// tracks the connection, exposes tool calls, and tears the session down. All
// protocol plumbing goes through the official MCP Go SDK; nothing above this
// package imports it.
//
// Invariants:
//   - Tool calls are accepted only while the server is running.
//   - Stop is idempotent and always lands in a terminal state, forcing the
//     process down when graceful shutdown exceeds the grace period.
//   - A quarantined server refuses to start until the flag is cleared.
//   - Environment placeholders in configs are resolved exactly once, at
//     construction; unset variables resolve to the empty string.
//
// Usage:
//
//	cfg, err := mcp.NewStdioConfig("fs", "npx", []string{"-y", "@modelcontextprotocol/server-filesystem", "/tmp"}, nil)
//	srv, err := mcp.NewManagedServer(cfg, mcp.Options{})
//	err = srv.Start(ctx)
//	res, err := srv.CallTool(ctx, "read_file", map[string]interface{}{"path": "/tmp/a.txt"})
//	err = srv.Stop(ctx)
package mcp
