// Package status tracks per-server lifecycle state, timestamps, metadata,
// and a bounded event log.
//
// Invariants:
// - One current state per server id.
// - The event ring holds at most its capacity; the oldest entry is evicted first.
// - Readers receive copies, never live references into tracker internals.
//
// The optional Store archives events and quarantine flags in SQLite so
// history and quarantine outlive the process; the Janitor prunes both on a
// cron schedule.
package status
