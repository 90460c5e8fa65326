// Package events fans server lifecycle and tool-call events out to
// WebSocket subscribers. The registry publishes through a Broadcaster;
// `steward serve` exposes the stream on /ws.
package events
