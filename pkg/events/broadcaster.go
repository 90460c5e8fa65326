package events

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Message is one event frame on the stream.
type Message struct {
	Type      string      `json:"type"`
	Event     string      `json:"event"`
	ServerID  string      `json:"server_id,omitempty"`
	Seq       int64       `json:"seq"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// Event names published by the registry and daemon.
const (
	EventStateChange = "state_change"
	EventToolCall    = "tool_call"
	EventQuarantine  = "quarantine"
	EventReload      = "config_reload"
)

// Broadcaster sends events to every connected client. Slow or broken
// clients lose frames; the stream is best-effort by design.
type Broadcaster struct {
	hub    *Hub
	logger zerolog.Logger
	seq    atomic.Int64
}

// NewBroadcaster creates a broadcaster over the hub.
func NewBroadcaster(hub *Hub, logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		hub:    hub,
		logger: logger,
	}
}

// Broadcast sends an event about one server to all connected clients.
func (b *Broadcaster) Broadcast(event, serverID string, data interface{}) {
	msg := Message{
		Type:      "event",
		Event:     event,
		ServerID:  serverID,
		Seq:       b.seq.Add(1),
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}

	jsonData, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error().
			Err(err).
			Str("event", event).
			Str("server", serverID).
			Msg("Failed to marshal event")
		return
	}

	clients := b.hub.Clients()
	if len(clients) == 0 {
		return
	}

	// Send never blocks; a client whose queue is full just misses the frame.
	dropped := 0
	for _, client := range clients {
		if !client.Send(jsonData) {
			b.logger.Debug().
				Str("clientId", client.ID).
				Str("event", event).
				Msg("Client queue full, frame dropped")
			dropped++
		}
	}

	b.logger.Debug().
		Str("event", event).
		Str("server", serverID).
		Int64("seq", msg.Seq).
		Int("clients", len(clients)).
		Int("dropped", dropped).
		Msg("Event broadcast complete")
}
