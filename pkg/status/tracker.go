package status

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// State is the lifecycle state of one managed server.
type State string

const (
	StateStopped     State = "stopped"
	StateStarting    State = "starting"
	StateRunning     State = "running"
	StateStopping    State = "stopping"
	StateError       State = "error"
	StateQuarantined State = "quarantined"
)

// EventTypeStateChange is appended automatically by SetStatus.
const EventTypeStateChange = "state_change"

// Event is one entry in a server's event log.
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	ServerID  string                 `json:"server_id"`
	Type      string                 `json:"type"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// ServerSummary is a read snapshot of one server for display collaborators.
type ServerSummary struct {
	ServerID      string                 `json:"server_id"`
	State         State                  `json:"state"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
	Uptime        *time.Duration         `json:"uptime,omitempty"`
	LastEventTime *time.Time             `json:"last_event_time,omitempty"`
}

// DefaultEventCapacity bounds each server's in-memory event ring.
const DefaultEventCapacity = 1000

type serverRecord struct {
	state      State
	stateKnown bool
	startedAt  *time.Time
	stoppedAt  *time.Time
	metadata   map[string]interface{}

	events      []Event
	eventsStart int
	eventsLen   int
}

// Tracker keeps per-server bookkeeping. Safe for concurrent use; all reads
// return copies.
type Tracker struct {
	mu       sync.RWMutex
	capacity int
	servers  map[string]*serverRecord
	store    *Store
	publish  func(Event)
	log      zerolog.Logger

	now func() time.Time
}

// NewTracker creates a tracker whose per-server event ring holds capacity
// entries (DefaultEventCapacity when <= 0).
func NewTracker(capacity int, log zerolog.Logger) *Tracker {
	if capacity <= 0 {
		capacity = DefaultEventCapacity
	}
	return &Tracker{
		capacity: capacity,
		servers:  make(map[string]*serverRecord),
		log:      log,
		now:      time.Now,
	}
}

// AttachStore wires a durable archive. Events recorded after attachment are
// appended to it as well as to the ring.
func (t *Tracker) AttachStore(store *Store) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.store = store
}

// OnEvent registers a hook invoked for every recorded event, outside the
// tracker lock. Used to fan events out to live subscribers.
func (t *Tracker) OnEvent(fn func(Event)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.publish = fn
}

func (t *Tracker) recordLocked(id string) *serverRecord {
	rec, ok := t.servers[id]
	if !ok {
		rec = &serverRecord{
			state:    StateStopped,
			metadata: make(map[string]interface{}),
			events:   make([]Event, t.capacity),
		}
		t.servers[id] = rec
	}
	return rec
}

// SetStatus updates the server's current state, appends a state_change
// event, and records start/stop timestamps on transitions into
// running/stopped.
func (t *Tracker) SetStatus(id string, state State) {
	t.mu.Lock()
	rec := t.recordLocked(id)
	from := rec.state
	if !rec.stateKnown {
		from = ""
	}
	rec.state = state
	rec.stateKnown = true

	now := t.now()
	switch state {
	case StateRunning:
		started := now
		rec.startedAt = &started
		rec.stoppedAt = nil
	case StateStopped:
		if rec.startedAt != nil && rec.stoppedAt == nil {
			stopped := now
			rec.stoppedAt = &stopped
		}
	}

	event := t.appendEventLocked(rec, id, EventTypeStateChange, map[string]interface{}{
		"from": string(from),
		"to":   string(state),
	})
	store, publish := t.store, t.publish
	t.mu.Unlock()

	t.archive(store, event)
	if publish != nil {
		publish(event)
	}
}

// Status returns the current state and whether the server is tracked.
func (t *Tracker) Status(id string) (State, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.servers[id]
	if !ok || !rec.stateKnown {
		return StateStopped, false
	}
	return rec.state, true
}

// Uptime returns elapsed time since the last start when running, the last
// start-to-stop span when stopped, or nil when the server never started.
func (t *Tracker) Uptime(id string) *time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, ok := t.servers[id]
	if !ok || rec.startedAt == nil {
		return nil
	}
	var d time.Duration
	if rec.stoppedAt != nil {
		d = rec.stoppedAt.Sub(*rec.startedAt)
	} else {
		d = t.now().Sub(*rec.startedAt)
	}
	return &d
}

// SetMetadata stores one free-form key for the server (e.g. negotiated
// session id, tool count).
func (t *Tracker) SetMetadata(id, key string, value interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.recordLocked(id)
	rec.metadata[key] = value
}

// Metadata returns a copy of the server's metadata map.
func (t *Tracker) Metadata(id string) map[string]interface{} {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, ok := t.servers[id]
	if !ok {
		return map[string]interface{}{}
	}
	out := make(map[string]interface{}, len(rec.metadata))
	for k, v := range rec.metadata {
		out[k] = v
	}
	return out
}

// RecordEvent appends an event to the server's ring (and archive, when
// attached). The oldest entry is evicted once the ring is full.
func (t *Tracker) RecordEvent(id, eventType string, details map[string]interface{}) {
	t.mu.Lock()
	rec := t.recordLocked(id)
	event := t.appendEventLocked(rec, id, eventType, details)
	store, publish := t.store, t.publish
	t.mu.Unlock()

	t.archive(store, event)
	if publish != nil {
		publish(event)
	}
}

func (t *Tracker) appendEventLocked(rec *serverRecord, id, eventType string, details map[string]interface{}) Event {
	event := Event{
		ID:        uuid.NewString(),
		Timestamp: t.now(),
		ServerID:  id,
		Type:      eventType,
		Details:   details,
	}
	if rec.eventsLen < t.capacity {
		rec.events[(rec.eventsStart+rec.eventsLen)%t.capacity] = event
		rec.eventsLen++
	} else {
		rec.events[rec.eventsStart] = event
		rec.eventsStart = (rec.eventsStart + 1) % t.capacity
	}
	return event
}

func (t *Tracker) archive(store *Store, event Event) {
	if store == nil {
		return
	}
	if err := store.AppendEvent(event); err != nil {
		t.log.Warn().Err(err).Str("server", event.ServerID).Msg("failed to archive event")
	}
}

// Events returns up to limit of the server's most recent events in
// chronological order. limit <= 0 returns everything in the ring.
func (t *Tracker) Events(id string, limit int) []Event {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, ok := t.servers[id]
	if !ok || rec.eventsLen == 0 {
		return nil
	}
	n := rec.eventsLen
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Event, 0, n)
	for i := rec.eventsLen - n; i < rec.eventsLen; i++ {
		out = append(out, rec.events[(rec.eventsStart+i)%t.capacity])
	}
	return out
}

// CleanupOldData prunes ring events older than the cutoff across all tracked
// servers, plus archive rows when a store is attached. Returns the number of
// pruned entries. Safe on an empty tracker.
func (t *Tracker) CleanupOldData(days int) int {
	t.mu.Lock()
	cutoff := t.now().AddDate(0, 0, -days)
	pruned := 0
	for _, rec := range t.servers {
		kept := make([]Event, t.capacity)
		keptLen := 0
		for i := 0; i < rec.eventsLen; i++ {
			ev := rec.events[(rec.eventsStart+i)%t.capacity]
			if ev.Timestamp.Before(cutoff) {
				pruned++
				continue
			}
			kept[keptLen] = ev
			keptLen++
		}
		rec.events = kept
		rec.eventsStart = 0
		rec.eventsLen = keptLen
	}
	store := t.store
	t.mu.Unlock()

	if store != nil {
		rows, err := store.Prune(cutoff)
		if err != nil {
			t.log.Warn().Err(err).Msg("failed to prune event archive")
		} else {
			pruned += int(rows)
		}
	}
	return pruned
}

// Summary aggregates state, metadata, uptime, and the last event timestamp
// into one snapshot.
func (t *Tracker) Summary(id string) ServerSummary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	summary := ServerSummary{ServerID: id, State: StateStopped, Metadata: map[string]interface{}{}}
	rec, ok := t.servers[id]
	if !ok {
		return summary
	}
	if rec.stateKnown {
		summary.State = rec.state
	}
	for k, v := range rec.metadata {
		summary.Metadata[k] = v
	}
	if rec.startedAt != nil {
		var d time.Duration
		if rec.stoppedAt != nil {
			d = rec.stoppedAt.Sub(*rec.startedAt)
		} else {
			d = t.now().Sub(*rec.startedAt)
		}
		summary.Uptime = &d
	}
	if rec.eventsLen > 0 {
		last := rec.events[(rec.eventsStart+rec.eventsLen-1)%t.capacity]
		ts := last.Timestamp
		summary.LastEventTime = &ts
	}
	return summary
}
