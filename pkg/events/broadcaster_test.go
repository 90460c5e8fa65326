package events

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStream(t *testing.T) (*Broadcaster, *Hub, *websocket.Conn) {
	t.Helper()

	hub := NewHub()
	handler := NewHandler(hub, zerolog.Nop())
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })

	// The hub registers the client asynchronously after the upgrade.
	require.Eventually(t, func() bool { return hub.Count() == 1 }, time.Second, 10*time.Millisecond)

	return NewBroadcaster(hub, zerolog.Nop()), hub, conn
}

func TestBroadcastReachesSubscriber(t *testing.T) {
	b, _, conn := newStream(t)

	b.Broadcast(EventStateChange, "files", map[string]interface{}{"state": "running"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg Message
	require.NoError(t, json.Unmarshal(raw, &msg))
	assert.Equal(t, "event", msg.Type)
	assert.Equal(t, EventStateChange, msg.Event)
	assert.Equal(t, "files", msg.ServerID)
	assert.Equal(t, int64(1), msg.Seq)
	assert.NotZero(t, msg.Timestamp)
}

func TestBroadcastSequenceIncrements(t *testing.T) {
	b, _, conn := newStream(t)

	b.Broadcast(EventToolCall, "files", nil)
	b.Broadcast(EventToolCall, "files", nil)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var seqs []int64
	for i := 0; i < 2; i++ {
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		var msg Message
		require.NoError(t, json.Unmarshal(raw, &msg))
		seqs = append(seqs, msg.Seq)
	}
	assert.Equal(t, []int64{1, 2}, seqs)
}

func TestBroadcastWithoutClientsIsSafe(t *testing.T) {
	hub := NewHub()
	b := NewBroadcaster(hub, zerolog.Nop())

	assert.NotPanics(t, func() {
		b.Broadcast(EventQuarantine, "files", map[string]interface{}{"reason": "fatal"})
	})
}

func TestHubRemoveOnDisconnect(t *testing.T) {
	_, hub, conn := newStream(t)

	conn.Close()
	assert.Eventually(t, func() bool { return hub.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHubCloseAll(t *testing.T) {
	_, hub, conn := newStream(t)

	hub.CloseAll()
	assert.Equal(t, 0, hub.Count())

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestBroadcastNeverBlocksOnStalledClient(t *testing.T) {
	b, _, conn := newStream(t)
	_ = conn // never reads; its socket buffer fills and its queue backs up

	// Frames big enough to saturate the kernel buffers quickly.
	payload := map[string]interface{}{"blob": strings.Repeat("x", 256*1024)}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < sendBuffer*4; i++ {
			b.Broadcast(EventToolCall, "files", payload)
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("broadcast blocked on a client that stopped reading")
	}
}

func TestClientSendDropsWhenQueueFull(t *testing.T) {
	// No write pump is running, so the queue fills and stays full.
	client := NewClient("c1", nil)

	for i := 0; i < sendBuffer; i++ {
		require.True(t, client.Send([]byte("frame")))
	}
	assert.False(t, client.Send([]byte("frame")))
	assert.Equal(t, int64(1), client.Dropped())
}

func TestClientSendAfterCloseIsRejected(t *testing.T) {
	client := NewClient("c1", nil)
	close(client.done)

	assert.False(t, client.Send([]byte("frame")))
}

func TestHandlerRejectsPlainHTTP(t *testing.T) {
	hub := NewHub()
	handler := NewHandler(hub, zerolog.Nop())
	srv := httptest.NewServer(handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
