package events

import (
	"net/http"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// Handler upgrades HTTP requests to WebSocket subscriptions and parks them
// in the hub until they disconnect.
type Handler struct {
	hub      *Hub
	logger   zerolog.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates the /ws handler. The stream binds to loopback by
// default, so cross-origin requests are accepted.
func NewHandler(hub *Hub, logger zerolog.Logger) *Handler {
	return &Handler{
		hub:    hub,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, _ := gonanoid.New()
	client := NewClient(clientID, conn)
	h.hub.Add(client)

	h.logger.Info().
		Str("clientId", clientID).
		Str("ip", r.RemoteAddr).
		Msg("Event stream client connected")

	go client.WritePump()

	// The stream is one-way. Reading drains control frames and detects
	// disconnects.
	go h.drain(client)
}

func (h *Handler) drain(client *Client) {
	defer func() {
		h.hub.Remove(client.ID)
		client.Close()
		h.logger.Info().Str("clientId", client.ID).Msg("Event stream client disconnected")
	}()

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug().Err(err).Str("clientId", client.ID).Msg("Event stream read error")
			}
			return
		}
	}
}
