package gateway

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"idia-astro/go-toolvisor/pkg/jsoncodec"
	helpers "idia-astro/go-toolvisor/pkg/shared"
)

const wsWriteTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	// Ignore Origin header; access is guarded by the subscribe token
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWS is the WebSocket flavour of the stream: same replay and filter
// semantics, one JSON event per text frame.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if _, err := s.opts.SubscribeAuth.AuthenticateHTTP(w, r); err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	c, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Problem with HTTP upgrade", "error", err)
		return
	}
	defer helpers.CloseOrLog(c)

	sub, backlog, _ := s.hub.Subscribe(ParseTopics(r.URL.Query().Get("topics")), lastEventID(r))
	defer s.hub.Unsubscribe(sub)
	logger := s.logger.With("subscriber", sub.ID)
	logger.Debug("WebSocket subscriber connected", "backlog", len(backlog))

	// The read loop only answers PINGs; all writes stay on this goroutine.
	pings := make(chan struct{}, 8)
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			messageType, message, err := c.ReadMessage()
			if err != nil {
				logger.Debug("WebSocket read ended", "error", err)
				return
			}
			if messageType == websocket.TextMessage && string(message) == "PING" {
				select {
				case pings <- struct{}{}:
				default:
				}
			}
		}
	}()

	send := func(e Event) bool {
		payload, err := jsoncodec.Marshal(e)
		if err != nil {
			logger.Warn("Error encoding event", "id", e.ID, "error", err)
			return true
		}
		_ = c.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := c.WriteMessage(websocket.TextMessage, payload); err != nil {
			logger.Debug("WebSocket write failed", "error", err)
			return false
		}
		s.hub.Delivered(len(payload))
		return true
	}

	for _, e := range backlog {
		if !send(e) {
			return
		}
	}

	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case e, ok := <-sub.Events():
			if !ok {
				logger.Info("WebSocket subscriber dropped", "dropped", sub.Dropped())
				_ = c.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "subscriber fell behind"),
					time.Now().Add(time.Second))
				return
			}
			if !send(e) {
				return
			}
		case <-pings:
			_ = c.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.WriteMessage(websocket.TextMessage, []byte("PONG")); err != nil {
				logger.Error("Failed to send pong message", "error", err)
				return
			}
		case <-ticker.C:
			if err := c.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		}
	}
}
