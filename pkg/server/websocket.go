package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nstogner/officeagent/pkg/events"
)

const (
	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleEventsWebSocket streams the events of one session. Clients may also
// send turn requests over the same connection; rejections come back as
// events of type "error".
func (s *Server) handleEventsWebSocket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	c, err := s.manager.Get(r.Context(), id)
	if err != nil {
		s.errorResponse(w, err)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("Failed to upgrade websocket", "error", err)
		return
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates, err := s.bus.Subscribe(ctx, id)
	if err != nil {
		s.log.Error("Failed to subscribe", "sessionID", id, "error", err)
		return
	}
	replies := make(chan events.Event, 4)

	// Initial Sync
	replies <- events.Event{Type: events.TypeTurn, SessionID: id, State: string(c.State())}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer ws.Close()

		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()

		for {
			var ev events.Event
			select {
			case <-ctx.Done():
				return
			case e, ok := <-updates:
				if !ok {
					return
				}
				ev = e
			case ev = <-replies:
			case <-ticker.C:
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
					return
				}
				continue
			}
			ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := ws.WriteJSON(ev); err != nil {
				s.log.Debug("WebSocket write failed", "sessionID", id, "error", err)
				return
			}
		}
	}()

	// Reader Loop
	for {
		var req turnRequest
		if err := ws.ReadJSON(&req); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("WebSocket read ended", "sessionID", id, "error", err)
			}
			break
		}
		if req.Query == "" {
			continue
		}
		if err := c.Submit(ctx, req.Query, req.FileRefs); err != nil {
			select {
			case replies <- events.Event{Type: events.TypeError, SessionID: id, Error: err.Error()}:
			default:
			}
		}
	}

	cancel()
	<-writerDone
}
