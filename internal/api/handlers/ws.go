package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/anvillabs/crucible/internal/models"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 15 * time.Second
)

// wsSnapshot is the first frame on a websocket stream.
type wsSnapshot struct {
	Type  string         `json:"type"`
	Build *BuildResponse `json:"build"`
}

// StreamWS handles GET /api/v1/builds/{id}/ws. Each frame is one JSON
// event; the connection closes after the terminal status event.
func (h *EventsHandler) StreamWS(w http.ResponseWriter, r *http.Request) {
	job, ok := authorizedJob(w, r, h.engine)
	if !ok {
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "build_id", job.ID, "error", err)
		return
	}
	defer conn.Close()

	sub := h.broker.Subscribe(job.ID, "")
	defer h.broker.Unsubscribe(sub)

	h.logger.Debug("websocket stream started", "build_id", job.ID)

	// Consume client frames so closes are noticed promptly.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	snapshot, _ := h.engine.Get(job.ID)
	if err := h.writeFrame(conn, &wsSnapshot{Type: "snapshot", Build: buildResponse(snapshot, false)}); err != nil {
		return
	}
	if snapshot.Status.IsTerminal() {
		h.closeStream(conn)
		return
	}

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-clientGone:
			h.logger.Debug("websocket closed by client", "build_id", job.ID)
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			deadline := time.Now().Add(wsWriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case ev, open := <-sub.Ch:
			if !open {
				return
			}
			if err := h.writeFrame(conn, ev); err != nil {
				return
			}
			if ev.Type == models.EventStatus && ev.Status.IsTerminal() {
				h.closeStream(conn)
				return
			}
		}
	}
}

// writeFrame sends one JSON frame under the write deadline.
func (h *EventsHandler) writeFrame(conn *websocket.Conn, data any) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(data)
}

// closeStream sends a normal-closure frame so well-behaved clients stop
// reconnecting.
func (h *EventsHandler) closeStream(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "build finished")
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout))
}
