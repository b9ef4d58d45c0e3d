package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/anvillabs/crucible/internal/events"
	"github.com/anvillabs/crucible/internal/models"
)

// ssePingInterval keeps idle SSE connections alive through proxies.
const ssePingInterval = 15 * time.Second

// EventsHandler streams build progress events over SSE and websockets.
type EventsHandler struct {
	engine BuildEngine
	broker *events.Broker
	logger *slog.Logger
}

// NewEventsHandler creates a new event streaming handler.
func NewEventsHandler(eng BuildEngine, broker *events.Broker, logger *slog.Logger) *EventsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventsHandler{
		engine: eng,
		broker: broker,
		logger: logger,
	}
}

// Stream handles GET /api/v1/builds/{id}/events, a Server-Sent Events
// stream. The first event is a snapshot of the job; the stream closes
// after the terminal status event is delivered.
func (h *EventsHandler) Stream(w http.ResponseWriter, r *http.Request) {
	job, ok := authorizedJob(w, r, h.engine)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteInternalError(w, "Streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// Subscribe before snapshotting so no event falls in the gap.
	sub := h.broker.Subscribe(job.ID, "")
	defer h.broker.Unsubscribe(sub)

	h.logger.Debug("event stream started", "build_id", job.ID)

	snapshot, _ := h.engine.Get(job.ID)
	h.sendEvent(w, flusher, "snapshot", buildResponse(snapshot, false))
	if snapshot.Status.IsTerminal() {
		return
	}

	ping := time.NewTicker(ssePingInterval)
	defer ping.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("event stream closed by client", "build_id", job.ID)
			return
		case <-ping.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev, open := <-sub.Ch:
			if !open {
				return
			}
			h.sendEvent(w, flusher, string(ev.Type), ev)
			if ev.Type == models.EventStatus && ev.Status.IsTerminal() {
				return
			}
		}
	}
}

// sendEvent writes one Server-Sent Event.
func (h *EventsHandler) sendEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		h.logger.Error("failed to marshal event data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", payload)
	flusher.Flush()
}
