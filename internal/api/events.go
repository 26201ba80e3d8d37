package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kjanssen/vidcore/internal/controller"
)

// EventsHandler streams controller events over SSE. Huma has no native
// streaming support, so like the teacher's progress handler this is
// registered directly on the chi router rather than through huma.Register.
type EventsHandler struct {
	ctl               *controller.Controller
	heartbeatInterval time.Duration
}

// NewEventsHandler creates an events handler.
func NewEventsHandler(ctl *controller.Controller) *EventsHandler {
	return &EventsHandler{ctl: ctl, heartbeatInterval: 30 * time.Second}
}

// RegisterSSE registers the SSE endpoint on a chi-compatible router.
func (h *EventsHandler) RegisterSSE(router interface {
	Get(pattern string, handlerFn http.HandlerFunc)
}) {
	router.Get("/api/v1/events", h.handleSSEEvents)
}

type eventPayload struct {
	EventID  string     `json:"event_id"`
	SourceID int        `json:"source_id"`
	Kind     string     `json:"kind"`
	State    string     `json:"state,omitempty"`
	Healthy  bool       `json:"healthy"`
	Err      string     `json:"error,omitempty"`
	Until    *time.Time `json:"until,omitempty"`
}

func kindName(k controller.EventKind) string {
	switch k {
	case controller.EventAdded:
		return "added"
	case controller.EventStateChanged:
		return "state_changed"
	case controller.EventHealthChanged:
		return "health_changed"
	case controller.EventRemoved:
		return "removed"
	case controller.EventQuarantined:
		return "quarantined"
	case controller.EventCircuitOpened:
		return "circuit_opened"
	case controller.EventCircuitClosed:
		return "circuit_closed"
	default:
		return "unknown"
	}
}

func payloadFrom(ev controller.Event) eventPayload {
	p := eventPayload{
		EventID:  ev.EventID.String(),
		SourceID: int(ev.SourceID),
		Kind:     kindName(ev.Kind),
		State:    string(ev.State),
		Healthy:  ev.Healthy,
	}
	if ev.Err != nil {
		p.Err = ev.Err.Error()
	}
	if ev.Kind == controller.EventCircuitOpened {
		until := ev.Until
		p.Until = &until
	}
	return p
}

func (h *EventsHandler) handleSSEEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	events, unsubscribe := h.ctl.Events(32)
	defer unsubscribe()

	rc := http.NewResponseController(w)

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	ctx := r.Context()

	fmt.Fprintf(w, ":connected\n\n")
	if err := rc.Flush(); err != nil {
		slog.Debug("failed to flush initial SSE connection", "error", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ":heartbeat %d\n\n", time.Now().Unix())
			if err := rc.Flush(); err != nil {
				slog.Debug("heartbeat flush failed, client likely disconnected", "error", err)
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(payloadFrom(ev))
			if err != nil {
				slog.Error("failed to marshal controller event", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", kindName(ev.Kind), data); err != nil {
				slog.Debug("event write failed, client likely disconnected", "error", err)
				return
			}
			if err := rc.Flush(); err != nil {
				slog.Debug("event flush failed, client likely disconnected", "error", err)
				return
			}
		}
	}
}
