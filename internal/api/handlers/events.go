package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/amaumene/episodarr/internal/ports"
)

const keepAlive = 15 * time.Second

// EventSource is a broadcaster that also remembers its latest events
type EventSource interface {
	ports.Broadcaster
	Recent(limit int) []ports.Event
}

// EventsHandler streams broadcast events as server-sent events
type EventsHandler struct {
	events EventSource
	buffer int
	logger *logrus.Logger
}

// NewEventsHandler creates a new events handler
func NewEventsHandler(events EventSource, buffer int, logger *logrus.Logger) *EventsHandler {
	return &EventsHandler{
		events: events,
		buffer: buffer,
		logger: logger,
	}
}

// ServeHTTP replays the recent events, then streams new ones until the client goes away
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rc := http.NewResponseController(w)
	// the server write timeout would cut the stream
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		h.logger.WithError(err).Debug("Write deadline not adjustable")
	}

	id, events, cancel := h.events.Subscribe(h.buffer)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	logger := h.logger.WithField("subscriber", id)
	logger.Debug("Event stream opened")
	defer logger.Debug("Event stream closed")

	if r.URL.Query().Get("replay") != "false" {
		for _, evt := range h.events.Recent(0) {
			if err := writeEvent(w, evt); err != nil {
				return
			}
		}
	}
	if err := rc.Flush(); err != nil {
		return
	}

	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		case evt, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(w, evt); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, evt ports.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", evt.ID, evt.Name, data)
	return err
}
