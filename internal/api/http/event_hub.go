// internal/api/http/event_hub.go
package http

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"task-dispatch/internal/presence"

	"github.com/google/uuid"
)

// EventHub delivers dispatch events to clients over server-sent events and
// ties connection lifecycle to the presence registry: a connection handle
// exists exactly as long as its HTTP stream does.
type EventHub struct {
	registry *presence.Registry
	logger   *slog.Logger

	mu    sync.RWMutex
	conns map[string]chan []byte
}

// NewEventHub creates an event hub bound to the presence registry.
func NewEventHub(registry *presence.Registry, logger *slog.Logger) *EventHub {
	return &EventHub{
		registry: registry,
		logger:   logger.With("component", "event-hub"),
		conns:    make(map[string]chan []byte),
	}
}

// ServeHTTP handles GET /events: one long-lived stream per client. The
// connection registers in the presence registry on open and is removed when
// the stream ends, however it ends.
func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	userID := UserID(r.Context())
	handle := uuid.New().String()

	ch := make(chan []byte, 64)
	h.mu.Lock()
	h.conns[handle] = ch
	h.mu.Unlock()

	h.registry.UpsertUser(handle, userID)
	h.logger.Info("client connected", "user_id", userID, "handle", handle)

	defer func() {
		h.registry.Remove(handle)
		h.mu.Lock()
		delete(h.conns, handle)
		h.mu.Unlock()
		h.logger.Info("client disconnected", "user_id", userID, "handle", handle)
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Tell the client its handle so it can correlate logs; also forces the
	// headers out.
	fmt.Fprintf(w, "event: connected\ndata: {\"handle\":%q}\n\n", handle)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case frame, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// Send queues an event for one connection. A full buffer counts as a failed
// delivery: alerts are best effort and a stalled client must not block the
// fan-out.
func (h *EventHub) Send(handle, event string, payload any) error {
	h.mu.RLock()
	ch, ok := h.conns[handle]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no connection for handle %s", handle)
	}

	frame, err := sseFrame(event, payload)
	if err != nil {
		return err
	}

	select {
	case ch <- frame:
		return nil
	default:
		return fmt.Errorf("connection %s is not draining", handle)
	}
}

// Broadcast queues an event for many connections, dropping silently where a
// connection is gone or stalled.
func (h *EventHub) Broadcast(handles []string, event string, payload any) {
	frame, err := sseFrame(event, payload)
	if err != nil {
		h.logger.Warn("failed to encode broadcast payload", "event", event, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, handle := range handles {
		ch, ok := h.conns[handle]
		if !ok {
			continue
		}
		select {
		case ch <- frame:
		default:
		}
	}
}

func sseFrame(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event payload: %w", err)
	}
	return []byte("event: " + event + "\ndata: " + string(data) + "\n\n"), nil
}
